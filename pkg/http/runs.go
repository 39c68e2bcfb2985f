package http

import (
	"context"
	"sort"
	"sync"
	"time"

	"voiceprobe/pkg/engine"
	"voiceprobe/pkg/errors"
)

// Run states reported by the API
const (
	RunRunning   = "running"
	RunCompleted = "completed"
)

const defaultRetainedRuns = 200

// RunRecord is the API view of one submitted run.
type RunRecord struct {
	RunID       string            `json:"run_id"`
	State       string            `json:"state"`
	Completed   int               `json:"completed"`
	Total       int               `json:"total"`
	LastTest    string            `json:"last_test,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Result      *engine.RunResult `json:"result,omitempty"`
}

// RunRegistry tracks API runs in memory. It also implements engine.Reporter
// so the runner's progress lands on the matching record.
type RunRegistry struct {
	mu       sync.RWMutex
	runs     map[string]*RunRecord
	limit    int
	retained int
	active   int
}

// NewRunRegistry bounds concurrently running jobs to limit (<= 0 means 1).
func NewRunRegistry(limit int) *RunRegistry {
	if limit <= 0 {
		limit = 1
	}
	return &RunRegistry{
		runs:     make(map[string]*RunRecord),
		limit:    limit,
		retained: defaultRetainedRuns,
	}
}

// Start reserves a slot for job. The job must already be normalized.
func (r *RunRegistry) Start(job *engine.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[job.RunID]; ok && existing.State == RunRunning {
		return errors.Wrap(errors.ErrAlreadyExists, "run is already in progress", map[string]interface{}{"run_id": job.RunID})
	}
	if r.active >= r.limit {
		return errors.Wrapf(errors.ErrResourceExhausted, "%d runs already in progress", r.active)
	}

	r.active++
	r.runs[job.RunID] = &RunRecord{
		RunID:       job.RunID,
		State:       RunRunning,
		Total:       job.Total(),
		SubmittedAt: time.Now(),
	}
	r.evict()
	return nil
}

// Finish stores the result and frees the slot.
func (r *RunRegistry) Finish(runID string, res *engine.RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.runs[runID]
	if !ok || rec.State != RunRunning {
		return
	}
	now := time.Now()
	rec.State = RunCompleted
	rec.FinishedAt = &now
	rec.Result = res
	r.active--
}

// Get returns a copy of the record for runID.
func (r *RunRegistry) Get(runID string) (RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *rec, true
}

// List returns all records, newest first, without results.
func (r *RunRegistry) List() []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunRecord, 0, len(r.runs))
	for _, rec := range r.runs {
		c := *rec
		c.Result = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Active is the number of running jobs.
func (r *RunRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Progress implements engine.Reporter.
func (r *RunRegistry) Progress(_ context.Context, p engine.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.runs[p.RunID]; ok {
		rec.Completed = p.Completed
		rec.Total = p.Total
		rec.LastTest = p.TestName
	}
	return nil
}

// Event implements engine.Reporter.
func (r *RunRegistry) Event(context.Context, engine.Event) error { return nil }

// Result implements engine.Reporter.
func (r *RunRegistry) Result(_ context.Context, res *engine.RunResult) error {
	r.Finish(res.RunID, res)
	return nil
}

// evict drops the oldest finished runs beyond the retention cap. Caller holds mu.
func (r *RunRegistry) evict() {
	if len(r.runs) <= r.retained {
		return
	}
	var finished []*RunRecord
	for _, rec := range r.runs {
		if rec.State == RunCompleted {
			finished = append(finished, rec)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].SubmittedAt.Before(finished[j].SubmittedAt) })
	for _, rec := range finished {
		if len(r.runs) <= r.retained {
			return
		}
		delete(r.runs, rec.RunID)
	}
}
