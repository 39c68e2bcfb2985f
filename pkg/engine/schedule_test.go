package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewJobScheduler("job.yaml", "every tuesday-ish", quietLogger())
	assert.Error(t, err)
}

func TestJobSchedulerNext(t *testing.T) {
	s, err := NewJobScheduler("job.yaml", "@every 15m", quietLogger())
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(15*time.Minute), s.Next(now))

	s, err = NewJobScheduler("job.yaml", "0 * * * *", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), s.Next(now))
}

func TestJobSchedulerRunsEachTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	body := "connection:\n  adapter: websocket\n  url: ws://agent.test\ntests:\n  audio_tests: [echo]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	s, err := NewJobScheduler(path, "* * * * * *", quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := make(chan *Job, 8)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(j *Job) { jobs <- j }) }()

	for i := 0; i < 2; i++ {
		select {
		case j := <-jobs:
			assert.Equal(t, []string{"echo"}, j.Tests.AudioTests)
		case <-time.After(3 * time.Second):
			t.Fatalf("tick %d never fired", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
