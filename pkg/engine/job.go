// Package engine turns a job descriptor into a complete test run: health
// check, audio checks, conversations and an optional load test, with progress
// and results handed to a Reporter.
package engine

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"voiceprobe/pkg/audiotest"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/conversation"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/loadtest"
	"voiceprobe/pkg/tts"
)

// Tests selects what a job runs.
type Tests struct {
	AudioTests        []string                `json:"audio_tests,omitempty" yaml:"audio_tests"`
	ConversationTests []conversation.TestSpec `json:"conversation_tests,omitempty" yaml:"conversation_tests"`
}

// Voice overrides the configured speech providers for one job.
type Voice struct {
	TTS tts.Voice `json:"tts,omitempty" yaml:"tts"`
	// STTProvider pins transcription to one registered provider.
	STTProvider string `json:"stt_provider,omitempty" yaml:"stt_provider"`
}

// Job is the descriptor of one run.
type Job struct {
	RunID      string               `json:"run_id" yaml:"run_id"`
	Connection channel.Config       `json:"connection" yaml:"connection"`
	Tests      Tests                `json:"tests" yaml:"tests"`
	Thresholds audiotest.Thresholds `json:"thresholds" yaml:"thresholds"`
	Prompts    *audiotest.Prompts   `json:"prompts,omitempty" yaml:"prompts"`
	Voice      Voice                `json:"voice,omitempty" yaml:"voice"`
	LoadTest   *loadtest.Config     `json:"load_test,omitempty" yaml:"load_test"`
	// RetainAudio keeps turn audio for VAD metrics in every conversation.
	RetainAudio bool `json:"retain_audio,omitempty" yaml:"retain_audio"`
}

// Job formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DecodeJob parses a job. Thresholds absent from the document keep their
// defaults. An empty format is inferred from the first non-space byte.
func DecodeJob(data []byte, format string) (*Job, error) {
	job := &Job{Thresholds: audiotest.DefaultThresholds()}

	if format == "" {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}

	var err error
	switch strings.ToLower(format) {
	case FormatJSON:
		err = json.Unmarshal(data, job)
	case FormatYAML, "yml":
		err = yaml.Unmarshal(data, job)
	default:
		return nil, errors.NewInvalidInput("unsupported job format", map[string]interface{}{"format": format})
	}
	if err != nil {
		return nil, errors.NewInvalidInput("failed to decode job: " + err.Error())
	}
	return job, nil
}

// LoadJob reads a job file; the extension picks the format.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job file", map[string]interface{}{"path": path})
	}
	format := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return DecodeJob(data, format)
}

// Normalize assigns a run id when missing and fills threshold defaults.
func (j *Job) Normalize() {
	if strings.TrimSpace(j.RunID) == "" {
		j.RunID = uuid.NewString()
	}
	j.Thresholds = j.Thresholds.Normalize()
	if j.LoadTest != nil {
		j.LoadTest.Normalize()
	}
}

// Validate checks the job can run. Unknown audio test names are not
// rejected here; they become failed results.
func (j *Job) Validate() error {
	if err := j.Connection.Validate(); err != nil {
		return err
	}
	if j.Total() == 0 {
		return errors.NewInvalidInput("job selects no tests")
	}
	seen := make(map[string]bool, len(j.Tests.ConversationTests))
	for i, spec := range j.Tests.ConversationTests {
		fields := map[string]interface{}{"index": i, "name": spec.Name}
		if strings.TrimSpace(spec.Name) == "" {
			return errors.NewInvalidInput("conversation test needs a name", fields)
		}
		if seen[spec.Name] {
			return errors.NewInvalidInput("duplicate conversation test name", fields)
		}
		seen[spec.Name] = true
		if strings.TrimSpace(spec.CallerPrompt) == "" {
			return errors.NewInvalidInput("conversation test needs a caller prompt", fields)
		}
		if len(spec.EvalQuestions) == 0 {
			return errors.NewInvalidInput("conversation test needs eval questions", fields)
		}
	}
	if j.LoadTest != nil {
		return j.LoadTest.Validate()
	}
	return nil
}

// Total is the number of tests the job runs; a load test counts as one.
func (j *Job) Total() int {
	n := len(j.Tests.AudioTests) + len(j.Tests.ConversationTests)
	if j.LoadTest != nil {
		n++
	}
	return n
}
