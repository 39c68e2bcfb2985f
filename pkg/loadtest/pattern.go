package loadtest

import (
	"math"
	"strings"
	"time"

	"voiceprobe/pkg/errors"
)

// Pattern shapes the target concurrency over time.
type Pattern string

// Traffic patterns
const (
	PatternRamp      Pattern = "ramp"
	PatternSpike     Pattern = "spike"
	PatternSustained Pattern = "sustained"
	PatternSoak      Pattern = "soak"
)

const (
	spikeWarmup    = 5 * time.Second
	soakRampShare  = 0.1
	defaultCallMs  = 15000
	defaultSilence = 2000
)

// Config describes one load test.
type Config struct {
	Pattern           Pattern `json:"pattern" yaml:"pattern"`
	TargetConcurrency int     `json:"target_concurrency" yaml:"target_concurrency"`
	DurationS         float64 `json:"duration_s" yaml:"duration_s"`
	// RampDurationS applies to the ramp pattern; 0 ramps over the whole run.
	RampDurationS float64 `json:"ramp_duration_s,omitempty" yaml:"ramp_duration_s"`
	CallerPrompt  string  `json:"caller_prompt" yaml:"caller_prompt"`

	CallTimeoutMs      int `json:"call_timeout_ms,omitempty" yaml:"call_timeout_ms"`
	SilenceThresholdMs int `json:"silence_threshold_ms,omitempty" yaml:"silence_threshold_ms"`
	SpawnIntervalMs    int `json:"spawn_interval_ms,omitempty" yaml:"spawn_interval_ms"`
	SnapshotIntervalMs int `json:"snapshot_interval_ms,omitempty" yaml:"snapshot_interval_ms"`
	DrainTimeoutS      int `json:"drain_timeout_s,omitempty" yaml:"drain_timeout_s"`

	// BaselineWindow > 1 averages the p95 of the first N timepoints that
	// carried successful calls instead of using the second timepoint.
	BaselineWindow int     `json:"baseline_window,omitempty" yaml:"baseline_window"`
	MaxErrorRate   float64 `json:"max_error_rate,omitempty" yaml:"max_error_rate"`
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	c.Pattern = Pattern(strings.ToLower(strings.TrimSpace(string(c.Pattern))))
	if c.Pattern == "" {
		c.Pattern = PatternRamp
	}
	if c.CallTimeoutMs <= 0 {
		c.CallTimeoutMs = defaultCallMs
	}
	if c.SilenceThresholdMs <= 0 {
		c.SilenceThresholdMs = defaultSilence
	}
	if c.SpawnIntervalMs <= 0 {
		c.SpawnIntervalMs = 50
	}
	if c.SnapshotIntervalMs <= 0 {
		c.SnapshotIntervalMs = 1000
	}
	if c.DrainTimeoutS <= 0 {
		c.DrainTimeoutS = 30
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = 0.1
	}
}

// Validate rejects configs that cannot run.
func (c *Config) Validate() error {
	switch c.Pattern {
	case PatternRamp, PatternSpike, PatternSustained, PatternSoak:
	default:
		return errors.NewInvalidInput("unknown load test pattern").WithField("pattern", c.Pattern)
	}
	if c.TargetConcurrency <= 0 {
		return errors.NewInvalidInput("target_concurrency must be positive")
	}
	if c.DurationS <= 0 {
		return errors.NewInvalidInput("duration_s must be positive")
	}
	if strings.TrimSpace(c.CallerPrompt) == "" {
		return errors.NewInvalidInput("load test needs a caller prompt")
	}
	return nil
}

func (c *Config) duration() time.Duration {
	return seconds(c.DurationS)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// TargetAt is the desired concurrency after elapsed of a run lasting total.
func TargetAt(p Pattern, target int, elapsed, total, ramp time.Duration) int {
	if target <= 0 || elapsed < 0 {
		return 0
	}
	switch p {
	case PatternSustained:
		return target
	case PatternSpike:
		if elapsed < spikeWarmup {
			return 1
		}
		return target
	case PatternSoak:
		return linear(target, elapsed, time.Duration(float64(total)*soakRampShare))
	default:
		if ramp <= 0 {
			ramp = total
		}
		return linear(target, elapsed, ramp)
	}
}

func linear(target int, elapsed, over time.Duration) int {
	if over <= 0 || elapsed >= over {
		return target
	}
	n := int(math.Ceil(float64(target) * float64(elapsed) / float64(over)))
	if n > target {
		n = target
	}
	return n
}
