package audiotest

import (
	"time"

	"voiceprobe/pkg/audio"
)

// Thresholds are the pass/fail limits of every check. A job overrides them by
// decoding on top of DefaultThresholds; zero values fall back to the defaults.
type Thresholds struct {
	ResponseTimeoutMs  int `json:"response_timeout_ms" yaml:"response_timeout_ms"`
	SilenceThresholdMs int `json:"silence_threshold_ms" yaml:"silence_threshold_ms"`
	TestTimeoutMs      int `json:"test_timeout_ms" yaml:"test_timeout_ms"`

	EchoObservationMs int `json:"echo_observation_ms" yaml:"echo_observation_ms"`
	EchoWindowMs      int `json:"echo_window_ms" yaml:"echo_window_ms"`
	// EchoFailCount unprompted responses or more fail the echo check.
	EchoFailCount int `json:"echo_fail_count" yaml:"echo_fail_count"`

	TTFBP95Ms        float64 `json:"ttfb_p95_ms" yaml:"ttfb_p95_ms"`
	ComplexTTFBP95Ms float64 `json:"complex_ttfb_p95_ms" yaml:"complex_ttfb_p95_ms"`
	// TTFWP95Ms is only enforced when positive.
	TTFWP95Ms float64 `json:"ttfw_p95_ms" yaml:"ttfw_p95_ms"`

	MaxClippingRatio float64 `json:"max_clipping_ratio" yaml:"max_clipping_ratio"`
	MinDurationMs    float64 `json:"min_duration_ms" yaml:"min_duration_ms"`
	MinSNRDB         float64 `json:"min_snr_db" yaml:"min_snr_db"`

	MinWords int `json:"min_words" yaml:"min_words"`

	BargeInDelayMs   int     `json:"barge_in_delay_ms" yaml:"barge_in_delay_ms"`
	BargeInMaxStopMs float64 `json:"barge_in_max_stop_ms" yaml:"barge_in_max_stop_ms"`

	SilenceDurationMs int `json:"silence_duration_ms" yaml:"silence_duration_ms"`
	MaxReprompts      int `json:"max_reprompts" yaml:"max_reprompts"`

	StabilityTurns int `json:"stability_turns" yaml:"stability_turns"`
	StabilityGapMs int `json:"stability_gap_ms" yaml:"stability_gap_ms"`

	NoiseSNRsDB         []float64 `json:"noise_snrs_db" yaml:"noise_snrs_db"`
	NoiseMaxDegradation float64   `json:"noise_max_degradation" yaml:"noise_max_degradation"`

	EndpointingPauseMs int `json:"endpointing_pause_ms" yaml:"endpointing_pause_ms"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ResponseTimeoutMs:   15000,
		SilenceThresholdMs:  1500,
		TestTimeoutMs:       120000,
		EchoObservationMs:   15000,
		EchoWindowMs:        3000,
		EchoFailCount:       2,
		TTFBP95Ms:           3000,
		ComplexTTFBP95Ms:    5000,
		MaxClippingRatio:    0.005,
		MinDurationMs:       1000,
		MinWords:            15,
		BargeInDelayMs:      1000,
		BargeInMaxStopMs:    2000,
		SilenceDurationMs:   12000,
		MaxReprompts:        3,
		StabilityTurns:      5,
		StabilityGapMs:      1000,
		NoiseSNRsDB:         []float64{20, 10, 5},
		NoiseMaxDegradation: 2,
		EndpointingPauseMs:  1200,
	}
}

// Normalize replaces non-positive limits with defaults.
func (t Thresholds) Normalize() Thresholds {
	d := DefaultThresholds()
	orInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	orFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	orInt(&t.ResponseTimeoutMs, d.ResponseTimeoutMs)
	orInt(&t.SilenceThresholdMs, d.SilenceThresholdMs)
	orInt(&t.TestTimeoutMs, d.TestTimeoutMs)
	orInt(&t.EchoObservationMs, d.EchoObservationMs)
	orInt(&t.EchoWindowMs, d.EchoWindowMs)
	orInt(&t.EchoFailCount, d.EchoFailCount)
	orFloat(&t.TTFBP95Ms, d.TTFBP95Ms)
	orFloat(&t.ComplexTTFBP95Ms, d.ComplexTTFBP95Ms)
	orFloat(&t.MaxClippingRatio, d.MaxClippingRatio)
	orFloat(&t.MinDurationMs, d.MinDurationMs)
	orInt(&t.MinWords, d.MinWords)
	orInt(&t.BargeInDelayMs, d.BargeInDelayMs)
	orFloat(&t.BargeInMaxStopMs, d.BargeInMaxStopMs)
	orInt(&t.SilenceDurationMs, d.SilenceDurationMs)
	orInt(&t.StabilityTurns, d.StabilityTurns)
	orFloat(&t.NoiseMaxDegradation, d.NoiseMaxDegradation)
	orInt(&t.EndpointingPauseMs, d.EndpointingPauseMs)
	if t.MaxReprompts < 0 {
		t.MaxReprompts = d.MaxReprompts
	}
	if t.StabilityGapMs < 0 {
		t.StabilityGapMs = d.StabilityGapMs
	}
	if len(t.NoiseSNRsDB) == 0 {
		t.NoiseSNRsDB = d.NoiseSNRsDB
	}
	return t
}

// Quality maps the audio_quality limits onto the analyzer config.
func (t Thresholds) Quality() audio.QualityConfig {
	cfg := audio.DefaultQualityConfig()
	cfg.MaxClippingRatio = t.MaxClippingRatio
	cfg.MinDurationMs = t.MinDurationMs
	cfg.MinSNRDB = t.MinSNRDB
	return cfg
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (t Thresholds) responseTimeout() time.Duration  { return ms(t.ResponseTimeoutMs) }
func (t Thresholds) silenceThreshold() time.Duration { return ms(t.SilenceThresholdMs) }
