package audio

import (
	"fmt"
	"math"

	"voiceprobe/pkg/media"
)

// QualityConfig holds the audio_quality thresholds.
type QualityConfig struct {
	ClipAmplitude    int16
	MaxClippingRatio float64
	WindowMs         int
	SpeechRMSFloor   float64
	DropRatio        float64
	SpikeRatio       float64
	EdgeMs           int
	ClickAmplitude   int16
	MinDurationMs    float64
	// MinSNRDB is only checked when positive.
	MinSNRDB float64
}

// DefaultQualityConfig returns the stock thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		ClipAmplitude:    32700,
		MaxClippingRatio: 0.005,
		WindowMs:         100,
		SpeechRMSFloor:   100,
		DropRatio:        0.2,
		SpikeRatio:       3,
		EdgeMs:           10,
		ClickAmplitude:   20000,
		MinDurationMs:    1000,
	}
}

// QualityReport is the outcome of AnalyzeQuality.
type QualityReport struct {
	DurationMs     float64
	TotalSamples   int
	ClippedSamples int
	ClippingRatio  float64
	SpeechWindows  int
	SilenceWindows int
	MeanSpeechRMS  float64
	MeanSilenceRMS float64
	Drops          int
	Spikes         int
	ClickAtStart   bool
	ClickAtEnd     bool
	// SNRDB is nil when there is no silence window to measure noise against.
	SNRDB    *float64
	Problems []string
}

// Passed reports whether every sub-check passed.
func (r QualityReport) Passed() bool {
	return len(r.Problems) == 0
}

// Artifacts is the count of drops plus spikes inside speech.
func (r QualityReport) Artifacts() int {
	return r.Drops + r.Spikes
}

// AnalyzeQuality scans a PCM16 mono buffer for clipping, dropouts, spikes,
// edge clicks and short duration, and estimates SNR.
func AnalyzeQuality(pcm []byte, sampleRate int, cfg QualityConfig) QualityReport {
	samples := media.BytesToSamples(pcm)
	report := QualityReport{
		DurationMs:   media.DurationMs(pcm, sampleRate),
		TotalSamples: len(samples),
	}

	for _, s := range samples {
		if abs16(s) >= int(cfg.ClipAmplitude) {
			report.ClippedSamples++
		}
	}
	if len(samples) > 0 {
		report.ClippingRatio = float64(report.ClippedSamples) / float64(len(samples))
	}
	if report.ClippingRatio > cfg.MaxClippingRatio {
		report.Problems = append(report.Problems, fmt.Sprintf("clipping ratio %.2f%% exceeds %.2f%%",
			report.ClippingRatio*100, cfg.MaxClippingRatio*100))
	}

	windowSize := sampleRate * cfg.WindowMs / 1000
	if windowSize <= 0 {
		windowSize = len(samples)
	}
	var rms []float64
	for start := 0; start+windowSize <= len(samples) && windowSize > 0; start += windowSize {
		rms = append(rms, media.RMS(samples[start:start+windowSize]))
	}

	var speechSum, silenceSum float64
	isSpeech := make([]bool, len(rms))
	for i, r := range rms {
		if r >= cfg.SpeechRMSFloor {
			isSpeech[i] = true
			report.SpeechWindows++
			speechSum += r
		} else {
			report.SilenceWindows++
			silenceSum += r
		}
	}
	if report.SpeechWindows > 0 {
		report.MeanSpeechRMS = speechSum / float64(report.SpeechWindows)
	}
	if report.SilenceWindows > 0 {
		report.MeanSilenceRMS = silenceSum / float64(report.SilenceWindows)
	}

	// A window is inside a speech region when both neighbours are speech.
	for i := 1; i < len(rms)-1 && report.MeanSpeechRMS > 0; i++ {
		if !isSpeech[i-1] || !isSpeech[i+1] {
			continue
		}
		switch {
		case rms[i] < cfg.DropRatio*report.MeanSpeechRMS:
			report.Drops++
		case rms[i] > cfg.SpikeRatio*report.MeanSpeechRMS:
			report.Spikes++
		}
	}
	if report.Artifacts() > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d artifacts detected (%d drops, %d spikes)",
			report.Artifacts(), report.Drops, report.Spikes))
	}

	edge := sampleRate * cfg.EdgeMs / 1000
	if edge > len(samples) {
		edge = len(samples)
	}
	report.ClickAtStart = exceeds(samples[:edge], cfg.ClickAmplitude)
	report.ClickAtEnd = exceeds(samples[len(samples)-edge:], cfg.ClickAmplitude)
	if report.ClickAtStart || report.ClickAtEnd {
		report.Problems = append(report.Problems, fmt.Sprintf("click transient at %s", edgeName(report)))
	}

	if report.DurationMs < cfg.MinDurationMs {
		report.Problems = append(report.Problems, fmt.Sprintf("duration %.0fms below minimum %.0fms",
			report.DurationMs, cfg.MinDurationMs))
	}

	if report.SpeechWindows > 0 && report.SilenceWindows > 0 {
		snr := media.SNR(report.MeanSpeechRMS, report.MeanSilenceRMS)
		if math.IsInf(snr, 1) {
			snr = 99
		}
		report.SNRDB = &snr
		if cfg.MinSNRDB > 0 && snr < cfg.MinSNRDB {
			report.Problems = append(report.Problems, fmt.Sprintf("SNR %.1fdB below minimum %.1fdB", snr, cfg.MinSNRDB))
		}
	}

	return report
}

func edgeName(r QualityReport) string {
	switch {
	case r.ClickAtStart && r.ClickAtEnd:
		return "start and end"
	case r.ClickAtStart:
		return "start"
	default:
		return "end"
	}
}

func exceeds(samples []int16, limit int16) bool {
	for _, s := range samples {
		if abs16(s) > int(limit) {
			return true
		}
	}
	return false
}

func abs16(s int16) int {
	v := int(s)
	if v < 0 {
		return -v
	}
	return v
}
