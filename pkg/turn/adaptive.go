package turn

import (
	"math"
	"sync"
	"time"
)

// Adaptive threshold defaults in milliseconds.
const (
	DefaultBaseMs = 1500.0
	DefaultMinMs  = 600.0
	DefaultMaxMs  = 5000.0
)

const (
	emaKeep       = 0.7
	burstSegments = 3
	burstFactor   = 1.15
	driftFactor   = 0.9
)

// AdaptiveThreshold tunes the end-of-turn silence timeout from the cadence of
// previous replies. One instance belongs to one conversation.
type AdaptiveThreshold struct {
	mu        sync.Mutex
	baseMs    float64
	minMs     float64
	maxMs     float64
	currentMs float64
}

// NewAdaptiveThreshold starts at baseMs. Non-positive arguments take the defaults;
// base is clamped into [min, max].
func NewAdaptiveThreshold(baseMs, minMs, maxMs float64) *AdaptiveThreshold {
	if minMs <= 0 {
		minMs = DefaultMinMs
	}
	if maxMs <= 0 {
		maxMs = DefaultMaxMs
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	if baseMs <= 0 {
		baseMs = DefaultBaseMs
	}
	baseMs = clamp(baseMs, minMs, maxMs)
	return &AdaptiveThreshold{baseMs: baseMs, minMs: minMs, maxMs: maxMs, currentMs: baseMs}
}

// ThresholdMs is the silence timeout for the next turn.
func (a *AdaptiveThreshold) ThresholdMs() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentMs
}

// Threshold is ThresholdMs as a duration.
func (a *AdaptiveThreshold) Threshold() time.Duration {
	return time.Duration(a.ThresholdMs() * float64(time.Millisecond))
}

// Bounds returns base, min and max.
func (a *AdaptiveThreshold) Bounds() (base, lo, hi float64) {
	return a.baseMs, a.minMs, a.maxMs
}

// Update folds one turn's collection stats into the threshold.
func (a *AdaptiveThreshold) Update(stats Stats) {
	if stats.SpeechSegments <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.currentMs
	ratio := 0.0
	if old > 0 && !math.IsNaN(stats.MaxInternalSilenceMs) {
		ratio = stats.MaxInternalSilenceMs / old
	}

	factor := 1.0
	drifting := false
	switch {
	case ratio >= 0.7:
		factor = 1.4
	case ratio >= 0.5:
		factor = 1.2
	case ratio >= 0.3:
		factor = 1.05
	case stats.SpeechSegments == 1 && ratio < 0.1:
		drifting = true
		factor = driftFactor
		if old == a.baseMs {
			factor = 1
		} else if old < a.baseMs {
			factor = 1 / driftFactor
		}
	}
	if stats.SpeechSegments >= burstSegments && factor < burstFactor {
		factor = burstFactor
		drifting = false
	}

	next := emaKeep*old + (1-emaKeep)*old*factor
	if drifting {
		// never overshoot the base while drifting toward it
		if (old > a.baseMs && next < a.baseMs) || (old < a.baseMs && next > a.baseMs) {
			next = a.baseMs
		}
	}
	a.currentMs = clamp(next, a.minMs, a.maxMs)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
