package analysis

// LatencyMetrics describes agent responsiveness across a conversation.
type LatencyMetrics struct {
	TTFBPerTurnMs   []float64 `json:"ttfb_per_turn_ms"`
	P50TTFBMs       *float64  `json:"p50_ttfb_ms,omitempty"`
	P95TTFBMs       *float64  `json:"p95_ttfb_ms,omitempty"`
	P99TTFBMs       *float64  `json:"p99_ttfb_ms,omitempty"`
	FirstTurnTTFBMs *float64  `json:"first_turn_ttfb_ms,omitempty"`
	TotalSilenceMs  *float64  `json:"total_silence_ms,omitempty"`
	MeanTurnGapMs   *float64  `json:"mean_turn_gap_ms,omitempty"`
}

// Latency computes TTFB percentiles over agent turns and the gaps between
// consecutive turns. A gap is the next turn's timestamp minus the end of the
// previous turn (timestamp + audio duration), floored at zero; it is only
// measured when the previous turn's duration is known.
func Latency(turns []Turn) LatencyMetrics {
	m := LatencyMetrics{TTFBPerTurnMs: []float64{}}

	for _, t := range turns {
		if t.Role == RoleAgent && t.TTFBMs != nil {
			m.TTFBPerTurnMs = append(m.TTFBPerTurnMs, *t.TTFBMs)
		}
	}
	if len(m.TTFBPerTurnMs) > 0 {
		s := Sorted(m.TTFBPerTurnMs)
		m.P50TTFBMs = Float(Percentile(s, 50))
		m.P95TTFBMs = Float(Percentile(s, 95))
		m.P99TTFBMs = Float(Percentile(s, 99))
		m.FirstTurnTTFBMs = Float(m.TTFBPerTurnMs[0])
	}

	var gaps []float64
	for i := 1; i < len(turns); i++ {
		prev := turns[i-1]
		if prev.AudioDurationMs == nil {
			continue
		}
		gap := turns[i].TimestampMs - (prev.TimestampMs + *prev.AudioDurationMs)
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, gap)
	}
	if len(gaps) > 0 {
		var total float64
		for _, g := range gaps {
			total += g
		}
		m.TotalSilenceMs = Float(total)
		m.MeanTurnGapMs = Float(total / float64(len(gaps)))
	}
	return m
}
