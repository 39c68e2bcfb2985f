package analysis

// OverheadMetrics is time spent in the test harness's own speech services,
// reported apart from agent latency.
type OverheadMetrics struct {
	MeanTTSMs  *float64 `json:"mean_tts_ms,omitempty"`
	MeanSTTMs  *float64 `json:"mean_stt_ms,omitempty"`
	TotalTTSMs *float64 `json:"total_tts_ms,omitempty"`
	TotalSTTMs *float64 `json:"total_stt_ms,omitempty"`
}

// HarnessOverhead averages the TTS and STT call latencies recorded on turns.
func HarnessOverhead(turns []Turn) OverheadMetrics {
	var tts, stt []float64
	for _, t := range turns {
		if t.TTSMs != nil {
			tts = append(tts, *t.TTSMs)
		}
		if t.STTMs != nil {
			stt = append(stt, *t.STTMs)
		}
	}

	var m OverheadMetrics
	if len(tts) > 0 {
		m.MeanTTSMs = Float(mean(tts))
		m.TotalTTSMs = Float(mean(tts) * float64(len(tts)))
	}
	if len(stt) > 0 {
		m.MeanSTTMs = Float(mean(stt))
		m.TotalSTTMs = Float(mean(stt) * float64(len(stt)))
	}
	return m
}
