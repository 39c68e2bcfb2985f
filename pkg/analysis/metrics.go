package analysis

// ConversationMetrics is the deterministic part of a conversation result.
type ConversationMetrics struct {
	TurnCount       int                      `json:"turn_count"`
	CallerTurns     int                      `json:"caller_turns"`
	AgentTurns      int                      `json:"agent_turns"`
	DurationMs      float64                  `json:"duration_ms"`
	Latency         LatencyMetrics           `json:"latency"`
	Transcript      TranscriptQualityMetrics `json:"transcript"`
	TalkRatio       *float64                 `json:"talk_ratio,omitempty"`
	Audio           *AudioMetrics            `json:"audio,omitempty"`
	HarnessOverhead OverheadMetrics          `json:"harness_overhead"`
}

// Input gathers what Compute needs. Segments is nil unless turn audio was
// retained and segmented.
type Input struct {
	Turns      []Turn
	References map[int]string
	Segments   []TurnSegments
	DurationMs float64
}

// Compute assembles every deterministic conversation metric.
func Compute(in Input) ConversationMetrics {
	m := ConversationMetrics{
		TurnCount:       len(in.Turns),
		DurationMs:      in.DurationMs,
		Latency:         Latency(in.Turns),
		Transcript:      TranscriptQuality(in.Turns, in.References),
		TalkRatio:       TalkRatio(in.Turns),
		HarnessOverhead: HarnessOverhead(in.Turns),
	}
	for _, t := range in.Turns {
		switch t.Role {
		case RoleCaller:
			m.CallerTurns++
		case RoleAgent:
			m.AgentTurns++
		}
	}
	if len(in.Segments) > 0 {
		a := AudioAnalysis(in.Segments)
		m.Audio = &a
	}
	return m
}
