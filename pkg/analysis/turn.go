// Package analysis computes deterministic conversation metrics. Nothing in
// here performs I/O.
package analysis

// Role identifies the speaker of a turn.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// Turn is one utterance of a conversation. Timestamps are relative to the
// start of the conversation.
type Turn struct {
	Role            Role     `json:"role"`
	Text            string   `json:"text"`
	TimestampMs     float64  `json:"timestamp_ms"`
	AudioDurationMs *float64 `json:"audio_duration_ms,omitempty"`
	TTFBMs          *float64 `json:"ttfb_ms,omitempty"`
	STTConfidence   *float64 `json:"stt_confidence,omitempty"`
	TTSMs           *float64 `json:"tts_ms,omitempty"`
	STTMs           *float64 `json:"stt_ms,omitempty"`

	// Audio is retained only when the run asks for audio analysis.
	Audio []byte `json:"-"`
}

// Float returns a pointer to v, for optional metric fields.
func Float(v float64) *float64 {
	return &v
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
