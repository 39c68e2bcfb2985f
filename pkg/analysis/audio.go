package analysis

import (
	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

// LongGapMs is the internal silence length counted by AudioMetrics.
const LongGapMs = 2000.0

// TalkRatio is caller audio over caller plus agent audio, using each turn's
// audio duration. Nil when no turn carries a duration.
func TalkRatio(turns []Turn) *float64 {
	var caller, agent float64
	for _, t := range turns {
		if t.AudioDurationMs == nil {
			continue
		}
		switch t.Role {
		case RoleCaller:
			caller += *t.AudioDurationMs
		case RoleAgent:
			agent += *t.AudioDurationMs
		}
	}
	if caller+agent <= 0 {
		return nil
	}
	return Float(caller / (caller + agent))
}

// TurnSegments are the speech segments found in one turn's retained audio.
type TurnSegments struct {
	Role     Role                  `json:"role"`
	AudioMs  float64               `json:"audio_ms"`
	Segments []audio.SpeechSegment `json:"segments"`
}

// SpeechMs is the summed duration of the segments.
func (t TurnSegments) SpeechMs() float64 {
	var total float64
	for _, s := range t.Segments {
		total += s.DurationMs()
	}
	return total
}

// SegmentTurns runs one batch VAD pass over every turn that retained audio.
// Turns without audio are skipped. The detector is released before returning.
func SegmentTurns(turns []Turn, cfg audio.BatchVADConfig) (result []TurnSegments, err error) {
	vad := audio.NewBatchVAD(cfg)
	if err := vad.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize batch VAD")
	}
	defer func() {
		if derr := vad.Destroy(); derr != nil && err == nil {
			err = errors.Wrap(derr, "failed to release batch VAD")
		}
	}()

	rate := cfg.InputSampleRate
	if rate <= 0 {
		rate = media.EngineSampleRate
	}
	for _, t := range turns {
		if len(t.Audio) == 0 {
			continue
		}
		segments, err := vad.Analyze(t.Audio)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to analyze %s turn audio", t.Role)
		}
		result = append(result, TurnSegments{
			Role:     t.Role,
			AudioMs:  media.DurationMs(t.Audio, rate),
			Segments: segments,
		})
	}
	return result, nil
}

// AudioMetrics is derived from batch VAD segments of retained turn audio.
type AudioMetrics struct {
	AgentSpeechRatio      *float64 `json:"agent_speech_ratio,omitempty"`
	VADTalkRatio          *float64 `json:"vad_talk_ratio,omitempty"`
	LongestMonologueMs    *float64 `json:"longest_monologue_ms,omitempty"`
	SilenceGapsOver2s     int      `json:"silence_gaps_over_2s"`
	MeanSegmentDurationMs *float64 `json:"mean_segment_duration_ms,omitempty"`
	AgentSegmentCount     int      `json:"agent_segment_count"`
}

// AudioAnalysis summarizes per-turn segments. The agent speech ratio is agent
// speech over agent audio; the VAD talk ratio is caller speech over all speech.
// A monologue is an agent turn's span from first onset to last offset.
func AudioAnalysis(turns []TurnSegments) AudioMetrics {
	var m AudioMetrics
	var agentAudio, agentSpeech, callerSpeech float64
	var longest float64
	var durations []float64

	for _, t := range turns {
		speech := t.SpeechMs()
		switch t.Role {
		case RoleCaller:
			callerSpeech += speech
			continue
		case RoleAgent:
		default:
			continue
		}

		agentAudio += t.AudioMs
		agentSpeech += speech
		m.AgentSegmentCount += len(t.Segments)
		for i, s := range t.Segments {
			durations = append(durations, s.DurationMs())
			if i > 0 && s.StartMs-t.Segments[i-1].EndMs > LongGapMs {
				m.SilenceGapsOver2s++
			}
		}
		if n := len(t.Segments); n > 0 {
			span := t.Segments[n-1].EndMs - t.Segments[0].StartMs
			if span > longest {
				longest = span
			}
		}
	}

	if agentAudio > 0 {
		m.AgentSpeechRatio = Float(agentSpeech / agentAudio)
	}
	if callerSpeech+agentSpeech > 0 {
		m.VADTalkRatio = Float(callerSpeech / (callerSpeech + agentSpeech))
	}
	if len(durations) > 0 {
		m.LongestMonologueMs = Float(longest)
		m.MeanSegmentDurationMs = Float(mean(durations))
	}
	return m
}
