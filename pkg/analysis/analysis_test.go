package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/media"
)

func TestPercentile(t *testing.T) {
	s := []float64{100, 200, 300, 400, 500}
	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, 300.0, Percentile(s, 50))
	assert.Equal(t, 100.0, Percentile(s, 0))
	assert.Equal(t, 500.0, Percentile(s, 100))
	assert.InDelta(t, 480.0, Percentile(s, 95), 1e-9)
	assert.InDelta(t, 150.0, Percentile([]float64{100, 200}, 50), 1e-9)
	assert.Equal(t, 42.0, Percentile([]float64{42}, 99))
}

func TestPercentileProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 1, 200).Draw(t, "values")
		s := Sorted(values)
		p := rapid.Float64Range(0, 100).Draw(t, "p")
		q := rapid.Float64Range(p, 100).Draw(t, "q")

		vp := Percentile(s, p)
		if vp < s[0] || vp > s[len(s)-1] {
			t.Fatalf("percentile %v outside [%v, %v]", vp, s[0], s[len(s)-1])
		}
		if vq := Percentile(s, q); vq < vp {
			t.Fatalf("p%v=%v greater than p%v=%v", p, vp, q, vq)
		}
	})
}

func TestSummarize(t *testing.T) {
	sum := Summarize([]float64{3, 1, 2})
	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, 2.0, sum.P50)
	assert.Equal(t, 2.0, sum.Mean)
	assert.Equal(t, 1.0, sum.Min)
	assert.Equal(t, 3.0, sum.Max)
	assert.Equal(t, Summary{}, Summarize(nil))
}

func conversation() []Turn {
	return []Turn{
		{Role: RoleCaller, Text: "Hi, I need to book a table.", TimestampMs: 0, AudioDurationMs: Float(2000), TTSMs: Float(300)},
		{Role: RoleAgent, Text: "Sure, um, for how many people?", TimestampMs: 2500, AudioDurationMs: Float(1500), TTFBMs: Float(500), STTMs: Float(200), STTConfidence: Float(0.9)},
		{Role: RoleCaller, Text: "Four please.", TimestampMs: 4500, AudioDurationMs: Float(1000), TTSMs: Float(500)},
		{Role: RoleAgent, Text: "Great, four people it is.", TimestampMs: 6500, AudioDurationMs: Float(2000), TTFBMs: Float(1000), STTMs: Float(400), STTConfidence: Float(0.7)},
	}
}

func TestLatency(t *testing.T) {
	m := Latency(conversation())
	assert.Equal(t, []float64{500, 1000}, m.TTFBPerTurnMs)
	require.NotNil(t, m.P50TTFBMs)
	assert.InDelta(t, 750, *m.P50TTFBMs, 1e-9)
	assert.InDelta(t, 975, *m.P95TTFBMs, 1e-9)
	assert.Equal(t, 500.0, *m.FirstTurnTTFBMs)
	// gaps: 500, 500, 1000
	assert.Equal(t, 2000.0, *m.TotalSilenceMs)
	assert.InDelta(t, 666.666, *m.MeanTurnGapMs, 0.01)
}

func TestLatencyWithoutInputs(t *testing.T) {
	m := Latency([]Turn{{Role: RoleAgent, Text: "hello"}, {Role: RoleCaller, Text: "hi"}})
	assert.Empty(t, m.TTFBPerTurnMs)
	assert.NotNil(t, m.TTFBPerTurnMs)
	assert.Nil(t, m.P95TTFBMs)
	assert.Nil(t, m.TotalSilenceMs)
}

func TestLatencyOverlapFloorsAtZero(t *testing.T) {
	m := Latency([]Turn{
		{Role: RoleCaller, TimestampMs: 0, AudioDurationMs: Float(3000)},
		{Role: RoleAgent, TimestampMs: 1000},
	})
	require.NotNil(t, m.TotalSilenceMs)
	assert.Zero(t, *m.TotalSilenceMs)
}

func TestWordErrorRate(t *testing.T) {
	assert.Zero(t, WordErrorRate(Words("the cat sat"), Words("The cat, sat!")))
	assert.InDelta(t, 1.0/3, WordErrorRate(Words("the cat sat"), Words("the bat sat")), 1e-9)
	assert.InDelta(t, 2.0/3, WordErrorRate(Words("the cat sat"), Words("cat")), 1e-9)
	assert.Equal(t, 1.0, WordErrorRate(nil, Words("extra")))
	assert.Zero(t, WordErrorRate(nil, nil))
}

func TestTranscriptQuality(t *testing.T) {
	turns := conversation()
	m := TranscriptQuality(turns, map[int]string{1: "Sure, for how many people?"})

	require.NotNil(t, m.WordErrorRate)
	assert.InDelta(t, 1.0/5, *m.WordErrorRate, 1e-9, "one inserted filler")
	require.NotNil(t, m.FillerWordRate)
	assert.InDelta(t, 1.0/11, *m.FillerWordRate, 1e-9)
	require.NotNil(t, m.WordsPerMinute)
	assert.InDelta(t, 11/(3500.0/60000), *m.WordsPerMinute, 1e-6)
	assert.InDelta(t, 0.8, *m.MeanSTTConfidence, 1e-9)
	assert.Zero(t, *m.RepetitionScore)

	none := TranscriptQuality([]Turn{{Role: RoleCaller, Text: "hello"}}, nil)
	assert.Nil(t, none.WordErrorRate)
	assert.Nil(t, none.FillerWordRate)
	assert.Nil(t, none.WordsPerMinute)
}

func TestRepetition(t *testing.T) {
	assert.InDelta(t, 0.25, repetition(Words("a b c a b c")), 1e-9)
	assert.Zero(t, repetition(Words("a b")))
	assert.InDelta(t, 2.0/3, fillerRate(Words("you know um")), 1e-9)
}

func TestTalkRatio(t *testing.T) {
	ratio := TalkRatio(conversation())
	require.NotNil(t, ratio)
	assert.InDelta(t, 3000.0/6500, *ratio, 1e-9)
	assert.Nil(t, TalkRatio([]Turn{{Role: RoleAgent}}))
}

func TestHarnessOverhead(t *testing.T) {
	m := HarnessOverhead(conversation())
	assert.Equal(t, 400.0, *m.MeanTTSMs)
	assert.Equal(t, 300.0, *m.MeanSTTMs)
	assert.Equal(t, 800.0, *m.TotalTTSMs)
	assert.Nil(t, HarnessOverhead(nil).MeanSTTMs)
}

func TestAudioAnalysis(t *testing.T) {
	turns := []TurnSegments{
		{Role: RoleCaller, AudioMs: 2000, Segments: []audio.SpeechSegment{{StartMs: 0, EndMs: 1000}}},
		{Role: RoleAgent, AudioMs: 6000, Segments: []audio.SpeechSegment{
			{StartMs: 100, EndMs: 1100},
			{StartMs: 3500, EndMs: 5500},
		}},
		{Role: RoleAgent, AudioMs: 1000, Segments: []audio.SpeechSegment{{StartMs: 0, EndMs: 600}}},
	}
	m := AudioAnalysis(turns)

	assert.InDelta(t, 3600.0/7000, *m.AgentSpeechRatio, 1e-9)
	assert.InDelta(t, 1000.0/4600, *m.VADTalkRatio, 1e-9)
	assert.Equal(t, 5400.0, *m.LongestMonologueMs)
	assert.Equal(t, 1, m.SilenceGapsOver2s)
	assert.Equal(t, 3, m.AgentSegmentCount)
	assert.InDelta(t, 1200, *m.MeanSegmentDurationMs, 1e-9)

	empty := AudioAnalysis(nil)
	assert.Nil(t, empty.AgentSpeechRatio)
	assert.Nil(t, empty.LongestMonologueMs)
}

func TestSegmentTurns(t *testing.T) {
	rate := media.EngineSampleRate
	agentAudio := media.Concat(
		media.Silence(200*time.Millisecond, rate),
		media.Tone(300, 500*time.Millisecond, 8000, rate),
		media.Silence(400*time.Millisecond, rate),
	)
	turns := []Turn{
		{Role: RoleCaller, Text: "no audio kept"},
		{Role: RoleAgent, Audio: agentAudio},
	}

	segs, err := SegmentTurns(turns, audio.DefaultBatchVADConfig())
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, RoleAgent, segs[0].Role)
	assert.InDelta(t, 1100, segs[0].AudioMs, 1)
	require.Len(t, segs[0].Segments, 1)
	assert.InDelta(t, 200, segs[0].Segments[0].StartMs, 50)
	assert.Greater(t, segs[0].SpeechMs(), 400.0)

	again, err := SegmentTurns(turns, audio.DefaultBatchVADConfig())
	require.NoError(t, err)
	assert.Equal(t, segs, again)
}

func TestCompute(t *testing.T) {
	m := Compute(Input{Turns: conversation(), DurationMs: 8500})
	assert.Equal(t, 4, m.TurnCount)
	assert.Equal(t, 2, m.CallerTurns)
	assert.Equal(t, 2, m.AgentTurns)
	assert.Equal(t, 8500.0, m.DurationMs)
	assert.NotNil(t, m.TalkRatio)
	assert.Nil(t, m.Audio)
	assert.Len(t, m.Latency.TTFBPerTurnMs, 2)

	withAudio := Compute(Input{Turns: conversation(), Segments: []TurnSegments{{Role: RoleAgent, AudioMs: 100}}})
	assert.NotNil(t, withAudio.Audio)
}
