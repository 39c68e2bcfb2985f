package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/media"
)

func TestAnalyzeQualityCleanSinePasses(t *testing.T) {
	pcm := media.Tone(440, 2000*time.Millisecond, 10000, media.EngineSampleRate)

	report := AnalyzeQuality(pcm, media.EngineSampleRate, DefaultQualityConfig())

	assert.True(t, report.Passed(), "problems: %v", report.Problems)
	assert.InDelta(t, 2000, report.DurationMs, 0.1)
	assert.Zero(t, report.ClippedSamples)
	assert.Equal(t, 20, report.SpeechWindows)
	assert.Nil(t, report.SNRDB, "no silence windows means no noise estimate")
}

func TestAnalyzeQualityClipping(t *testing.T) {
	pcm := media.Tone(440, 2000*time.Millisecond, 40000, media.EngineSampleRate)

	report := AnalyzeQuality(pcm, media.EngineSampleRate, DefaultQualityConfig())

	assert.False(t, report.Passed())
	assert.Greater(t, report.ClippingRatio, 0.005)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "clipping ratio")
}

func TestAnalyzeQualityDropout(t *testing.T) {
	pcm := media.Concat(
		media.Tone(440, time.Second, 10000, media.EngineSampleRate),
		media.Silence(100*time.Millisecond, media.EngineSampleRate),
		media.Tone(440, time.Second, 10000, media.EngineSampleRate),
	)

	report := AnalyzeQuality(pcm, media.EngineSampleRate, DefaultQualityConfig())

	assert.Equal(t, 1, report.Drops)
	assert.False(t, report.Passed())
	require.NotNil(t, report.SNRDB)
}

func TestAnalyzeQualitySpike(t *testing.T) {
	pcm := media.Concat(
		media.Tone(440, time.Second, 3000, media.EngineSampleRate),
		media.Tone(440, 100*time.Millisecond, 30000, media.EngineSampleRate),
		media.Tone(440, time.Second, 3000, media.EngineSampleRate),
	)

	report := AnalyzeQuality(pcm, media.EngineSampleRate, DefaultQualityConfig())
	assert.Equal(t, 1, report.Spikes)
	assert.Equal(t, 1, report.Artifacts())
}

func TestAnalyzeQualityClickAndShortDuration(t *testing.T) {
	pcm := media.Tone(440, 500*time.Millisecond, 5000, media.EngineSampleRate)
	samples := media.BytesToSamples(pcm)
	samples[3] = 30000
	pcm = media.SamplesToBytes(samples)

	report := AnalyzeQuality(pcm, media.EngineSampleRate, DefaultQualityConfig())

	assert.True(t, report.ClickAtStart)
	assert.False(t, report.ClickAtEnd)
	assert.Len(t, report.Problems, 2)
}

func TestAnalyzeQualitySNR(t *testing.T) {
	noise := media.WhiteNoise(500*time.Millisecond, 50, media.EngineSampleRate, 9)
	speech := media.Tone(440, 1500*time.Millisecond, 7071, media.EngineSampleRate)
	pcm := media.Concat(noise, speech)

	cfg := DefaultQualityConfig()
	report := AnalyzeQuality(pcm, media.EngineSampleRate, cfg)
	require.NotNil(t, report.SNRDB)
	// 5000 RMS speech vs ~50 RMS noise
	assert.InDelta(t, 40, *report.SNRDB, 1.5)
	assert.True(t, report.Passed(), "problems: %v", report.Problems)

	cfg.MinSNRDB = 60
	report = AnalyzeQuality(pcm, media.EngineSampleRate, cfg)
	assert.False(t, report.Passed())
}

func TestAnalyzeQualityEmpty(t *testing.T) {
	report := AnalyzeQuality(nil, media.EngineSampleRate, DefaultQualityConfig())
	assert.False(t, report.Passed())
	assert.Zero(t, report.ClippingRatio)
}
