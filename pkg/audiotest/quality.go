package audiotest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

var terminalPunctuation = regexp.MustCompile(`[.!?]["']?\s*$`)

// runAudioQuality elicits a long reply and scans the raw samples.
func runAudioQuality(ctx context.Context, env *checkEnv) (outcome, error) {
	col, _, err := env.exchange(ctx, env.prompts.LongAnswer)
	if err != nil {
		return outcome{}, err
	}
	if col.NoResponse() {
		return fail(map[string]interface{}{}, "agent did not respond"), nil
	}

	report := audio.AnalyzeQuality(col.Audio, media.EngineSampleRate, env.th.Quality())
	m := qualityMetrics(report)
	if !report.Passed() {
		return fail(m, "%s", strings.Join(report.Problems, "; ")), nil
	}
	return pass(m), nil
}

func qualityMetrics(r audio.QualityReport) map[string]interface{} {
	m := map[string]interface{}{
		"duration_ms":      r.DurationMs,
		"clipping_ratio":   r.ClippingRatio,
		"clipped_samples":  r.ClippedSamples,
		"speech_windows":   r.SpeechWindows,
		"silence_windows":  r.SilenceWindows,
		"drops":            r.Drops,
		"spikes":           r.Spikes,
		"click_at_start":   r.ClickAtStart,
		"click_at_end":     r.ClickAtEnd,
		"mean_speech_rms":  r.MeanSpeechRMS,
		"mean_silence_rms": r.MeanSilenceRMS,
	}
	if r.SNRDB != nil {
		m["snr_db"] = *r.SNRDB
	}
	return m
}

// runResponseCompleteness checks that a reply needing depth is not cut off.
func runResponseCompleteness(ctx context.Context, env *checkEnv) (outcome, error) {
	if env.suite.opts.Transcriber == nil {
		return outcome{}, errors.NewInvalidInput("response_completeness needs a speech-to-text provider")
	}

	col, _, err := env.exchange(ctx, env.prompts.Detailed)
	if err != nil {
		return outcome{}, err
	}
	m := map[string]interface{}{"timed_out": col.TimedOut}
	if col.NoResponse() {
		return fail(m, "agent did not respond"), nil
	}

	res, err := env.suite.opts.Transcriber.Transcribe(ctx, col.Audio)
	if err != nil {
		return outcome{metrics: m}, errors.Wrap(err, "failed to transcribe reply")
	}
	text := strings.TrimSpace(res.Text)
	words := len(analysis.Words(text))
	complete := terminalPunctuation.MatchString(text)

	m["transcript"] = text
	m["word_count"] = words
	m["ends_with_punctuation"] = complete
	m["stt_confidence"] = res.Confidence

	var problems []string
	if !complete {
		problems = append(problems, "response does not end with terminal punctuation")
	}
	if words < env.th.MinWords {
		problems = append(problems, fmt.Sprintf("response has %d words, minimum is %d", words, env.th.MinWords))
	}
	if len(problems) > 0 {
		return fail(m, "%s", strings.Join(problems, "; ")), nil
	}
	return pass(m), nil
}
