package audiotest

import (
	"context"
	"time"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

// bargeInStopGap is how long the agent's audio may pause before it counts as
// having stopped when the transport sends no silence frames.
const bargeInStopGap = 250 * time.Millisecond

// runBargeIn interrupts a long answer and measures how quickly the agent
// stops talking, then checks it answers the interruption.
func runBargeIn(ctx context.Context, env *checkEnv) (outcome, error) {
	m := map[string]interface{}{}

	long, err := env.synthesize(ctx, env.prompts.LongAnswer)
	if err != nil {
		return outcome{}, err
	}
	interruption, err := env.synthesize(ctx, env.prompts.Interruption)
	if err != nil {
		return outcome{}, err
	}

	if _, err := env.send(ctx, long); err != nil {
		return outcome{}, err
	}
	onset := env.collector().WaitForSpeech(ctx, env.ch, env.th.responseTimeout())
	if onset.Err != nil {
		return outcome{metrics: m}, onset.Err
	}
	if !onset.Detected() {
		return fail(m, "agent did not start answering"), nil
	}
	if err := settle(ctx, env, ms(env.th.BargeInDelayMs)); err != nil {
		return outcome{metrics: m}, err
	}

	interruptedAt, err := env.send(ctx, interruption)
	if err != nil {
		return outcome{metrics: m}, err
	}
	maxStop := time.Duration(env.th.BargeInMaxStopMs * float64(time.Millisecond))
	stop := env.collector().WaitForSilence(ctx, env.ch, maxStop, bargeInStopGap)
	if stop.Err != nil {
		return outcome{metrics: m}, stop.Err
	}
	if stop.TimedOut {
		m["stop_latency_ms"] = env.th.BargeInMaxStopMs
		return fail(m, "agent kept speaking for more than %.0fms after being interrupted", env.th.BargeInMaxStopMs), nil
	}

	stopLatency := float64(stop.StoppedAt.Sub(interruptedAt).Microseconds()) / 1000
	if stopLatency < 0 {
		stopLatency = 0
	}
	m["stop_latency_ms"] = stopLatency

	reply, err := env.collector().CollectUntilEndOfTurn(ctx, env.ch, env.th.responseTimeout(), env.th.silenceThreshold())
	if err != nil {
		return outcome{metrics: m}, err
	}
	responded := reply.HeardSpeech()
	m["responded_to_interruption"] = responded

	if stopLatency > env.th.BargeInMaxStopMs {
		return fail(m, "agent took %.0fms to stop after being interrupted (limit %.0fms)", stopLatency, env.th.BargeInMaxStopMs), nil
	}
	if !responded {
		return fail(m, "agent stopped but did not respond to the interruption"), nil
	}
	return pass(m), nil
}

// runSilenceHandling stays silent after one exchange; the agent must keep
// the line open and not nag more than the allowed number of reprompts.
func runSilenceHandling(ctx context.Context, env *checkEnv) (outcome, error) {
	col, _, err := env.exchange(ctx, env.prompts.Greeting)
	if err != nil {
		return outcome{}, err
	}
	m := map[string]interface{}{}
	if col.NoResponse() {
		return fail(m, "agent did not respond to the initial prompt"), nil
	}

	obs := env.observe(ctx, ms(env.th.SilenceDurationMs), ms(env.th.SilenceDurationMs))
	m["reprompt_count"] = obs.onsets
	m["silence_ms"] = env.th.SilenceDurationMs
	m["connected"] = !obs.disconnected
	if obs.err != nil && !obs.disconnected {
		return outcome{metrics: m}, obs.err
	}

	if obs.disconnected {
		return fail(m, "agent disconnected during %dms of caller silence", env.th.SilenceDurationMs), nil
	}
	if obs.onsets > env.th.MaxReprompts {
		return fail(m, "agent reprompted %d times (limit %d)", obs.onsets, env.th.MaxReprompts), nil
	}
	return pass(m), nil
}

// runConnectionStability runs several exchanges over one connection.
func runConnectionStability(ctx context.Context, env *checkEnv) (outcome, error) {
	completed, disconnects, silent := 0, 0, 0
	var lastErr error

	for i := 0; i < env.th.StabilityTurns; i++ {
		prompt := env.prompts.Stability[i%len(env.prompts.Stability)]
		col, _, err := env.exchange(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, err
			}
			if errors.Is(err, errors.ErrDisconnected) || errors.Is(err, errors.ErrTransport) {
				disconnects++
				lastErr = err
				break
			}
			return outcome{}, err
		}
		if !col.HeardSpeech() {
			silent++
		} else {
			completed++
		}
		if i < env.th.StabilityTurns-1 && env.th.StabilityGapMs > 0 {
			if err := settle(ctx, env, ms(env.th.StabilityGapMs)); err != nil && ctx.Err() == nil {
				disconnects++
				lastErr = err
				break
			}
		}
	}

	m := map[string]interface{}{
		"turns":             env.th.StabilityTurns,
		"completed_turns":   completed,
		"disconnects":       disconnects,
		"no_response_turns": silent,
	}
	switch {
	case disconnects > 0:
		return fail(m, "connection dropped after %d turns: %v", completed, lastErr), nil
	case silent > 0:
		return fail(m, "agent did not respond on %d of %d turns", silent, env.th.StabilityTurns), nil
	}
	return pass(m), nil
}

// runNoiseResilience replays one prompt clean and then mixed with white noise
// at decreasing SNR.
func runNoiseResilience(ctx context.Context, env *checkEnv) (outcome, error) {
	clean, err := env.synthesize(ctx, env.prompts.Greeting)
	if err != nil {
		return outcome{}, err
	}

	col, sentAt, err := env.exchangeAudio(ctx, clean)
	if err != nil {
		return outcome{}, err
	}
	m := map[string]interface{}{}
	cleanTTFB := ttfbMs(col, sentAt)
	if cleanTTFB == nil {
		return fail(m, "agent did not respond to the clean prompt"), nil
	}
	m["clean_ttfb_ms"] = *cleanTTFB

	levels := make([]map[string]interface{}, 0, len(env.th.NoiseSNRsDB))
	var noisy []float64
	responded := 0
	for i, snr := range env.th.NoiseSNRsDB {
		pcm := media.MixWithNoise(clean, snr, media.EngineSampleRate, int64(i+1))
		col, sentAt, err := env.exchangeAudio(ctx, pcm)
		if err != nil {
			return outcome{metrics: m}, err
		}
		level := map[string]interface{}{"snr_db": snr, "responded": col.HeardSpeech()}
		if t := ttfbMs(col, sentAt); t != nil {
			responded++
			noisy = append(noisy, *t)
			level["ttfb_ms"] = *t
		}
		levels = append(levels, level)
	}

	rate := float64(responded) / float64(len(env.th.NoiseSNRsDB))
	m["levels"] = levels
	m["response_rate"] = rate

	var degradation float64
	if len(noisy) > 0 && *cleanTTFB > 0 {
		var sum float64
		for _, v := range noisy {
			sum += v
		}
		degradation = sum / float64(len(noisy)) / *cleanTTFB
		m["ttfb_degradation"] = degradation
	}

	if responded < len(env.th.NoiseSNRsDB) {
		return fail(m, "agent responded to %d of %d noisy prompts", responded, len(env.th.NoiseSNRsDB)), nil
	}
	if degradation > env.th.NoiseMaxDegradation {
		return fail(m, "ttfb under noise degraded %.1fx (limit %.1fx)", degradation, env.th.NoiseMaxDegradation), nil
	}
	return pass(m), nil
}

// runEndpointing speaks a sentence with a pause in the middle. The agent must
// wait for the second half before answering.
func runEndpointing(ctx context.Context, env *checkEnv) (outcome, error) {
	first, err := env.synthesize(ctx, env.prompts.SplitFirst)
	if err != nil {
		return outcome{}, err
	}
	second, err := env.synthesize(ctx, env.prompts.SplitSecond)
	if err != nil {
		return outcome{}, err
	}

	if _, err := env.send(ctx, first); err != nil {
		return outcome{}, err
	}
	m := map[string]interface{}{"pause_ms": env.th.EndpointingPauseMs}
	obs := env.observe(ctx, ms(env.th.EndpointingPauseMs), ms(env.th.EndpointingPauseMs))
	if obs.err != nil {
		return outcome{metrics: m}, obs.err
	}
	premature := obs.onsets
	m["premature_responses"] = premature

	col, sentAt, err := env.exchangeAudio(ctx, second)
	if err != nil {
		return outcome{metrics: m}, err
	}
	responded := col.HeardSpeech()
	m["responded"] = responded
	if t := ttfbMs(col, sentAt); t != nil {
		m["ttfb_ms"] = *t
	}

	if premature > 0 {
		return fail(m, "agent started speaking %d times during a %dms mid-sentence pause", premature, env.th.EndpointingPauseMs), nil
	}
	if !responded {
		return fail(m, "agent did not respond after the caller finished"), nil
	}
	return pass(m), nil
}
