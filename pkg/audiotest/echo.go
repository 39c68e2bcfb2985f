package audiotest

import (
	"context"
)

// runEcho checks for a feedback loop: after one real exchange the caller goes
// silent, and an agent that keeps answering its own audio speaks unprompted.
func runEcho(ctx context.Context, env *checkEnv) (outcome, error) {
	m := map[string]interface{}{}

	col, _, err := env.exchange(ctx, env.prompts.Greeting)
	if err != nil {
		return outcome{metrics: m}, err
	}
	m["initial_response_segments"] = col.Stats.SpeechSegments
	if col.NoResponse() {
		return fail(m, "agent did not respond to the initial prompt"), nil
	}

	obs := env.observe(ctx, ms(env.th.EchoObservationMs), ms(env.th.EchoWindowMs))
	m["unprompted_count"] = obs.onsets
	m["observation_ms"] = env.th.EchoObservationMs
	if obs.err != nil && !obs.disconnected {
		return outcome{metrics: m}, obs.err
	}
	m["disconnected"] = obs.disconnected

	if obs.onsets >= env.th.EchoFailCount {
		return fail(m, "agent produced %d unprompted responses while the caller was silent (limit %d)",
			obs.onsets, env.th.EchoFailCount-1), nil
	}
	return pass(m), nil
}
