package audiotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"voiceprobe/pkg/analysis"
	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/metrics"
)

// ttfbSample is one prompt's measurement. TTFWMs is nil when the batch VAD
// found no speech segment in the reply.
type ttfbSample struct {
	Tier   string
	TTFBMs float64
	TTFWMs *float64
}

var tierOrder = []string{TierSimple, TierComplex, TierTool}

// runTTFB speaks every tiered prompt and measures time to first audio and,
// through the batch VAD, time to first word.
func runTTFB(ctx context.Context, env *checkEnv) (outcome, error) {
	vad := audio.NewBatchVAD(env.suite.opts.BatchVAD)
	if err := vad.Init(); err != nil {
		return outcome{}, err
	}
	defer vad.Destroy()

	var samples []ttfbSample
	missed := 0
	total := 0
	for _, tier := range tiers(env.prompts.TTFB) {
		for _, prompt := range env.prompts.TTFB[tier] {
			total++
			col, sentAt, err := env.exchange(ctx, prompt)
			if err != nil {
				return outcome{metrics: map[string]interface{}{"prompts_sent": total}}, err
			}
			ttfb := ttfbMs(col, sentAt)
			if ttfb == nil {
				missed++
				env.logger.WithField("tier", tier).Warn("No speech in reply to TTFB prompt")
				continue
			}

			metrics.ObserveTTFB("audio_test", time.Duration(*ttfb*float64(time.Millisecond)))
			sample := ttfbSample{Tier: tier, TTFBMs: *ttfb}
			segments, err := vad.Analyze(col.Audio)
			if err != nil {
				return outcome{}, err
			}
			if len(segments) > 0 {
				firstAudio := float64(col.FirstAudioAt.Sub(sentAt).Microseconds()) / 1000
				ttfw := firstAudio + segments[0].StartMs
				if ttfw < 0 {
					ttfw = 0
				}
				sample.TTFWMs = &ttfw
			}
			samples = append(samples, sample)
		}
	}

	m, failure := evaluateTTFB(samples, env.th)
	m["prompts_sent"] = total
	m["no_response_count"] = missed
	if failure == "" && missed > 0 {
		failure = fmt.Sprintf("agent did not respond to %d of %d prompts", missed, total)
	}
	if failure != "" {
		return fail(m, "%s", failure), nil
	}
	return pass(m), nil
}

func tiers(prompts map[string][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tierOrder {
		if len(prompts[t]) > 0 {
			out = append(out, t)
			seen[t] = true
		}
	}
	var extra []string
	for t, p := range prompts {
		if !seen[t] && len(p) > 0 {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// evaluateTTFB computes overall and per-tier percentiles and applies the
// thresholds. The failure text names every percentile that was exceeded.
func evaluateTTFB(samples []ttfbSample, th Thresholds) (map[string]interface{}, string) {
	m := map[string]interface{}{"samples": len(samples)}
	if len(samples) == 0 {
		return m, "no TTFB samples collected"
	}

	all := make([]float64, 0, len(samples))
	byTier := make(map[string][]float64)
	var ttfw []float64
	for _, s := range samples {
		all = append(all, s.TTFBMs)
		byTier[s.Tier] = append(byTier[s.Tier], s.TTFBMs)
		if s.TTFWMs != nil {
			ttfw = append(ttfw, *s.TTFWMs)
		}
	}

	overall := analysis.Summarize(all)
	m["ttfb_ms"] = all
	m["p50_ms"] = overall.P50
	m["p95_ms"] = overall.P95
	m["mean_ms"] = overall.Mean

	tierMetrics := make(map[string]interface{}, len(byTier))
	for tier, values := range byTier {
		sum := analysis.Summarize(values)
		tierMetrics[tier] = map[string]interface{}{"count": sum.Count, "p50_ms": sum.P50, "p95_ms": sum.P95}
	}
	m["tiers"] = tierMetrics

	var problems []string
	if overall.P95 > th.TTFBP95Ms {
		problems = append(problems, fmt.Sprintf("ttfb p95 %.0fms exceeds threshold %.0fms", overall.P95, th.TTFBP95Ms))
	}
	if values := byTier[TierComplex]; len(values) > 0 {
		p95 := analysis.Summarize(values).P95
		if p95 > th.ComplexTTFBP95Ms {
			problems = append(problems, fmt.Sprintf("complex ttfb p95 %.0fms exceeds threshold %.0fms", p95, th.ComplexTTFBP95Ms))
		}
	}
	if len(ttfw) > 0 {
		sum := analysis.Summarize(ttfw)
		m["ttfw_p50_ms"] = sum.P50
		m["ttfw_p95_ms"] = sum.P95
		if th.TTFWP95Ms > 0 && sum.P95 > th.TTFWP95Ms {
			problems = append(problems, fmt.Sprintf("ttfw p95 %.0fms exceeds threshold %.0fms", sum.P95, th.TTFWP95Ms))
		}
	}
	return m, strings.Join(problems, "; ")
}
