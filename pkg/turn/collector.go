// Package turn detects conversational turn boundaries on a live AudioChannel.
package turn

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/audio"
	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

const (
	// DefaultSegmentGap is the pause after which a new voiced chunk opens a new speech segment.
	DefaultSegmentGap = 300 * time.Millisecond
	defaultPoll       = 10 * time.Millisecond
	// MinQuietAudio of unvoiced audio in a row marks the end of speech in WaitForSilence.
	MinQuietAudio = 80 * time.Millisecond
)

// Stats summarizes one collection for the adaptive threshold.
type Stats struct {
	SpeechSegments       int     `json:"speech_segments"`
	MaxInternalSilenceMs float64 `json:"max_internal_silence_ms"`
}

// Collection is the agent audio gathered for one turn.
type Collection struct {
	Audio    []byte
	TimedOut bool
	Stats    Stats

	StartedAt     time.Time
	FirstAudioAt  time.Time
	LastAudioAt   time.Time
	FirstSpeechAt time.Time
	LastSpeechAt  time.Time
	// LastChunk is the most recent inbound chunk.
	LastChunk []byte

	ToolCalls []channel.ToolCall
	// Err is set when the channel disconnected or reported an error mid-collection.
	Err error
}

// NoResponse reports whether no audio arrived at all.
func (c *Collection) NoResponse() bool {
	return len(c.Audio) == 0
}

// HeardSpeech reports whether any voiced chunk was seen.
func (c *Collection) HeardSpeech() bool {
	return !c.FirstSpeechAt.IsZero()
}

// SpeechOnset is the result of WaitForSpeech.
type SpeechOnset struct {
	DetectedAt time.Time
	TimedOut   bool
	// Audio holds every chunk consumed while waiting, including the voiced one.
	Audio []byte
	Err   error
}

// Detected reports whether speech onset was seen.
func (o SpeechOnset) Detected() bool {
	return !o.DetectedAt.IsZero()
}

// Config tunes the streaming detector.
type Config struct {
	VAD        audio.VADConfig
	SegmentGap time.Duration
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{VAD: audio.DefaultVADConfig(), SegmentGap: DefaultSegmentGap}
}

// Collector runs the per-chunk energy VAD over a channel's inbound events.
type Collector struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time
	poll   time.Duration
}

// NewCollector creates a collector.
func NewCollector(cfg Config, logger *logrus.Logger) *Collector {
	if cfg.SegmentGap <= 0 {
		cfg.SegmentGap = DefaultSegmentGap
	}
	return &Collector{cfg: cfg, logger: logger, now: time.Now, poll: defaultPoll}
}

// CollectUntilEndOfTurn accumulates inbound audio until speech has been heard and
// then silenceThreshold passes without another voiced chunk, or until timeout.
// A context error is returned alongside the partial collection.
func (c *Collector) CollectUntilEndOfTurn(ctx context.Context, ch channel.AudioChannel, timeout, silenceThreshold time.Duration) (*Collection, error) {
	return c.collect(ctx, ch, &Collection{StartedAt: c.now()}, timeout, silenceThreshold)
}

// CollectAfterOnset finishes the utterance that WaitForSpeech detected. The
// onset counts as heard speech, so the turn ends silenceThreshold after the
// last voiced chunk even when the onset chunk was the whole utterance.
func (c *Collector) CollectAfterOnset(ctx context.Context, ch channel.AudioChannel, onset SpeechOnset, timeout, silenceThreshold time.Duration) (*Collection, error) {
	if !onset.Detected() {
		return c.CollectUntilEndOfTurn(ctx, ch, timeout, silenceThreshold)
	}
	col := &Collection{
		StartedAt:     onset.DetectedAt,
		Audio:         append([]byte(nil), onset.Audio...),
		FirstAudioAt:  onset.DetectedAt,
		LastAudioAt:   onset.DetectedAt,
		FirstSpeechAt: onset.DetectedAt,
		LastSpeechAt:  onset.DetectedAt,
		Stats:         Stats{SpeechSegments: 1},
	}
	return c.collect(ctx, ch, col, timeout, silenceThreshold)
}

func (c *Collector) collect(ctx context.Context, ch channel.AudioChannel, col *Collection, timeout, silenceThreshold time.Duration) (*Collection, error) {
	vad := audio.NewVoiceActivityDetector(c.cfg.VAD)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return col, ctx.Err()

		case <-deadline.C:
			col.TimedOut = true
			c.logCollection(col, "timeout")
			return col, nil

		case <-ticker.C:
			if col.HeardSpeech() && c.now().Sub(col.LastSpeechAt) >= silenceThreshold {
				c.logCollection(col, "silence")
				return col, nil
			}

		case e, ok := <-events:
			if !ok {
				col.Err = errors.NewTransport(errors.ErrDisconnected, "channel closed during collection")
				c.finishEarly(col)
				return col, nil
			}
			switch e.Type {
			case channel.EventAudio:
				c.addChunk(col, vad, e)
			case channel.EventToolCall:
				if e.ToolCall != nil {
					col.ToolCalls = append(col.ToolCalls, *e.ToolCall)
				}
			case channel.EventDisconnected:
				col.Err = errors.NewTransport(errors.ErrDisconnected, "agent disconnected during collection")
				if e.Err != nil {
					col.Err = errors.NewTransport(e.Err, "agent disconnected during collection")
				}
				c.finishEarly(col)
				return col, nil
			case channel.EventError:
				col.Err = errors.NewTransport(e.Err, "channel error during collection")
				c.finishEarly(col)
				return col, nil
			}
		}
	}
}

func (c *Collector) finishEarly(col *Collection) {
	if col.NoResponse() {
		col.TimedOut = true
	}
	c.logCollection(col, "channel closed")
}

func (c *Collector) addChunk(col *Collection, vad *audio.VoiceActivityDetector, e channel.Event) {
	at := e.At
	if at.IsZero() {
		at = c.now()
	}
	if col.FirstAudioAt.IsZero() {
		col.FirstAudioAt = at
	}
	col.LastAudioAt = at
	col.LastChunk = e.Audio
	col.Audio = append(col.Audio, e.Audio...)

	if !vad.IsSpeech(e.Audio) {
		return
	}
	if !col.HeardSpeech() {
		col.FirstSpeechAt = at
		col.Stats.SpeechSegments = 1
	} else if gap := at.Sub(col.LastSpeechAt); gap >= c.cfg.SegmentGap {
		col.Stats.SpeechSegments++
		if ms := float64(gap) / float64(time.Millisecond); ms > col.Stats.MaxInternalSilenceMs {
			col.Stats.MaxInternalSilenceMs = ms
		}
	}
	col.LastSpeechAt = at
}

func (c *Collector) logCollection(col *Collection, reason string) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"reason":          reason,
		"bytes":           len(col.Audio),
		"segments":        col.Stats.SpeechSegments,
		"max_internal_ms": col.Stats.MaxInternalSilenceMs,
		"timed_out":       col.TimedOut,
		"elapsed_ms":      c.now().Sub(col.StartedAt).Milliseconds(),
	}).Debug("Turn collection finished")
}

// WaitForSpeech consumes inbound events until the first voiced chunk or timeout.
func (c *Collector) WaitForSpeech(ctx context.Context, ch channel.AudioChannel, timeout time.Duration) SpeechOnset {
	vad := audio.NewVoiceActivityDetector(c.cfg.VAD)
	var onset SpeechOnset

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			onset.TimedOut = true
			onset.Err = ctx.Err()
			return onset
		case <-deadline.C:
			onset.TimedOut = true
			return onset
		case e, ok := <-events:
			if !ok {
				onset.Err = errors.NewTransport(errors.ErrDisconnected, "channel closed while waiting for speech")
				return onset
			}
			switch e.Type {
			case channel.EventAudio:
				onset.Audio = append(onset.Audio, e.Audio...)
				if vad.IsSpeech(e.Audio) {
					onset.DetectedAt = e.At
					if onset.DetectedAt.IsZero() {
						onset.DetectedAt = c.now()
					}
					return onset
				}
			case channel.EventDisconnected:
				onset.Err = errors.NewTransport(errors.ErrDisconnected, "agent disconnected while waiting for speech")
				return onset
			case channel.EventError:
				onset.Err = errors.NewTransport(e.Err, "channel error while waiting for speech")
				return onset
			}
		}
	}
}

// SpeechStop is the result of WaitForSilence.
type SpeechStop struct {
	StoppedAt time.Time
	TimedOut  bool
	// Audio holds every chunk consumed while waiting.
	Audio []byte
	Err   error
}

// Stopped reports whether the agent went quiet before the timeout.
func (s SpeechStop) Stopped() bool {
	return !s.StoppedAt.IsZero()
}

// WaitForSilence consumes inbound events until the agent's current speech
// stops: either MinQuietAudio of consecutive unvoiced audio arrives, or no
// voiced chunk has arrived for gap. Audio following the stop stays on the channel for the next read.
func (c *Collector) WaitForSilence(ctx context.Context, ch channel.AudioChannel, timeout, gap time.Duration) SpeechStop {
	vad := audio.NewVoiceActivityDetector(c.cfg.VAD)
	var stop SpeechStop
	lastVoiced := c.now()
	var quietSince time.Time
	var quiet time.Duration

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			stop.Err = ctx.Err()
			return stop
		case <-deadline.C:
			stop.TimedOut = true
			return stop
		case <-ticker.C:
			if c.now().Sub(lastVoiced) >= gap {
				stop.StoppedAt = lastVoiced
				return stop
			}
		case e, ok := <-events:
			if !ok {
				stop.Err = errors.NewTransport(errors.ErrDisconnected, "channel closed while waiting for silence")
				return stop
			}
			switch e.Type {
			case channel.EventAudio:
				at := e.At
				if at.IsZero() {
					at = c.now()
				}
				stop.Audio = append(stop.Audio, e.Audio...)
				if vad.IsSpeech(e.Audio) {
					lastVoiced = at
					quietSince, quiet = time.Time{}, 0
					continue
				}
				if quietSince.IsZero() {
					quietSince = at
				}
				quiet += media.Duration(e.Audio, media.EngineSampleRate)
				if quiet >= MinQuietAudio {
					stop.StoppedAt = quietSince
					return stop
				}
			case channel.EventDisconnected:
				stop.Err = errors.NewTransport(errors.ErrDisconnected, "agent disconnected while waiting for silence")
				return stop
			case channel.EventError:
				stop.Err = errors.NewTransport(e.Err, "channel error while waiting for silence")
				return stop
			}
		}
	}
}

// Drain discards inbound events for d and returns the audio that arrived.
// It stops early if the channel closes.
func (c *Collector) Drain(ctx context.Context, ch channel.AudioChannel, d time.Duration) ([]byte, error) {
	var buf []byte
	timer := time.NewTimer(d)
	defer timer.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return buf, ctx.Err()
		case <-timer.C:
			return buf, nil
		case e, ok := <-events:
			if !ok {
				return buf, errors.NewTransport(errors.ErrDisconnected, "channel closed")
			}
			switch e.Type {
			case channel.EventAudio:
				buf = append(buf, e.Audio...)
			case channel.EventDisconnected:
				return buf, errors.NewTransport(errors.ErrDisconnected, "agent disconnected")
			case channel.EventError:
				return buf, errors.NewTransport(e.Err, "channel error")
			}
		}
	}
}
