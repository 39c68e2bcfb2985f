// Package channeltest provides a scriptable in-memory AudioChannel for tests.
package channeltest

import (
	"context"
	"sync"
	"time"

	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/errors"
)

// Reply is one scripted reaction to a SendAudio call.
type Reply struct {
	// Delay is measured from the end of the previous reply (or from SendAudio).
	Delay time.Duration
	Audio []byte
	// ChunkBytes splits Audio into events; defaults to 100ms of pcm16/24k.
	ChunkBytes int
	// ChunkInterval paces chunks; zero delivers them back to back.
	ChunkInterval time.Duration
	ToolCall      *channel.ToolCall
	Disconnect    bool
	Err           error
}

// Script decides how the fake agent answers the n-th (0-based) SendAudio.
type Script func(n int, pcm []byte) []Reply

// Stub is an AudioChannel driven by a Script.
type Stub struct {
	Script     Script
	ConnectErr error
	SendErr    error
	CallTools  []channel.ToolCall

	mu          sync.Mutex
	events      chan channel.Event
	closed      bool
	connected   bool
	sent        [][]byte
	disconnects int
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New returns a stub that answers with script.
func New(script Script) *Stub {
	return &Stub{
		Script: script,
		events: make(chan channel.Event, 4096),
		stop:   make(chan struct{}),
	}
}

// Factory returns a channel.Factory that hands out fresh stubs from build.
func Factory(build func() *Stub) channel.Factory {
	return func() (channel.AudioChannel, error) {
		return build(), nil
	}
}

// Connect marks the stub connected unless ConnectErr is set.
func (s *Stub) Connect(ctx context.Context) error {
	if s.ConnectErr != nil {
		return errors.NewTransport(s.ConnectErr, "stub connect")
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// SendAudio records pcm and schedules the scripted replies.
func (s *Stub) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errors.NewTransport(errors.ErrNotConnected, "stub send")
	}
	if s.SendErr != nil {
		s.mu.Unlock()
		return errors.NewTransport(s.SendErr, "stub send")
	}
	n := len(s.sent)
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	s.mu.Unlock()

	if s.Script == nil {
		return nil
	}
	replies := s.Script(n, pcm)
	if len(replies) == 0 {
		return nil
	}

	s.wg.Add(1)
	go s.play(replies)
	return nil
}

func (s *Stub) play(replies []Reply) {
	defer s.wg.Done()
	for _, r := range replies {
		if !s.wait(r.Delay) {
			return
		}
		if r.ToolCall != nil {
			s.Emit(channel.Event{Type: channel.EventToolCall, ToolCall: r.ToolCall})
		}
		if len(r.Audio) > 0 {
			size := r.ChunkBytes
			if size <= 0 {
				size = 4800
			}
			for start := 0; start < len(r.Audio); start += size {
				end := start + size
				if end > len(r.Audio) {
					end = len(r.Audio)
				}
				s.Emit(channel.Event{Type: channel.EventAudio, Audio: r.Audio[start:end]})
				if r.ChunkInterval > 0 && !s.wait(r.ChunkInterval) {
					return
				}
			}
		}
		if r.Err != nil {
			s.Emit(channel.Event{Type: channel.EventError, Err: r.Err})
		}
		if r.Disconnect {
			s.Emit(channel.Event{Type: channel.EventDisconnected})
		}
	}
}

func (s *Stub) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}

// Emit injects an event directly. Events after Disconnect are dropped.
func (s *Stub) Emit(e channel.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}

// Events returns the event stream.
func (s *Stub) Events() <-chan channel.Event {
	return s.events
}

// Disconnect stops scripted playback and closes the event stream.
func (s *Stub) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.mu.Lock()
		s.closed = true
		s.connected = false
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

// CallData returns CallTools.
func (s *Stub) CallData(ctx context.Context) ([]channel.ToolCall, error) {
	return s.CallTools, nil
}

// Sent returns copies of every buffer passed to SendAudio.
func (s *Stub) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Disconnects reports how many times Disconnect was called.
func (s *Stub) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}
