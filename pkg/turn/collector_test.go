package turn

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/channel"
	"voiceprobe/pkg/channel/channeltest"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/media"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func speech(d time.Duration) []byte {
	return media.Tone(220, d, 8000, media.EngineSampleRate)
}

func connected(t *testing.T, script channeltest.Script) *channeltest.Stub {
	t.Helper()
	stub := channeltest.New(script)
	require.NoError(t, stub.Connect(context.Background()))
	t.Cleanup(func() { _ = stub.Disconnect(context.Background()) })
	return stub
}

func TestCollectEndsAfterSilence(t *testing.T) {
	reply := speech(300 * time.Millisecond)
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{{Delay: 50 * time.Millisecond, Audio: reply}}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	require.NoError(t, stub.SendAudio(context.Background(), []byte{0, 0}))
	start := time.Now()
	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 3*time.Second, 200*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, col.TimedOut)
	assert.NoError(t, col.Err)
	assert.Equal(t, reply, col.Audio)
	assert.Equal(t, 1, col.Stats.SpeechSegments)
	assert.Zero(t, col.Stats.MaxInternalSilenceMs)
	assert.True(t, col.HeardSpeech())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCollectCountsSegmentsAndInternalSilence(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{
			{Audio: speech(200 * time.Millisecond)},
			{Delay: 500 * time.Millisecond, Audio: speech(200 * time.Millisecond)},
		}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	require.NoError(t, stub.SendAudio(context.Background(), nil))
	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 5*time.Second, 900*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, col.TimedOut)
	assert.Equal(t, 2, col.Stats.SpeechSegments)
	assert.GreaterOrEqual(t, col.Stats.MaxInternalSilenceMs, 400.0)
	assert.Less(t, col.Stats.MaxInternalSilenceMs, 900.0)
	assert.Len(t, col.Audio, 2*len(speech(200*time.Millisecond)))
}

func TestCollectNoAudioTimesOut(t *testing.T) {
	stub := connected(t, nil)
	c := NewCollector(DefaultConfig(), quietLogger())

	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 150*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, col.TimedOut)
	assert.True(t, col.NoResponse())
	assert.Empty(t, col.Audio)
	assert.Zero(t, col.Stats.SpeechSegments)
}

func TestCollectSilentAudioIsNotSpeech(t *testing.T) {
	stub := connected(t, nil)
	stub.Emit(channel.Event{Type: channel.EventAudio, Audio: media.Silence(100*time.Millisecond, media.EngineSampleRate)})
	c := NewCollector(DefaultConfig(), quietLogger())

	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 200*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, col.TimedOut)
	assert.False(t, col.NoResponse())
	assert.False(t, col.HeardSpeech())
}

func TestCollectStopsOnDisconnect(t *testing.T) {
	stub := connected(t, nil)
	stub.Emit(channel.Event{Type: channel.EventAudio, Audio: speech(100 * time.Millisecond)})
	stub.Emit(channel.Event{Type: channel.EventDisconnected})
	c := NewCollector(DefaultConfig(), quietLogger())

	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 2*time.Second, time.Second)
	require.NoError(t, err)
	require.Error(t, col.Err)
	assert.True(t, errors.Is(col.Err, errors.ErrDisconnected))
	assert.False(t, col.TimedOut)
	assert.NotEmpty(t, col.Audio)
}

func TestCollectKeepsToolCalls(t *testing.T) {
	stub := connected(t, nil)
	stub.Emit(channel.Event{Type: channel.EventToolCall, ToolCall: &channel.ToolCall{Name: "transfer"}})
	stub.Emit(channel.Event{Type: channel.EventAudio, Audio: speech(100 * time.Millisecond)})
	c := NewCollector(DefaultConfig(), quietLogger())

	col, err := c.CollectUntilEndOfTurn(context.Background(), stub, 2*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, col.ToolCalls, 1)
	assert.Equal(t, "transfer", col.ToolCalls[0].Name)
}

func TestCollectHonoursContext(t *testing.T) {
	stub := connected(t, nil)
	c := NewCollector(DefaultConfig(), quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CollectUntilEndOfTurn(ctx, stub, 5*time.Second, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForSpeech(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{
			{Audio: media.Silence(100*time.Millisecond, media.EngineSampleRate)},
			{Delay: 100 * time.Millisecond, Audio: speech(100 * time.Millisecond)},
		}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	sent := time.Now()
	require.NoError(t, stub.SendAudio(context.Background(), nil))
	onset := c.WaitForSpeech(context.Background(), stub, 2*time.Second)

	require.True(t, onset.Detected())
	assert.False(t, onset.TimedOut)
	assert.NoError(t, onset.Err)
	assert.GreaterOrEqual(t, onset.DetectedAt.Sub(sent), 90*time.Millisecond)
	assert.Len(t, onset.Audio, 2*media.BytesFor(100*time.Millisecond, media.EngineSampleRate))
}

func TestWaitForSpeechTimeout(t *testing.T) {
	stub := connected(t, nil)
	c := NewCollector(DefaultConfig(), quietLogger())

	onset := c.WaitForSpeech(context.Background(), stub, 100*time.Millisecond)
	assert.True(t, onset.TimedOut)
	assert.False(t, onset.Detected())
}

func TestDrainReturnsAudio(t *testing.T) {
	stub := connected(t, nil)
	stub.Emit(channel.Event{Type: channel.EventAudio, Audio: []byte{1, 2, 3, 4}})
	c := NewCollector(DefaultConfig(), quietLogger())

	buf, err := c.Drain(context.Background(), stub, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestCollectAfterOnsetDoesNotAbsorbNextUtterance(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{
			{Audio: speech(100 * time.Millisecond)},
			{Delay: 500 * time.Millisecond, Audio: speech(100 * time.Millisecond)},
		}
	})
	c := NewCollector(DefaultConfig(), quietLogger())
	require.NoError(t, stub.SendAudio(context.Background(), nil))

	onset := c.WaitForSpeech(context.Background(), stub, time.Second)
	require.True(t, onset.Detected())

	col, err := c.CollectAfterOnset(context.Background(), stub, onset, 2*time.Second, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, col.TimedOut)
	assert.True(t, col.HeardSpeech())
	assert.Equal(t, 1, col.Stats.SpeechSegments)
	assert.Equal(t, speech(100*time.Millisecond), col.Audio)

	second := c.WaitForSpeech(context.Background(), stub, time.Second)
	assert.True(t, second.Detected(), "the following utterance is left for the next wait")
}

func TestCollectAfterOnsetWithoutOnset(t *testing.T) {
	stub := connected(t, nil)
	c := NewCollector(DefaultConfig(), quietLogger())

	col, err := c.CollectAfterOnset(context.Background(), stub, SpeechOnset{}, 100*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, col.TimedOut)
	assert.False(t, col.HeardSpeech())
}

func TestWaitForSilenceOnQuietAudio(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{
			{Audio: speech(300 * time.Millisecond), ChunkInterval: 50 * time.Millisecond},
			{Audio: media.Silence(100*time.Millisecond, media.EngineSampleRate)},
			{Audio: speech(100 * time.Millisecond)},
		}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	sent := time.Now()
	require.NoError(t, stub.SendAudio(context.Background(), nil))
	stop := c.WaitForSilence(context.Background(), stub, 2*time.Second, time.Second)
	require.NoError(t, stop.Err)
	require.True(t, stop.Stopped())
	assert.False(t, stop.TimedOut)
	assert.GreaterOrEqual(t, stop.StoppedAt.Sub(sent), 100*time.Millisecond)
	assert.Less(t, stop.StoppedAt.Sub(sent), time.Second)

	onset := c.WaitForSpeech(context.Background(), stub, time.Second)
	assert.True(t, onset.Detected(), "speech after the stop stays on the channel")
}

func TestWaitForSilenceOnGap(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{{Audio: speech(200 * time.Millisecond), ChunkInterval: 50 * time.Millisecond}}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	require.NoError(t, stub.SendAudio(context.Background(), nil))
	stop := c.WaitForSilence(context.Background(), stub, 2*time.Second, 150*time.Millisecond)
	require.True(t, stop.Stopped())
	assert.NotEmpty(t, stop.Audio)
}

func TestWaitForSilenceTimesOutWhileSpeaking(t *testing.T) {
	stub := connected(t, func(n int, _ []byte) []channeltest.Reply {
		return []channeltest.Reply{{Audio: speech(2 * time.Second), ChunkBytes: 2400, ChunkInterval: 50 * time.Millisecond}}
	})
	c := NewCollector(DefaultConfig(), quietLogger())

	require.NoError(t, stub.SendAudio(context.Background(), nil))
	stop := c.WaitForSilence(context.Background(), stub, 300*time.Millisecond, 200*time.Millisecond)
	assert.True(t, stop.TimedOut)
	assert.False(t, stop.Stopped())
}
