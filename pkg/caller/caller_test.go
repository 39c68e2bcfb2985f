package caller

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/llm"
)

type scriptedChat struct {
	replies  []string
	err      error
	requests []llm.Request
}

func (c *scriptedChat) Complete(_ context.Context, req llm.Request) (string, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNextUtteranceKeepsHistory(t *testing.T) {
	chat := &scriptedChat{replies: []string{"Hi, I'd like to book a table.", "For four, please."}}
	sim := New(chat, "A hungry customer.", "gpt-test", 0.5, quietLogger())

	text, done, err := sim.NextUtterance(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Hi, I'd like to book a table.", text)

	text, done, err = sim.NextUtterance(context.Background(), "How many people?")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "For four, please.", text)
	assert.Equal(t, 2, sim.Turns())

	last := chat.requests[1]
	assert.Equal(t, "gpt-test", last.Model)
	require.Len(t, last.Messages, 4)
	assert.Equal(t, "system", last.Messages[0].Role)
	assert.Contains(t, last.Messages[0].Content, "A hungry customer.")
	assert.Equal(t, "How many people?", last.Messages[3].Content)
	assert.Equal(t, 0.5, *last.Temperature)
}

func TestEndToken(t *testing.T) {
	chat := &scriptedChat{replies: []string{"Thanks, bye! [END_CALL]"}}
	sim := New(chat, "Brief caller.", "", 0.7, quietLogger())

	text, done, err := sim.NextUtterance(context.Background(), "Anything else?")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "Thanks, bye!", text)

	text, done, err = sim.NextUtterance(context.Background(), "Goodbye")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, text)
	assert.Len(t, chat.requests, 1, "no model call after the caller hung up")
}

func TestSilentAgentIsMarked(t *testing.T) {
	chat := &scriptedChat{replies: []string{"Hello?", "Hello? Anyone there?"}}
	sim := New(chat, "Patient caller.", "", 0.7, quietLogger())

	_, _, err := sim.NextUtterance(context.Background(), "")
	require.NoError(t, err)
	_, _, err = sim.NextUtterance(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "(silence)", chat.requests[1].Messages[3].Content)
}

func TestNextUtteranceErrors(t *testing.T) {
	sim := New(&scriptedChat{}, "  ", "", 0.7, quietLogger())
	_, _, err := sim.NextUtterance(context.Background(), "")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	failing := New(&scriptedChat{err: errors.ErrTimeout}, "Caller.", "", 0.7, quietLogger())
	_, _, err = failing.NextUtterance(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}
