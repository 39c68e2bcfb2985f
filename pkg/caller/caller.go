// Package caller simulates the human side of a conversation with an LLM
// following a persona prompt.
package caller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/llm"
)

// EndToken is emitted by the model when the persona wants to hang up.
const EndToken = "[END_CALL]"

const systemTemplate = `You are role-playing a caller phoning a voice agent. Stay in character.

Persona:
%s

Rules:
- Reply with exactly what you would say out loud, one or two short sentences.
- Do not describe actions or add stage directions.
- When your goal is met or the call should end, say a natural goodbye followed by ` + EndToken + `.
- If the agent said nothing, react the way a real caller would.`

// Simulator produces caller utterances. It keeps the conversation history and
// is not safe for use by more than one conversation.
type Simulator struct {
	chat        llm.Chatter
	persona     string
	model       string
	temperature float64
	logger      *logrus.Logger

	mu      sync.Mutex
	history []llm.Message
	turns   int
	ended   bool
}

// New builds a simulator for one conversation.
func New(chat llm.Chatter, persona, model string, temperature float64, logger *logrus.Logger) *Simulator {
	return &Simulator{
		chat:        chat,
		persona:     strings.TrimSpace(persona),
		model:       model,
		temperature: temperature,
		logger:      logger,
		history: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(systemTemplate, strings.TrimSpace(persona))},
		},
	}
}

// NextUtterance returns what the caller says after hearing lastAgentText.
// done is true when the caller has concluded the call; text may still hold a
// final goodbye, and is empty when nothing remains to say.
func (s *Simulator) NextUtterance(ctx context.Context, lastAgentText string) (text string, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return "", true, nil
	}
	if s.persona == "" {
		return "", false, errors.NewInvalidInput("caller persona is empty")
	}

	heard := strings.TrimSpace(lastAgentText)
	switch {
	case heard != "":
		s.history = append(s.history, llm.Message{Role: "user", Content: heard})
	case len(s.history) == 1:
		s.history = append(s.history, llm.Message{Role: "user", Content: "(the call connects; start the conversation)"})
	default:
		s.history = append(s.history, llm.Message{Role: "user", Content: "(silence)"})
	}

	reply, err := s.chat.Complete(ctx, llm.Request{
		Model:       s.model,
		Messages:    append([]llm.Message(nil), s.history...),
		Temperature: llm.Float(s.temperature),
		MaxTokens:   200,
	})
	if err != nil {
		return "", false, errors.Wrap(err, "caller simulation failed")
	}

	s.history = append(s.history, llm.Message{Role: "assistant", Content: reply})
	s.turns++
	text, done = splitEnd(reply)
	if done {
		s.ended = true
		s.logger.WithField("turns", s.turns).Debug("Simulated caller ended the call")
	}
	return text, done, nil
}

// Turns is the number of utterances produced so far.
func (s *Simulator) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func splitEnd(reply string) (string, bool) {
	idx := strings.Index(reply, EndToken)
	if idx < 0 {
		return strings.TrimSpace(reply), false
	}
	text := strings.TrimSpace(reply[:idx] + reply[idx+len(EndToken):])
	return text, true
}
