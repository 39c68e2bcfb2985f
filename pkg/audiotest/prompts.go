package audiotest

// Prompt tiers used by the ttfb check.
const (
	TierSimple  = "simple"
	TierComplex = "complex"
	TierTool    = "tool"
)

// Prompts are the utterances the checks speak to the agent.
type Prompts struct {
	Greeting     string              `json:"greeting" yaml:"greeting"`
	LongAnswer   string              `json:"long_answer" yaml:"long_answer"`
	Detailed     string              `json:"detailed" yaml:"detailed"`
	Interruption string              `json:"interruption" yaml:"interruption"`
	Stability    []string            `json:"stability" yaml:"stability"`
	SplitFirst   string              `json:"split_first" yaml:"split_first"`
	SplitSecond  string              `json:"split_second" yaml:"split_second"`
	TTFB         map[string][]string `json:"ttfb" yaml:"ttfb"`
}

// DefaultPrompts returns generic prompts that suit most agents.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:     "Hi there, can you hear me okay?",
		LongAnswer:   "Can you tell me everything you can help me with, and explain each option in detail?",
		Detailed:     "Could you walk me through how your service works, step by step, including anything I should know before I start?",
		Interruption: "Sorry to interrupt, what are your opening hours?",
		Stability: []string{
			"Hello, who am I speaking with?",
			"What can you help me with today?",
			"Can you repeat that more briefly?",
			"Is there anything else I should know?",
			"Great, thank you.",
		},
		SplitFirst:  "I would like to book an appointment for",
		SplitSecond: "next Tuesday afternoon, please.",
		TTFB: map[string][]string{
			TierSimple: {
				"Hello, are you there?",
				"What is your name?",
				"Thanks, that's helpful.",
			},
			TierComplex: {
				"Can you compare your different plans and tell me which one would suit a small business with five employees?",
				"If I cancel halfway through the month, how would my refund be calculated?",
			},
			TierTool: {
				"Can you check the status of order number one two three four five?",
				"Can you look up whether you have any availability tomorrow at ten?",
			},
		},
	}
}

func (p Prompts) withDefaults() Prompts {
	d := DefaultPrompts()
	if p.Greeting == "" {
		p.Greeting = d.Greeting
	}
	if p.LongAnswer == "" {
		p.LongAnswer = d.LongAnswer
	}
	if p.Detailed == "" {
		p.Detailed = d.Detailed
	}
	if p.Interruption == "" {
		p.Interruption = d.Interruption
	}
	if len(p.Stability) == 0 {
		p.Stability = d.Stability
	}
	if p.SplitFirst == "" || p.SplitSecond == "" {
		p.SplitFirst, p.SplitSecond = d.SplitFirst, d.SplitSecond
	}
	if len(p.TTFB) == 0 {
		p.TTFB = d.TTFB
	}
	return p
}
