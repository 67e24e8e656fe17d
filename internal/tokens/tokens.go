// Package tokens approximates the token cost of conversation content.
// Counts are estimates for budgeting decisions, not billing.
package tokens

import (
	"encoding/json"

	"github.com/nugget/aki/internal/llm"
)

// Encoding is the tiktoken encoding used for counting.
const Encoding = "o200k_base"

// Per-message framing costs, following the OpenAI chat accounting
// convention.
const (
	messageOverhead = 3
	ReplyPriming    = 3
)

// ImageTokens is the flat cost charged for an image block. Providers
// bill images by resolution; without decoding them this is the typical
// cost of a 1092x1092 image.
const ImageTokens = 1600

// Counter counts and truncates plain text.
type Counter interface {
	Count(text string) int
	// Truncate returns at most max tokens of text and reports whether
	// anything was cut.
	Truncate(text string, max int) (string, bool)
}

// Estimator prices messages and mixed content using a Counter.
type Estimator struct {
	counter Counter
}

// NewEstimator returns an Estimator backed by c.
func NewEstimator(c Counter) *Estimator {
	return &Estimator{counter: c}
}

// Text counts a plain string.
func (e *Estimator) Text(s string) int {
	if s == "" {
		return 0
	}
	return e.counter.Count(s)
}

// Truncate cuts text to at most max tokens.
func (e *Estimator) Truncate(text string, max int) (string, bool) {
	return e.counter.Truncate(text, max)
}

// Block counts a single content block.
func (e *Estimator) Block(b llm.Block) int {
	switch b.Kind {
	case llm.BlockText, llm.BlockReasoning:
		return e.Text(b.Text)
	case llm.BlockToolUse:
		if b.ToolCall == nil {
			return 0
		}
		args, _ := json.Marshal(b.ToolCall.Args)
		return e.Text(b.ToolCall.Name) + e.Text(string(args))
	case llm.BlockToolResult:
		if b.ToolResult == nil {
			return 0
		}
		return e.Text(b.ToolResult.Content)
	case llm.BlockImage:
		return ImageTokens
	}
	return 0
}

// Message counts one message including its framing.
func (e *Estimator) Message(m llm.Message) int {
	n := messageOverhead + e.Text(string(m.Role))
	for _, b := range m.Blocks {
		n += e.Block(b)
	}
	return n
}

// Messages counts a whole history as it would be sent to a model.
func (e *Estimator) Messages(ms []llm.Message) int {
	if len(ms) == 0 {
		return 0
	}
	n := ReplyPriming
	for _, m := range ms {
		n += e.Message(m)
	}
	return n
}
