package gateway

import (
	"strings"

	"github.com/nugget/aki/internal/llm"
)

// placeholderText replaces blank assistant text. Providers reject empty
// text blocks.
const placeholderText = "*"

// FilterMessages prepares history for a model call. It drops assistant
// messages with no content, removes blank text next to tool calls,
// replaces otherwise-blank text with a placeholder and, for deepseek
// models, strips reasoning blocks. The input is not modified.
func FilterMessages(messages []llm.Message, modelID string) []llm.Message {
	dropReasoning := strings.Contains(strings.ToLower(modelID), "deepseek")

	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != llm.RoleAI {
			out = append(out, m)
			continue
		}
		if len(m.Blocks) == 0 {
			continue
		}

		blocks := make([]llm.Block, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			if dropReasoning && b.Kind == llm.BlockReasoning {
				continue
			}
			blocks = append(blocks, b)
		}

		hasCalls := false
		for _, b := range blocks {
			if b.Kind == llm.BlockToolUse {
				hasCalls = true
				break
			}
		}

		fixed := blocks[:0]
		for _, b := range blocks {
			if b.Kind == llm.BlockText && strings.TrimSpace(b.Text) == "" {
				if hasCalls {
					continue
				}
				b = llm.TextBlock(placeholderText)
			}
			fixed = append(fixed, b)
		}

		if len(fixed) == 0 {
			continue
		}
		m.Blocks = fixed
		out = append(out, m)
	}
	return out
}
