package compactor

import (
	"fmt"
	"strings"

	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/tokens"
)

// UnmatchedToolCallError lists assistant messages whose tool calls were
// never answered. Such messages are removed before a history is sent
// anywhere; the error exists to be logged.
type UnmatchedToolCallError struct {
	MessageIDs []string
	CallIDs    []string
}

func (e *UnmatchedToolCallError) Error() string {
	return fmt.Sprintf("%d message(s) with unmatched tool calls: %s",
		len(e.MessageIDs), strings.Join(e.CallIDs, ", "))
}

// RemoveUnmatched drops every assistant message that has a tool call
// without a tool result somewhere in messages. The returned error is
// nil when nothing was removed.
func RemoveUnmatched(messages []llm.Message) ([]llm.Message, error) {
	answered := make(map[string]bool)
	for _, m := range messages {
		for _, r := range m.ToolResults() {
			answered[r.ToolCallID] = true
		}
	}

	var unmatched *UnmatchedToolCallError
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleAI {
			var missing []string
			for _, c := range m.ToolCalls() {
				if !answered[c.ID] {
					missing = append(missing, c.ID)
				}
			}
			if len(missing) > 0 {
				if unmatched == nil {
					unmatched = &UnmatchedToolCallError{}
				}
				unmatched.MessageIDs = append(unmatched.MessageIDs, m.ID)
				unmatched.CallIDs = append(unmatched.CallIDs, missing...)
				continue
			}
		}
		out = append(out, m)
	}
	if unmatched != nil {
		return out, unmatched
	}
	return out, nil
}

// Trim keeps the most recent messages that fit in maxTokens. The kept
// window always starts on a human message, so a tool call is never
// separated from its result, and messages are never partially kept.
// With endOnInput set, trailing assistant messages are dropped first so
// the window ends on a human or tool message.
func Trim(est *tokens.Estimator, messages []llm.Message, maxTokens int, endOnInput bool) []llm.Message {
	end := len(messages)
	if endOnInput {
		for end > 0 && messages[end-1].Role != llm.RoleHuman && messages[end-1].Role != llm.RoleTool {
			end--
		}
	}

	start := end
	total := tokens.ReplyPriming
	for start > 0 {
		cost := est.Message(messages[start-1])
		if total+cost > maxTokens {
			break
		}
		total += cost
		start--
	}

	for start < end && messages[start].Role != llm.RoleHuman {
		start++
	}
	return append([]llm.Message(nil), messages[start:end]...)
}
