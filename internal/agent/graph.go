package agent

import "github.com/nugget/aki/internal/llm"

// Step is a node of the conversation graph.
type Step int

const (
	// StepChat calls the model.
	StepChat Step = iota
	// StepTools runs the tool calls of the latest AI message.
	StepTools
	// StepSummarize compacts history.
	StepSummarize
	// StepEnd is terminal.
	StepEnd
)

func (s Step) String() string {
	switch s {
	case StepChat:
		return "chat"
	case StepTools:
		return "tools"
	case StepSummarize:
		return "summarize"
	case StepEnd:
		return "end"
	}
	return "unknown"
}

// Next routes out of Chat. Tool calls win; otherwise a running count at
// or above threshold sends the turn through Summarize before it ends.
// Tools always returns to Chat and Summarize always ends, so those
// edges need no routing.
func Next(last llm.Message, tokenCount, threshold int) Step {
	if last.Role == llm.RoleAI && last.HasToolCalls() {
		return StepTools
	}
	if tokenCount >= threshold {
		return StepSummarize
	}
	return StepEnd
}
