package agent

import (
	"testing"

	"github.com/nugget/aki/internal/llm"
)

func TestNext(t *testing.T) {
	withCalls := aiCalls(llm.ToolCall{ID: "c1", Name: "echo"})
	plain := aiText("done")

	tests := []struct {
		name      string
		last      llm.Message
		count     int
		threshold int
		want      Step
	}{
		{"tool calls", withCalls, 10, 100, StepTools},
		{"tool calls win over threshold", withCalls, 500, 100, StepTools},
		{"over threshold without calls", plain, 500, 100, StepSummarize},
		{"exactly at threshold", plain, 100, 100, StepSummarize},
		{"under threshold", plain, 99, 100, StepEnd},
		{"human last", llm.NewHumanMessage("hi"), 0, 100, StepEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Next(tt.last, tt.count, tt.threshold); got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStepString(t *testing.T) {
	for step, want := range map[Step]string{
		StepChat:      "chat",
		StepTools:     "tools",
		StepSummarize: "summarize",
		StepEnd:       "end",
		Step(42):      "unknown",
	} {
		if got := step.String(); got != want {
			t.Errorf("Step(%d).String() = %q, want %q", step, got, want)
		}
	}
}
