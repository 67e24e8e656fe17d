package tokens

import (
	"strings"
	"testing"

	"github.com/nugget/aki/internal/llm"
)

func TestHeuristic_Count(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"héllo", 2},
		{"日本語", 3},
	}
	for _, tt := range tests {
		if got := (Heuristic{}).Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestHeuristic_Truncate(t *testing.T) {
	h := Heuristic{}
	text := strings.Repeat("word ", 1000) // 5000 bytes, 1250 tokens

	out, cut := h.Truncate(text, 100)
	if !cut {
		t.Fatal("expected truncation")
	}
	if got := h.Count(out); got > 100 {
		t.Errorf("truncated count = %d, want <= 100", got)
	}
	if !strings.HasPrefix(text, out) {
		t.Error("truncated text is not a prefix")
	}

	out, cut = h.Truncate("short", 100)
	if cut || out != "short" {
		t.Errorf("Truncate(short) = (%q, %v)", out, cut)
	}

	out, cut = h.Truncate("日本語のテキスト", 3)
	if !cut || out != "日本語" {
		t.Errorf("Truncate(japanese, 3) = (%q, %v)", out, cut)
	}
}

func TestEstimator_Message(t *testing.T) {
	e := NewEstimator(Heuristic{})

	human := llm.NewHumanMessage(strings.Repeat("x", 400))
	// overhead 3 + role "human" (2) + 100
	if got := e.Message(human); got != 105 {
		t.Errorf("Message(human) = %d, want 105", got)
	}

	img := llm.Message{Role: llm.RoleHuman, Blocks: []llm.Block{llm.ImageBlock(llm.Image{URL: "https://x"})}}
	if got := e.Message(img); got < ImageTokens {
		t.Errorf("Message(image) = %d, want >= %d", got, ImageTokens)
	}

	call := llm.NewAIMessage(llm.ToolUseBlock(llm.ToolCall{
		ID:   "c1",
		Name: "read_file",
		Args: llm.Args{{Key: "path", Value: strings.Repeat("p", 80)}},
	}))
	if got := e.Message(call); got <= 20 {
		t.Errorf("Message(tool call) = %d, expected args to be counted", got)
	}
}

func TestEstimator_Messages(t *testing.T) {
	e := NewEstimator(Heuristic{})
	if got := e.Messages(nil); got != 0 {
		t.Errorf("Messages(nil) = %d, want 0", got)
	}
	ms := []llm.Message{llm.NewHumanMessage("abcd"), llm.NewAIMessage(llm.TextBlock("abcd"))}
	want := ReplyPriming + e.Message(ms[0]) + e.Message(ms[1])
	if got := e.Messages(ms); got != want {
		t.Errorf("Messages = %d, want %d", got, want)
	}
}

func TestEstimator_MonotonicInContent(t *testing.T) {
	e := NewEstimator(Heuristic{})
	short := llm.NewHumanMessage("hello")
	long := llm.NewHumanMessage(strings.Repeat("hello ", 50))
	if e.Message(short) >= e.Message(long) {
		t.Error("longer message should cost more")
	}
}

func TestValidPrefix(t *testing.T) {
	full := "日本語"
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain", "plain"},
		{full, full},
		{full[:7], "日本"},
		{full[:8], "日本"},
		{"é"[:1], ""},
	}
	for _, tt := range tests {
		if got := validPrefix(tt.in); got != tt.want {
			t.Errorf("validPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
