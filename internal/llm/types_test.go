package llm

import (
	"encoding/json"
	"testing"
)

func TestArgs_PreservesOrder(t *testing.T) {
	raw := `{"zeta": 1, "alpha": "two", "mid": {"nested": true}}`
	args, err := ParseArgs([]byte(raw))
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	if len(args) != len(want) {
		t.Fatalf("len(args) = %d, want %d", len(args), len(want))
	}
	for i, k := range want {
		if args[i].Key != k {
			t.Errorf("args[%d].Key = %q, want %q", i, args[i].Key, k)
		}
	}

	out, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(out); got != `{"zeta":1,"alpha":"two","mid":{"nested":true}}` {
		t.Errorf("Marshal = %s", got)
	}
}

func TestArgs_Empty(t *testing.T) {
	args, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs(nil): %v", err)
	}
	if len(args) != 0 {
		t.Errorf("len = %d, want 0", len(args))
	}

	var nilArgs Args
	out, _ := json.Marshal(nilArgs)
	if string(out) != "{}" {
		t.Errorf("nil Args marshal = %s, want {}", out)
	}
}

func TestArgs_RejectsNonObject(t *testing.T) {
	if _, err := ParseArgs([]byte(`[1,2]`)); err == nil {
		t.Error("expected error for array arguments")
	}
}

func TestArgs_GetAndString(t *testing.T) {
	args := Args{{Key: "path", Value: "/tmp"}, {Key: "n", Value: 3.0}}
	if got := args.String("path"); got != "/tmp" {
		t.Errorf("String(path) = %q", got)
	}
	if got := args.String("n"); got != "" {
		t.Errorf("String(n) = %q, want empty for non-string", got)
	}
	if _, ok := args.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
	if m := args.Map(); m["n"] != 3.0 {
		t.Errorf("Map()[n] = %v", m["n"])
	}
}

func TestBlockValidate(t *testing.T) {
	tests := []struct {
		name    string
		block   Block
		wantErr bool
	}{
		{"text", TextBlock("hi"), false},
		{"reasoning", ReasoningBlock("think", "sig"), false},
		{"tool use", ToolUseBlock(ToolCall{ID: "a", Name: "ls"}), false},
		{"tool use missing id", ToolUseBlock(ToolCall{Name: "ls"}), true},
		{"tool result", ToolResultBlock(ToolResult{ToolCallID: "a", Status: ToolStatusOK}), false},
		{"tool result missing id", ToolResultBlock(ToolResult{}), true},
		{"image url", ImageBlock(Image{URL: "https://x/y.png"}), false},
		{"empty image", ImageBlock(Image{}), true},
		{"unknown kind", Block{Kind: "video"}, true},
		{"text with payload", Block{Kind: BlockText, ToolCall: &ToolCall{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageAccessors(t *testing.T) {
	m := NewAIMessage(
		ReasoningBlock("hidden", "sig"),
		TextBlock("Let me "),
		TextBlock("check."),
		ToolUseBlock(ToolCall{ID: "t1", Name: "read_file"}),
		ToolUseBlock(ToolCall{ID: "t2", Name: "list_dir"}),
	)

	if got := m.Text(); got != "Let me check." {
		t.Errorf("Text() = %q", got)
	}
	calls := m.ToolCalls()
	if len(calls) != 2 || calls[0].ID != "t1" || calls[1].ID != "t2" {
		t.Errorf("ToolCalls() = %+v", calls)
	}
	if !m.HasToolCalls() {
		t.Error("HasToolCalls() = false")
	}
	if m.ID == "" {
		t.Error("message has no id")
	}

	tm := NewToolMessage(ToolResult{ToolCallID: "t1", Name: "read_file", Content: "x", Status: ToolStatusError})
	results := tm.ToolResults()
	if len(results) != 1 || !results[0].IsError() {
		t.Errorf("ToolResults() = %+v", results)
	}
}

func TestMessageValidate_UnknownRole(t *testing.T) {
	m := Message{ID: "x", Role: "robot"}
	if err := m.Validate(); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestUsage(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 100, OutputTokens: 20, CacheRead: 3000, CacheWrite: 5})
	u.Add(Usage{InputTokens: 10, OutputTokens: 2})

	if u.Total() != 3137 {
		t.Errorf("Total() = %d, want 3137", u.Total())
	}
	if got, want := u.String(), "LLM: 132 tokens | Cache: 5 write / 3000 read"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	orig := NewAIMessage(
		TextBlock("hello"),
		ToolUseBlock(ToolCall{ID: "c1", Name: "grep", Args: Args{{Key: "b", Value: "1"}, {Key: "a", Value: "2"}}}),
	)
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != orig.ID || got.Role != RoleAI || len(got.Blocks) != 2 {
		t.Fatalf("round trip = %+v", got)
	}
	args := got.Blocks[1].ToolCall.Args
	if args[0].Key != "b" || args[1].Key != "a" {
		t.Errorf("arg order lost: %+v", args)
	}
}

func TestArgs_NumbersDecodeAsFloat(t *testing.T) {
	args, err := ParseArgs([]byte(`{"n":3,"nested":{"x":1.5},"list":[2]}`))
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if v, _ := args.Get("n"); v != float64(3) {
		t.Errorf("n = %#v, want float64(3)", v)
	}
	nested, _ := args.Get("nested")
	if m, ok := nested.(map[string]any); !ok || m["x"] != 1.5 {
		t.Errorf("nested = %#v", nested)
	}
	list, _ := args.Get("list")
	if l, ok := list.([]any); !ok || len(l) != 1 || l[0] != float64(2) {
		t.Errorf("list = %#v", list)
	}
}

func TestNewToolCall(t *testing.T) {
	ok := NewToolCall("c1", "read_file", []byte(`{"path":"a.go"}`))
	if ok.Invalid != "" || ok.Args.String("path") != "a.go" {
		t.Errorf("valid call = %+v", ok)
	}

	bad := NewToolCall("c2", "write_file", []byte(`{"path":"a.go","content":"package ma`))
	if bad.ID != "c2" || bad.Name != "write_file" {
		t.Errorf("identity lost: %+v", bad)
	}
	if bad.Invalid == "" {
		t.Fatal("Invalid not set for truncated arguments")
	}
	if bad.Args == nil || len(bad.Args) != 0 {
		t.Errorf("Args = %#v, want empty", bad.Args)
	}
	if err := ToolUseBlock(bad).Validate(); err != nil {
		t.Errorf("invalid call does not form a valid block: %v", err)
	}
	// Sent back to a provider, the call still carries an object.
	out, _ := json.Marshal(bad.Args)
	if string(out) != "{}" {
		t.Errorf("args marshal = %s, want {}", out)
	}
}
