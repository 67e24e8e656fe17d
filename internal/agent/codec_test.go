package agent

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/nugget/aki/internal/llm"
)

func sampleState() *State {
	return &State{
		ID: "conv-42",
		Messages: []llm.Message{
			{ID: "m1", Role: llm.RoleHuman, Blocks: []llm.Block{
				llm.TextBlock("look at this"),
				llm.ImageBlock(llm.Image{MediaType: "image/png", Data: "aGVsbG8="}),
			}},
			{ID: "m2", Role: llm.RoleAI, Blocks: []llm.Block{
				llm.ReasoningBlock("need to read the file", "sig-1"),
				llm.TextBlock("Reading it."),
				llm.ToolUseBlock(llm.ToolCall{ID: "c1", Name: "read_file", Args: llm.Args{
					{Key: "path", Value: "main.go"},
					{Key: "limit", Value: 20.0},
					{Key: "raw", Value: true},
				}}),
			}},
			{ID: "m3", Role: llm.RoleTool, Blocks: []llm.Block{
				llm.ToolResultBlock(llm.ToolResult{ToolCallID: "c1", Name: "read_file", Content: "package main", Status: llm.ToolStatusOK}),
			}},
			{ID: "m4", Role: llm.RoleAI, Blocks: []llm.Block{llm.TextBlock("It is a main package.")}},
		},
		TokenCount: 1234,
		Summary:    "earlier we talked",
		Model: ModelConfig{
			ModelID:        testModel,
			Temperature:    0.6,
			MaxTokens:      8192,
			CacheEnabled:   true,
			MaxCachePoints: 3,
			Reasoning:      llm.Reasoning{Enabled: true, BudgetTokens: 4096},
		},
		Workspace: "/tmp/work",
		Tasks:     "- [x] read main.go",
		UpdatedAt: time.Date(2025, 3, 1, 12, 30, 0, 500, time.UTC),
	}
}

func TestFlatten_RoundTripThroughJSON(t *testing.T) {
	want := sampleState()

	data, err := json.Marshal(want.Flatten())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := Unflatten(flat)
	if err != nil {
		t.Fatalf("Unflatten: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestFlatten_RoundTripInMemory(t *testing.T) {
	want := sampleState()
	got, err := Unflatten(want.Flatten())
	if err != nil {
		t.Fatalf("Unflatten: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestFlatten_PreservesArgOrder(t *testing.T) {
	st := sampleState()
	flat := st.Flatten()
	msgs := flat["messages"].([]any)
	block := msgs[1].(map[string]any)["blocks"].([]any)[2].(map[string]any)
	args := block["tool_call"].(map[string]any)["args"].([]any)

	var keys []string
	for _, a := range args {
		keys = append(keys, a.(map[string]any)["key"].(string))
	}
	if !reflect.DeepEqual(keys, []string{"path", "limit", "raw"}) {
		t.Errorf("arg keys = %v", keys)
	}
}

func TestUnflatten_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
	}{
		{"missing id", map[string]any{"messages": []any{}}},
		{"message not a map", map[string]any{"id": "c", "messages": []any{"oops"}}},
		{"unknown block kind", map[string]any{"id": "c", "messages": []any{
			map[string]any{"id": "m", "role": "human", "blocks": []any{map[string]any{"kind": "video"}}},
		}}},
		{"unknown role", map[string]any{"id": "c", "messages": []any{
			map[string]any{"id": "m", "role": "narrator", "blocks": []any{}},
		}}},
		{"tool_use without call", map[string]any{"id": "c", "messages": []any{
			map[string]any{"id": "m", "role": "ai", "blocks": []any{map[string]any{"kind": "tool_use"}}},
		}}},
		{"bad timestamp", map[string]any{"id": "c", "updated_at": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unflatten(tt.in); err == nil {
				t.Error("Unflatten succeeded, want error")
			}
		})
	}
}

func TestState_Delete(t *testing.T) {
	st := sampleState()
	st.Delete([]string{"m2", "m3", "nope"})
	if roles(st.Messages) != "human,ai" || st.Messages[1].ID != "m4" {
		t.Errorf("after delete: %s", roles(st.Messages))
	}
	st.Delete(nil)
	if len(st.Messages) != 2 {
		t.Errorf("Delete(nil) changed messages")
	}
}

func TestNewState_AssignsID(t *testing.T) {
	st := NewState("", ModelConfig{ModelID: testModel})
	if st.ID == "" {
		t.Error("NewState did not assign an id")
	}
	if st.Model.ModelID != testModel {
		t.Errorf("ModelID = %q", st.Model.ModelID)
	}
}

func TestFlatten_KeepsInvalidToolCall(t *testing.T) {
	call := llm.NewToolCall("c9", "write_file", []byte(`{"path":"a.go","content":"pack`))
	st := &State{ID: "conv-7", Messages: []llm.Message{
		{ID: "m1", Role: llm.RoleAI, Blocks: []llm.Block{llm.ToolUseBlock(call)}},
	}}

	raw, err := json.Marshal(st.Flatten())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := Unflatten(flat)
	if err != nil {
		t.Fatalf("Unflatten: %v", err)
	}
	calls := got.Messages[0].ToolCalls()
	if len(calls) != 1 || calls[0].Invalid != call.Invalid || calls[0].ID != "c9" {
		t.Errorf("calls = %+v, want invalid call c9", calls)
	}
}
