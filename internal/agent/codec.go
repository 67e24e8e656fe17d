package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/aki/internal/llm"
)

// Flatten renders the state as a tree of maps, lists and primitives,
// the only shapes the persistence layer stores. Tool arguments become
// a list of {key, value} pairs so their order survives.
func (s *State) Flatten() map[string]any {
	msgs := make([]any, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, flattenMessage(m))
	}
	out := map[string]any{
		"id":          s.ID,
		"messages":    msgs,
		"token_count": s.TokenCount,
		"summary":     s.Summary,
		"model": map[string]any{
			"model_id":         s.Model.ModelID,
			"temperature":      s.Model.Temperature,
			"max_tokens":       s.Model.MaxTokens,
			"cache_enabled":    s.Model.CacheEnabled,
			"max_cache_points": s.Model.MaxCachePoints,
			"reasoning": map[string]any{
				"enabled":       s.Model.Reasoning.Enabled,
				"budget_tokens": s.Model.Reasoning.BudgetTokens,
			},
		},
		"workspace": s.Workspace,
		"tasks":     s.Tasks,
	}
	if !s.UpdatedAt.IsZero() {
		out["updated_at"] = s.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func flattenMessage(m llm.Message) map[string]any {
	blocks := make([]any, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		blocks = append(blocks, flattenBlock(b))
	}
	return map[string]any{
		"id":     m.ID,
		"role":   string(m.Role),
		"blocks": blocks,
	}
}

func flattenBlock(b llm.Block) map[string]any {
	out := map[string]any{"kind": string(b.Kind)}
	switch b.Kind {
	case llm.BlockText:
		out["text"] = b.Text
	case llm.BlockReasoning:
		out["text"] = b.Text
		if b.Signature != "" {
			out["signature"] = b.Signature
		}
	case llm.BlockToolUse:
		args := make([]any, 0, len(b.ToolCall.Args))
		for _, a := range b.ToolCall.Args {
			args = append(args, map[string]any{"key": a.Key, "value": a.Value})
		}
		tc := map[string]any{
			"id":   b.ToolCall.ID,
			"name": b.ToolCall.Name,
			"args": args,
		}
		if b.ToolCall.Invalid != "" {
			tc["invalid"] = b.ToolCall.Invalid
		}
		out["tool_call"] = tc
	case llm.BlockToolResult:
		out["tool_result"] = map[string]any{
			"tool_call_id": b.ToolResult.ToolCallID,
			"name":         b.ToolResult.Name,
			"content":      b.ToolResult.Content,
			"status":       string(b.ToolResult.Status),
		}
	case llm.BlockImage:
		out["image"] = map[string]any{
			"media_type": b.Image.MediaType,
			"data":       b.Image.Data,
			"url":        b.Image.URL,
		}
	}
	return out
}

// Unflatten rebuilds a state from the output of [State.Flatten],
// whether it was kept in memory or passed through JSON. Unknown block
// kinds and malformed blocks are rejected.
func Unflatten(m map[string]any) (*State, error) {
	s := &State{
		ID:         str(m["id"]),
		TokenCount: num(m["token_count"]),
		Summary:    str(m["summary"]),
		Workspace:  str(m["workspace"]),
		Tasks:      str(m["tasks"]),
	}
	if s.ID == "" {
		return nil, fmt.Errorf("state has no id")
	}
	if ts := str(m["updated_at"]); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		s.UpdatedAt = t
	}

	if model, ok := m["model"].(map[string]any); ok {
		s.Model = ModelConfig{
			ModelID:        str(model["model_id"]),
			Temperature:    float(model["temperature"]),
			MaxTokens:      num(model["max_tokens"]),
			CacheEnabled:   boolean(model["cache_enabled"]),
			MaxCachePoints: num(model["max_cache_points"]),
		}
		if r, ok := model["reasoning"].(map[string]any); ok {
			s.Model.Reasoning = llm.Reasoning{
				Enabled:      boolean(r["enabled"]),
				BudgetTokens: num(r["budget_tokens"]),
			}
		}
	}

	msgs, _ := m["messages"].([]any)
	for i, raw := range msgs {
		mm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d: not a map", i)
		}
		msg, err := unflattenMessage(mm)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}

func unflattenMessage(m map[string]any) (llm.Message, error) {
	msg := llm.Message{ID: str(m["id"]), Role: llm.Role(str(m["role"]))}
	blocks, _ := m["blocks"].([]any)
	for i, raw := range blocks {
		bm, ok := raw.(map[string]any)
		if !ok {
			return msg, fmt.Errorf("block %d: not a map", i)
		}
		b, err := unflattenBlock(bm)
		if err != nil {
			return msg, fmt.Errorf("block %d: %w", i, err)
		}
		msg.Blocks = append(msg.Blocks, b)
	}
	return msg, msg.Validate()
}

func unflattenBlock(m map[string]any) (llm.Block, error) {
	switch kind := llm.BlockKind(str(m["kind"])); kind {
	case llm.BlockText:
		return llm.TextBlock(str(m["text"])), nil
	case llm.BlockReasoning:
		return llm.ReasoningBlock(str(m["text"]), str(m["signature"])), nil
	case llm.BlockToolUse:
		tc, ok := m["tool_call"].(map[string]any)
		if !ok {
			return llm.Block{}, fmt.Errorf("tool_use block without tool_call")
		}
		call := llm.ToolCall{ID: str(tc["id"]), Name: str(tc["name"]), Args: llm.Args{}, Invalid: str(tc["invalid"])}
		pairs, _ := tc["args"].([]any)
		for _, p := range pairs {
			pm, ok := p.(map[string]any)
			if !ok {
				return llm.Block{}, fmt.Errorf("tool %s: malformed argument", call.Name)
			}
			call.Args = append(call.Args, llm.Arg{Key: str(pm["key"]), Value: pm["value"]})
		}
		return llm.ToolUseBlock(call), nil
	case llm.BlockToolResult:
		tr, ok := m["tool_result"].(map[string]any)
		if !ok {
			return llm.Block{}, fmt.Errorf("tool_result block without tool_result")
		}
		return llm.ToolResultBlock(llm.ToolResult{
			ToolCallID: str(tr["tool_call_id"]),
			Name:       str(tr["name"]),
			Content:    str(tr["content"]),
			Status:     llm.ToolStatus(str(tr["status"])),
		}), nil
	case llm.BlockImage:
		im, ok := m["image"].(map[string]any)
		if !ok {
			return llm.Block{}, fmt.Errorf("image block without image")
		}
		return llm.ImageBlock(llm.Image{
			MediaType: str(im["media_type"]),
			Data:      str(im["data"]),
			URL:       str(im["url"]),
		}), nil
	default:
		return llm.Block{}, fmt.Errorf("unknown block kind %q", kind)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func float(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
