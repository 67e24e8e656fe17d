package llm

import (
	"context"
	"testing"
)

type stubClient struct{ name string }

func (s *stubClient) Chat(context.Context, *ChatRequest, StreamCallback) (*ChatResponse, error) {
	return &ChatResponse{Model: s.name}, nil
}
func (s *stubClient) Ping(context.Context) error { return nil }

func TestParseModelID(t *testing.T) {
	tests := []struct {
		id, provider, model string
	}{
		{"(anthropic)claude-3-7-sonnet-20250219", "anthropic", "claude-3-7-sonnet-20250219"},
		{"(Ollama)qwen3:4b", "ollama", "qwen3:4b"},
		{"gpt-4o", "", "gpt-4o"},
		{"(broken", "", "(broken"},
		{"  (openai)gpt-4.1  ", "openai", "gpt-4.1"},
	}
	for _, tt := range tests {
		p, m := ParseModelID(tt.id)
		if p != tt.provider || m != tt.model {
			t.Errorf("ParseModelID(%q) = (%q, %q), want (%q, %q)", tt.id, p, m, tt.provider, tt.model)
		}
	}

	if got := FormatModelID("anthropic", "claude"); got != "(anthropic)claude" {
		t.Errorf("FormatModelID = %q", got)
	}
}

func TestRouter_Resolve(t *testing.T) {
	r := NewRouter("anthropic")
	r.AddProvider("anthropic", &stubClient{name: "a"})
	r.AddProvider("ollama", &stubClient{name: "o"})

	client, provider, model, err := r.Resolve("(ollama)qwen3:4b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider != "ollama" || model != "qwen3:4b" || client.(*stubClient).name != "o" {
		t.Errorf("Resolve = (%v, %q, %q)", client, provider, model)
	}

	_, provider, _, err = r.Resolve("claude-3-5-haiku")
	if err != nil || provider != "anthropic" {
		t.Errorf("unprefixed Resolve = (%q, %v), want fallback anthropic", provider, err)
	}

	if _, _, _, err := r.Resolve("(bedrock)claude"); err == nil {
		t.Error("expected error for unregistered provider")
	}
	if _, _, _, err := r.Resolve("(anthropic)"); err == nil {
		t.Error("expected error for empty model name")
	}

	if got := r.Providers(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Providers() = %v", got)
	}
	if c, ok := r.Client("Ollama"); !ok || c.(*stubClient).name != "o" {
		t.Errorf("Client(Ollama) = %v, %v", c, ok)
	}
	if _, ok := r.Client("openai"); ok {
		t.Error("Client(openai) found an unregistered provider")
	}
}

func TestCapabilitiesFor(t *testing.T) {
	tests := []struct {
		provider, model string
		want            Capability
		has             bool
	}{
		{"anthropic", "claude-3-7-sonnet-20250219", CapReasoning, true},
		{"anthropic", "claude-3-7-sonnet-20250219", CapPromptCache, true},
		{"anthropic", "claude-3-5-haiku-20241022", CapReasoning, false},
		{"anthropic", "claude-3-5-haiku-20241022", CapPromptCache, true},
		{"anthropic", "claude-3-opus-20240229", CapPromptCache, false},
		{"openai", "gpt-4o", CapTools, true},
		{"openai", "gpt-4o", CapPromptCache, false},
		{"ollama", "MFDoom/deepseek-r1-tool-calling:70b", CapTools, true},
		{"ollama", "deepseek-r1:70b", CapTools, false},
		{"bedrock", "anything", CapTools, false},
	}
	for _, tt := range tests {
		cs := CapabilitiesFor(tt.provider, tt.model)
		if cs.Has(tt.want) != tt.has {
			t.Errorf("CapabilitiesFor(%q, %q) = %s; Has(%d) = %v, want %v",
				tt.provider, tt.model, cs, tt.want, cs.Has(tt.want), tt.has)
		}
	}
}
