package llm

import (
	"fmt"
	"sort"
	"strings"
)

// ParseModelID splits a "(provider)model" identifier. An identifier
// without a provider prefix returns an empty provider.
func ParseModelID(id string) (provider, model string) {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "(") {
		if end := strings.Index(id, ")"); end > 0 {
			return strings.ToLower(id[1:end]), id[end+1:]
		}
	}
	return "", id
}

// FormatModelID is the inverse of ParseModelID.
func FormatModelID(provider, model string) string {
	if provider == "" {
		return model
	}
	return "(" + provider + ")" + model
}

// Router resolves model identifiers to the provider client that serves
// them.
type Router struct {
	clients  map[string]Client // provider name → client
	fallback string            // provider for unprefixed model ids
}

// NewRouter creates a router. Unprefixed model ids go to the fallback
// provider.
func NewRouter(fallback string) *Router {
	return &Router{
		clients:  make(map[string]Client),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (r *Router) AddProvider(name string, client Client) {
	r.clients[strings.ToLower(name)] = client
}

// Providers lists registered provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns the client registered for a provider name.
func (r *Router) Client(name string) (Client, bool) {
	c, ok := r.clients[strings.ToLower(name)]
	return c, ok
}

// Resolve returns the client, provider name and bare model name for a
// model identifier.
func (r *Router) Resolve(modelID string) (Client, string, string, error) {
	provider, model := ParseModelID(modelID)
	if provider == "" {
		provider = r.fallback
	}
	if model == "" {
		return nil, "", "", fmt.Errorf("empty model name in %q", modelID)
	}
	client, ok := r.clients[provider]
	if !ok {
		return nil, "", "", fmt.Errorf("no provider configured for model %q", modelID)
	}
	return client, provider, model, nil
}

// Capability is a feature a model may support.
type Capability uint8

const (
	CapImageInput Capability = 1 << iota
	CapTools
	CapReasoning
	CapPromptCache
)

// Capabilities is a set of [Capability] flags.
type Capabilities uint8

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool { return uint8(cs)&uint8(c) != 0 }

func (cs Capabilities) String() string {
	var parts []string
	for _, p := range []struct {
		c    Capability
		name string
	}{
		{CapImageInput, "image"},
		{CapTools, "tools"},
		{CapReasoning, "reasoning"},
		{CapPromptCache, "cache"},
	} {
		if cs.Has(p.c) {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, ",")
}

func caps(list ...Capability) Capabilities {
	var cs Capabilities
	for _, c := range list {
		cs |= Capabilities(c)
	}
	return cs
}

// reasoningModels are Claude families that accept a thinking budget.
var reasoningModels = []string{"3-7-sonnet", "sonnet-4", "opus-4", "haiku-4"}

// toolModels are local model families known to emit native tool calls.
var toolModels = []string{"tool-calling", "qwen", "llama3.1", "llama3.2", "mistral"}

// CapabilitiesFor reports what the named model supports.
func CapabilitiesFor(provider, model string) Capabilities {
	name := strings.ToLower(model)
	switch provider {
	case "anthropic":
		cs := caps(CapImageInput, CapTools)
		for _, m := range reasoningModels {
			if strings.Contains(name, m) {
				cs |= Capabilities(CapReasoning)
				break
			}
		}
		if strings.Contains(name, "sonnet") || strings.Contains(name, "haiku") {
			cs |= Capabilities(CapPromptCache)
		}
		return cs
	case "openai":
		return caps(CapImageInput, CapTools)
	case "ollama":
		for _, m := range toolModels {
			if strings.Contains(name, m) {
				return caps(CapTools)
			}
		}
		return 0
	}
	return 0
}
