package agent

import (
	"slices"
	"time"

	"github.com/nugget/aki/internal/gateway"
	"github.com/nugget/aki/internal/llm"
)

// ModelConfig is the per-conversation model selection.
type ModelConfig struct {
	ModelID        string
	Temperature    float64
	MaxTokens      int
	CacheEnabled   bool
	MaxCachePoints int
	Reasoning      llm.Reasoning
}

// Options converts the config to gateway handle options.
func (m ModelConfig) Options() gateway.Options {
	return gateway.Options{
		ModelID:        m.ModelID,
		Temperature:    m.Temperature,
		MaxTokens:      m.MaxTokens,
		CacheEnabled:   m.CacheEnabled,
		MaxCachePoints: m.MaxCachePoints,
		Reasoning:      m.Reasoning,
	}
}

// State is one conversation. While a turn runs the engine owns it
// exclusively; it is persisted only between turns.
type State struct {
	ID       string
	Messages []llm.Message
	// TokenCount is the running token count. It never decreases
	// during a turn and is reset by compaction.
	TokenCount int
	Summary    string
	Model      ModelConfig
	Workspace  string
	// Tasks is the rendered task list shown in the environment block.
	Tasks     string
	UpdatedAt time.Time
}

// NewState returns an empty conversation.
func NewState(id string, model ModelConfig) *State {
	if id == "" {
		id = llm.NewID()
	}
	return &State{ID: id, Model: model}
}

// LastMessage returns the newest message, if any.
func (s *State) LastMessage() (llm.Message, bool) {
	if len(s.Messages) == 0 {
		return llm.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Delete removes the messages with the given ids.
func (s *State) Delete(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.Messages = slices.DeleteFunc(s.Messages, func(m llm.Message) bool {
		return drop[m.ID]
	})
}
