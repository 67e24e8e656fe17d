// Package llm defines the provider-neutral conversation model and the
// clients that translate it to each provider's wire format.
package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
)

// BlockKind discriminates the content carried by a [Block].
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockReasoning  BlockKind = "reasoning"
	BlockImage      BlockKind = "image"
)

// ToolStatus reports whether a tool invocation succeeded.
type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// Block is one element of a message's content. Exactly one payload
// matching Kind is populated; use the constructors rather than building
// blocks by hand.
type Block struct {
	Kind BlockKind `json:"kind"`

	// Text holds the payload of text and reasoning blocks.
	Text string `json:"text,omitempty"`

	// Signature is the provider's opaque verification token for a
	// reasoning block. It must be echoed back unchanged.
	Signature string `json:"signature,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Image      *Image      `json:"image,omitempty"`
}

// ToolCall is a model-issued request to run a named tool.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args Args   `json:"args"`
	// Invalid holds the parse error when the model's arguments were not
	// a JSON object, usually because output stopped mid-call. Args is
	// empty in that case and the call is answered with an error result.
	Invalid string `json:"invalid,omitempty"`
}

// ToolResult is the outcome of a ToolCall, correlated by ToolCallID.
type ToolResult struct {
	ToolCallID string     `json:"tool_call_id"`
	Name       string     `json:"name"`
	Content    string     `json:"content"`
	Status     ToolStatus `json:"status"`
}

// IsError reports whether the tool failed.
func (r ToolResult) IsError() bool { return r.Status == ToolStatusError }

// Image is inline or referenced image content supplied by the user.
type Image struct {
	MediaType string `json:"media_type,omitempty"`
	// Data is base64-encoded image bytes.
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) Block { return Block{Kind: BlockText, Text: text} }

// ReasoningBlock returns a reasoning content block.
func ReasoningBlock(text, signature string) Block {
	return Block{Kind: BlockReasoning, Text: text, Signature: signature}
}

// ToolUseBlock returns a block carrying a tool call.
func ToolUseBlock(call ToolCall) Block {
	return Block{Kind: BlockToolUse, ToolCall: &call}
}

// ToolResultBlock returns a block carrying a tool result.
func ToolResultBlock(result ToolResult) Block {
	return Block{Kind: BlockToolResult, ToolResult: &result}
}

// ImageBlock returns an image content block.
func ImageBlock(img Image) Block { return Block{Kind: BlockImage, Image: &img} }

// Validate reports whether the block's payload matches its kind.
func (b Block) Validate() error {
	switch b.Kind {
	case BlockText, BlockReasoning:
		if b.ToolCall != nil || b.ToolResult != nil || b.Image != nil {
			return fmt.Errorf("%s block carries a non-text payload", b.Kind)
		}
	case BlockToolUse:
		if b.ToolCall == nil {
			return fmt.Errorf("tool_use block without tool call")
		}
		if b.ToolCall.ID == "" || b.ToolCall.Name == "" {
			return fmt.Errorf("tool_use block missing id or name")
		}
	case BlockToolResult:
		if b.ToolResult == nil {
			return fmt.Errorf("tool_result block without result")
		}
		if b.ToolResult.ToolCallID == "" {
			return fmt.Errorf("tool_result block missing tool_call_id")
		}
	case BlockImage:
		if b.Image == nil || (b.Image.Data == "" && b.Image.URL == "") {
			return fmt.Errorf("image block without data or url")
		}
	default:
		return fmt.Errorf("unknown block kind %q", b.Kind)
	}
	return nil
}

// Message is one entry in a conversation history. ID is stable for the
// life of the message and is the handle used to delete it.
type Message struct {
	ID     string  `json:"id"`
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewHumanMessage returns a human message with a single text block.
func NewHumanMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleHuman, Blocks: []Block{TextBlock(text)}}
}

// NewAIMessage returns an AI message with the given content.
func NewAIMessage(blocks ...Block) Message {
	return Message{ID: NewID(), Role: RoleAI, Blocks: blocks}
}

// NewToolMessage returns a tool message carrying one result.
func NewToolMessage(result ToolResult) Message {
	return Message{ID: NewID(), Role: RoleTool, Blocks: []Block{ToolResultBlock(result)}}
}

// Text concatenates the message's text blocks. Reasoning is excluded.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls an AI message issued, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// HasToolCalls reports whether the message issued at least one tool call.
func (m Message) HasToolCalls() bool {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}

// ToolResults returns the results carried by a tool message.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult && b.ToolResult != nil {
			results = append(results, *b.ToolResult)
		}
	}
	return results
}

// Validate checks the role and every block.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleHuman, RoleAI, RoleTool:
	default:
		return fmt.Errorf("message %s: unknown role %q", m.ID, m.Role)
	}
	for i, b := range m.Blocks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("message %s block %d: %w", m.ID, i, err)
		}
	}
	return nil
}

// Usage is the token accounting reported for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
}

// Total is every token the call touched, cached or not.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheRead + u.CacheWrite
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheRead += o.CacheRead
	u.CacheWrite += o.CacheWrite
}

// String renders the usage the way the chat surface displays it.
func (u Usage) String() string {
	return fmt.Sprintf("LLM: %d tokens | Cache: %d write / %d read",
		u.InputTokens+u.OutputTokens, u.CacheWrite, u.CacheRead)
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// schemaParts splits a JSON-schema object into its properties and
// required list, tolerating both []string and []any for "required".
func (s ToolSpec) schemaParts() (map[string]any, []string) {
	props, _ := s.Parameters["properties"].(map[string]any)
	var required []string
	switch r := s.Parameters["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if name, ok := v.(string); ok {
				required = append(required, name)
			}
		}
	}
	return props, required
}

// CacheScope says what a [CacheMarker] attaches to.
type CacheScope int

const (
	// CacheSystem marks the system prompt.
	CacheSystem CacheScope = iota
	// CacheMessage marks the message at Index.
	CacheMessage
	// CacheTools marks the tool definitions.
	CacheTools
)

// CacheMarker requests a prompt-cache breakpoint.
type CacheMarker struct {
	Scope CacheScope
	Index int
}

// Reasoning configures extended thinking.
type Reasoning struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	BudgetTokens int  `json:"budget_tokens" yaml:"budget_tokens"`
}

// ChatRequest is a provider-neutral model invocation.
type ChatRequest struct {
	Model        string
	System       string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	Reasoning    Reasoning
	CacheMarkers []CacheMarker
}

// cached reports whether a marker of the given scope and index exists.
func (r *ChatRequest) cached(scope CacheScope, index int) bool {
	for _, m := range r.CacheMarkers {
		if m.Scope == scope && (scope != CacheMessage || m.Index == index) {
			return true
		}
	}
	return false
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model      string
	Message    Message
	Usage      Usage
	StopReason string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindReasoning is an incremental reasoning token.
	KindReasoning
)

// StreamEvent is a single incremental delta from a streaming call.
type StreamEvent struct {
	Kind  StreamEventKind
	Token string
}

// StreamCallback receives streaming events. It may be nil.
type StreamCallback func(event StreamEvent)

// argsJSON renders tool arguments for providers that want a string.
func argsJSON(a Args) string {
	data, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(data)
}
