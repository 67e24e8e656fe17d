package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/aki/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Large models with tools need time.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments Args   `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is one NDJSON line of /api/chat output.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	msg := Message{ID: NewID(), Role: RoleAI}
	if w.Message.Content != "" {
		msg.Blocks = append(msg.Blocks, TextBlock(w.Message.Content))
	}
	for _, tc := range w.Message.ToolCalls {
		msg.Blocks = append(msg.Blocks, ToolUseBlock(ToolCall{
			// Ollama does not assign call ids.
			ID:   "call_" + NewID(),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		}))
	}
	return &ChatResponse{
		Model:      w.Model,
		Message:    msg,
		StopReason: w.DoneReason,
		Usage: Usage{
			InputTokens:  w.PromptEvalCount,
			OutputTokens: w.EvalCount,
		},
	}
}

// Chat sends a streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	wireReq := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req),
		Stream:   true,
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	for _, spec := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  spec.Parameters,
			},
		})
	}

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", req.Model, "bytes", len(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, err
	}

	// Streaming: read newline-delimited JSON.
	var final ollamaWireResponse
	var content strings.Builder
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}
		}
		// Tool calls come in a single chunk before done.
		if len(chunk.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = chunk.Message.ToolCalls
		}
		if chunk.Done {
			calls := final.Message.ToolCalls
			final = chunk
			final.Message.ToolCalls = calls
			break
		}
	}
	final.Message.Content = content.String()

	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}
	return final.toChatResponse(), nil
}

func convertToOllama(req *ChatRequest) []ollamaMessage {
	var out []ollamaMessage
	if req.System != "" {
		out = append(out, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, ollamaMessage{Role: "system", Content: m.Text()})
		case RoleHuman:
			om := ollamaMessage{Role: "user", Content: m.Text()}
			for _, b := range m.Blocks {
				if b.Kind == BlockImage && b.Image.Data != "" {
					om.Images = append(om.Images, b.Image.Data)
				}
			}
			out = append(out, om)
		case RoleAI:
			om := ollamaMessage{Role: "assistant", Content: m.Text()}
			for _, call := range m.ToolCalls() {
				var tc ollamaToolCall
				tc.Function.Name = call.Name
				tc.Function.Arguments = call.Args
				om.ToolCalls = append(om.ToolCalls, tc)
			}
			out = append(out, om)
		case RoleTool:
			for _, r := range m.ToolResults() {
				out = append(out, ollamaMessage{Role: "tool", Content: r.Content, ToolName: r.Name})
			}
		}
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models emit tool calls as JSON in the content rather than
// using the native tool_calls field. Handled shapes:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string `json:"name"`
		Arguments Args   `json:"arguments"`
	}
	toWire := func(calls []textCall) []ollamaToolCall {
		out := make([]ollamaToolCall, len(calls))
		for i, c := range calls {
			out[i].Function.Name = c.Name
			out[i].Function.Arguments = c.Arguments
		}
		return out
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return toWire(calls)
	}
	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return toWire([]textCall{single})
	}
	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}
