package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient talks to the Anthropic Messages API through the
// official SDK. Retries are left to the caller.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// uses the SDK default.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a streaming Messages request and accumulates the result.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	params := buildAnthropicParams(req)

	c.logger.Log(ctx, LevelTrace, "anthropic request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"cache_markers", len(req.CacheMarkers),
	)

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		if callback == nil || event.Type != "content_block_delta" {
			continue
		}
		switch d := event.AsContentBlockDelta().Delta.AsAny().(type) {
		case anthropic.TextDelta:
			callback(StreamEvent{Kind: KindToken, Token: d.Text})
		case anthropic.ThinkingDelta:
			callback(StreamEvent{Kind: KindReasoning, Token: d.Thinking})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp, err := fromAnthropicMessage(&message)
	if err != nil {
		return nil, err
	}
	c.logger.Log(ctx, LevelTrace, "anthropic response",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cache_read", resp.Usage.CacheRead,
		"cache_write", resp.Usage.CacheWrite,
	)
	return resp, nil
}

// Ping lists models to confirm the key and endpoint work.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

func buildAnthropicParams(req *ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertToAnthropic(req),
	}
	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System}
		if req.cached(CacheSystem, 0) {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}
	if req.Reasoning.Enabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.Reasoning.BudgetTokens))
	}
	params.Temperature = anthropic.Float(req.Temperature)

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			props, required := spec.schemaParts()
			tool := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   required,
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		// The tools marker goes on the last definition so the whole
		// block is cached.
		if req.cached(CacheTools, 0) {
			tools[len(tools)-1].OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.Tools = tools
	}
	return params
}

// convertToAnthropic maps the history onto Anthropic's alternating
// user/assistant turns. Consecutive tool messages collapse into a single
// user turn of tool_result blocks. System messages are skipped; the
// system prompt travels separately.
func convertToAnthropic(req *ChatRequest) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	lastWasTool := false

	for i, m := range req.Messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			if pb, ok := anthropicBlock(b); ok {
				blocks = append(blocks, pb)
			}
		}
		if len(blocks) == 0 || m.Role == RoleSystem {
			continue
		}
		if req.cached(CacheMessage, i) {
			markAnthropicCache(&blocks[len(blocks)-1])
		}

		switch m.Role {
		case RoleTool:
			if lastWasTool {
				prev := &out[len(out)-1]
				prev.Content = append(prev.Content, blocks...)
			} else {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
			lastWasTool = true
			continue
		case RoleAI:
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		lastWasTool = false
	}
	return out
}

func anthropicBlock(b Block) (anthropic.ContentBlockParamUnion, bool) {
	switch b.Kind {
	case BlockText:
		if b.Text == "" {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewTextBlock(b.Text), true
	case BlockReasoning:
		return anthropic.ContentBlockParamUnion{
			OfThinking: &anthropic.ThinkingBlockParam{
				Thinking:  b.Text,
				Signature: b.Signature,
			},
		}, true
	case BlockToolUse:
		input := b.ToolCall.Args.Map()
		return anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    b.ToolCall.ID,
				Name:  b.ToolCall.Name,
				Input: input,
			},
		}, true
	case BlockToolResult:
		r := b.ToolResult
		return anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError()), true
	case BlockImage:
		img := b.Image
		if img.Data != "" {
			return anthropic.NewImageBlockBase64(img.MediaType, img.Data), true
		}
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: img.URL},
				},
			},
		}, true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

// markAnthropicCache attaches an ephemeral cache breakpoint to a block.
// Thinking blocks cannot carry one and are left alone.
func markAnthropicCache(b *anthropic.ContentBlockParamUnion) {
	cc := anthropic.NewCacheControlEphemeralParam()
	switch {
	case b.OfText != nil:
		b.OfText.CacheControl = cc
	case b.OfToolUse != nil:
		b.OfToolUse.CacheControl = cc
	case b.OfToolResult != nil:
		b.OfToolResult.CacheControl = cc
	case b.OfImage != nil:
		b.OfImage.CacheControl = cc
	}
}

func fromAnthropicMessage(m *anthropic.Message) (*ChatResponse, error) {
	msg := Message{ID: NewID(), Role: RoleAI}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			msg.Blocks = append(msg.Blocks, TextBlock(block.Text))
		case "thinking":
			msg.Blocks = append(msg.Blocks, ReasoningBlock(block.Thinking, block.Signature))
		case "tool_use":
			msg.Blocks = append(msg.Blocks, ToolUseBlock(NewToolCall(block.ID, block.Name, block.Input)))
		}
	}
	return &ChatResponse{
		Model:      string(m.Model),
		Message:    msg,
		StopReason: string(m.StopReason),
		Usage: Usage{
			InputTokens:  int(m.Usage.InputTokens),
			OutputTokens: int(m.Usage.OutputTokens),
			CacheRead:    int(m.Usage.CacheReadInputTokens),
			CacheWrite:   int(m.Usage.CacheCreationInputTokens),
		},
	}, nil
}
