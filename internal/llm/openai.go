package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient talks to OpenAI-compatible chat completion endpoints
// through the official SDK.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL uses
// the SDK default.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
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
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat streams a chat completion and accumulates the result.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(req.Model),
		Messages:      convertToOpenAI(req),
		Temperature:   openai.Float(req.Temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  shared.FunctionParameters(spec.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	c.logger.Log(ctx, LevelTrace, "openai request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if callback != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return fromOpenAICompletion(&acc.ChatCompletion)
}

// Ping lists models to confirm the key and endpoint work.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func convertToOpenAI(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))

		case RoleHuman:
			var parts []openai.ChatCompletionContentPartUnionParam
			for _, b := range m.Blocks {
				switch b.Kind {
				case BlockText:
					parts = append(parts, openai.TextContentPart(b.Text))
				case BlockImage:
					url := b.Image.URL
					if url == "" {
						url = "data:" + b.Image.MediaType + ";base64," + b.Image.Data
					}
					parts = append(parts, openai.ImageContentPart(
						openai.ChatCompletionContentPartImageImageURLParam{URL: url},
					))
				}
			}
			if len(parts) > 0 {
				out = append(out, openai.UserMessage(parts))
			}

		case RoleAI:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := m.Text(); text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			for _, call := range m.ToolCalls() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: argsJSON(call.Args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case RoleTool:
			for _, r := range m.ToolResults() {
				out = append(out, openai.ToolMessage(r.Content, r.ToolCallID))
			}
		}
	}
	return out
}

func fromOpenAICompletion(cc *openai.ChatCompletion) (*ChatResponse, error) {
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	choice := cc.Choices[0]
	msg := Message{ID: NewID(), Role: RoleAI}
	if choice.Message.Content != "" {
		msg.Blocks = append(msg.Blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.Blocks = append(msg.Blocks, ToolUseBlock(NewToolCall(tc.ID, tc.Function.Name, []byte(tc.Function.Arguments))))
	}

	cached := int(cc.Usage.PromptTokensDetails.CachedTokens)
	return &ChatResponse{
		Model:      cc.Model,
		Message:    msg,
		StopReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  int(cc.Usage.PromptTokens) - cached,
			OutputTokens: int(cc.Usage.CompletionTokens),
			CacheRead:    cached,
		},
	}, nil
}
