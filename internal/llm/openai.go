package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/metrics"
)

// Config holds model endpoint settings.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// OpenAIClient implements Client and Embedder.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

// NewOpenAIClient builds a client for cfg.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := openai.NewClient(opts...)
	return &OpenAIClient{client: &c, cfg: cfg, logger: logger}
}

// Complete runs one non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params := c.params(req)
	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.RecordLLMMetrics("complete", string(params.Model), "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	metrics.RecordLLMMetrics("complete", string(params.Model), "ok", time.Since(start).Seconds())
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	msg := resp.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream runs a streaming completion, calling onDelta for every content chunk.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	params := c.params(req)
	start := time.Now()
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full []byte
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full = append(full, delta...)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		metrics.RecordLLMMetrics("stream", string(params.Model), "error", time.Since(start).Seconds())
		return string(full), fmt.Errorf("chat stream: %w", err)
	}
	metrics.RecordLLMMetrics("stream", string(params.Model), "ok", time.Since(start).Seconds())
	return string(full), nil
}

// Embed returns one vector per input text.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
	})
	if err != nil {
		metrics.RecordLLMMetrics("embed", c.cfg.EmbeddingModel, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	metrics.RecordLLMMetrics("embed", c.cfg.EmbeddingModel, "ok", time.Since(start).Seconds())

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (c *OpenAIClient) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toParams(req.Messages),
	}
	if req.Temperature != nil {
		p.Temperature = openai.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	switch req.ToolChoice {
	case "":
	case ToolChoiceRequired:
		p.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(ToolChoiceRequired)}
	default:
		p.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolChoice},
			},
		}
	}
	return p
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
