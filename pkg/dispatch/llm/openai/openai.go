// Package openai adapts OpenAI-compatible chat completion APIs to llm.Gateway.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retry"
)

// Gateway calls an OpenAI-compatible endpoint.
type Gateway struct {
	client       openai.Client
	defaultModel string
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	apiKey       string
	baseURL      string
	defaultModel string
	requestOpts  []openaiopt.RequestOption
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(o *options) { o.defaultModel = model }
}

// WithRequestOptions appends raw client options (headers, HTTP client, retries).
func WithRequestOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.requestOpts = append(o.requestOpts, opts...) }
}

// New creates a Gateway.
func New(opts ...Option) *Gateway {
	o := options{defaultModel: "gpt-4o-mini"}
	for _, opt := range opts {
		opt(&o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	clientOpts = append(clientOpts, o.requestOpts...)

	return &Gateway{
		client:       openai.NewClient(clientOpts...),
		defaultModel: o.defaultModel,
	}
}

// ChatCompletion implements llm.Gateway.
func (g *Gateway) ChatCompletion(ctx context.Context, req llm.ChatRequest, onDelta llm.DeltaFunc) (*llm.ChatResponse, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	var resp *llm.ChatResponse
	if req.Stream {
		resp, err = g.stream(ctx, params, onDelta)
	} else {
		resp, err = g.complete(ctx, params)
	}
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

func (g *Gateway) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*llm.ChatResponse, error) {
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat completion", err)
	}
	return toResponse(completion)
}

func (g *Gateway) stream(ctx context.Context, params openai.ChatCompletionNewParams, onDelta llm.DeltaFunc) (*llm.ChatResponse, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError("chat completion stream", err)
	}
	return toResponse(&acc.ChatCompletion)
}

func (g *Gateway) buildParams(req llm.ChatRequest) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		var parameters shared.FunctionParameters
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &parameters); err != nil {
				return params, fmt.Errorf("tool %s parameters: %w", t.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  parameters,
			},
		})
	}
	return params, nil
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			msg := &openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				},
			}
			for _, call := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: msg})
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// wrapError exposes API status codes to retry.Categorize.
func wrapError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &retry.HTTPError{StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toResponse(completion *openai.ChatCompletion) (*llm.ChatResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	choice := completion.Choices[0]
	resp := &llm.ChatResponse{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		FinishReason: choice.FinishReason,
		Usage: llm.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return resp, nil
}
