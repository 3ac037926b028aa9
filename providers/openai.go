package providers

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider and StreamProvider on top of the
// official openai-go SDK.
type OpenAIProvider struct {
	base
	client openai.Client
}

// NewOpenAI creates an OpenAI provider bound to model. The optional baseURL
// overrides the API endpoint (pass "" for the default).
func NewOpenAI(apiKey, model, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		base:   base{typ: TypeOpenAI, model: model, apiKey: apiKey, baseURL: baseURL},
		client: openai.NewClient(opts...),
	}
}

func (p *OpenAIProvider) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    model,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	return params
}

// Complete sends a chat completion request to OpenAI.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, p.wrapErr(err)
	}
	resp := &Response{
		Model:    completion.Model,
		Provider: TypeOpenAI,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if len(completion.Choices) > 0 {
		resp.Content = completion.Choices[0].Message.Content
		resp.FinishReason = string(completion.Choices[0].FinishReason)
	}
	return resp, nil
}

// CompleteStream sends a streaming chat completion request to OpenAI.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			sc := StreamChunk{Content: c.Delta.Content}
			if c.FinishReason != "" {
				sc.Final = true
			}
			ch <- sc
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: p.wrapErr(err)}
		}
	}()
	return ch, nil
}

// wrapErr converts SDK errors into the closed APIError shape so the
// classifier never inspects SDK types.
func (p *OpenAIProvider) wrapErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = err.Error()
		}
		return &APIError{Provider: TypeOpenAI, Status: apierr.StatusCode, Message: msg}
	}
	return err
}

func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
