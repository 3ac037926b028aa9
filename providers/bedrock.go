package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockProvider implements Provider and StreamProvider for Anthropic Claude
// models served through AWS Bedrock. Authentication uses the ambient AWS
// credential chain; the tenant credential selects the region.
type BedrockProvider struct {
	base
	client *bedrockruntime.Client
	region string
}

// NewBedrock creates an AWS Bedrock provider bound to model. region defaults
// to us-east-1.
func NewBedrock(region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BedrockProvider{
		base:   base{typ: TypeBedrock, model: model},
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *BedrockProvider) buildBody(req Request) ([]byte, string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if !strings.HasPrefix(model, "anthropic.") {
		return nil, "", fmt.Errorf("unsupported Bedrock model: %s", model)
	}

	var systemParts []string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        resolveMaxTokens(req),
		System:           strings.Join(systemParts, "\n"),
		Messages:         messages,
		Temperature:      req.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, model, nil
}

// Complete invokes the model synchronously through the Bedrock runtime.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, model, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.wrapErr(err)
	}

	var br bedrockAnthropicResponse
	if err := json.Unmarshal(output.Body, &br); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, c := range br.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	return &Response{
		Content:      text.String(),
		Model:        model,
		Provider:     TypeBedrock,
		FinishReason: br.StopReason,
		Usage: Usage{
			PromptTokens:     br.Usage.InputTokens,
			CompletionTokens: br.Usage.OutputTokens,
			TotalTokens:      br.Usage.InputTokens + br.Usage.OutputTokens,
		},
	}, nil
}

// CompleteStream invokes the model through InvokeModelWithResponseStream and
// decodes the Bedrock event stream into canonical chunks.
func (p *BedrockProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, model, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.wrapErr(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var delta struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal(chunk.Value.Bytes, &delta) != nil {
				continue
			}
			switch delta.Type {
			case "content_block_delta":
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					ch <- StreamChunk{Content: delta.Delta.Text}
				}
			case "message_stop":
				ch <- StreamChunk{Final: true}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Err: p.wrapErr(err)}
		}
	}()
	return ch, nil
}

// wrapErr converts SDK failures into the closed APIError shape so the
// classifier sees an HTTP status instead of smithy error types.
func (p *BedrockProvider) wrapErr(err error) error {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorMessage() != "" {
			msg = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
		}
		if status == 0 {
			status = bedrockErrorStatus(apiErr.ErrorCode())
		}
	}

	if status == 0 {
		return fmt.Errorf("bedrock invoke failed: %w", err)
	}
	return &APIError{Provider: TypeBedrock, Status: status, Message: msg}
}

// bedrockErrorStatus maps modeled Bedrock runtime error codes onto the HTTP
// status they are documented to carry, for responses where the transport
// status is not recoverable from the error chain.
func bedrockErrorStatus(code string) int {
	switch code {
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return 403
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return 429
	case "ValidationException":
		return 400
	case "ResourceNotFoundException":
		return 404
	case "ModelTimeoutException":
		return 408
	case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
		return 503
	}
	return 0
}
