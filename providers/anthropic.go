package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements Provider and StreamProvider against the
// Anthropic Messages API.
type AnthropicProvider struct {
	base
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic provider bound to model. The optional
// baseURL overrides the API endpoint (pass "" for the default).
func NewAnthropic(apiKey, model, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		base:       base{typ: TypeAnthropic, model: model, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")},
		httpClient: &http.Client{},
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Model   string `json:"model"`
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

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	var systemParts []string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	return anthropicRequest{
		Model:       model,
		MaxTokens:   resolveMaxTokens(req),
		System:      strings.Join(systemParts, "\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *AnthropicProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")
	return p.httpClient.Do(httpReq)
}

// apiError drains resp and returns the upstream failure as an APIError.
func (p *AnthropicProvider) apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp anthropicErrorResponse
	msg := string(respBody)
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return &APIError{Provider: TypeAnthropic, Status: resp.StatusCode, Message: msg}
}

// Complete sends a messages request to Anthropic.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := p.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.apiError(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var ar anthropicResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var content strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content:      content.String(),
		Model:        ar.Model,
		Provider:     TypeAnthropic,
		FinishReason: ar.StopReason,
		Usage: Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

type anthropicStreamDelta struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// CompleteStream sends a streaming messages request to Anthropic and decodes
// its SSE event framing into canonical chunks.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := p.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer func() { _ = httpResp.Body.Close() }()
		return nil, p.apiError(httpResp)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer func() { _ = httpResp.Body.Close() }()

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var evt anthropicStreamDelta
			if json.Unmarshal([]byte(data), &evt) != nil {
				continue
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					ch <- StreamChunk{Content: evt.Delta.Text}
				}
			case "message_stop":
				ch <- StreamChunk{Final: true}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: err}
		}
	}()
	return ch, nil
}
