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

// GeminiProvider implements Provider and StreamProvider against the Google
// Generative Language API.
type GeminiProvider struct {
	base
	httpClient *http.Client
}

// NewGemini creates a Google Gemini provider bound to model. The optional
// baseURL overrides the API endpoint (pass "" for the default).
func NewGemini(apiKey, model, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		base:       base{typ: TypeGoogle, model: model, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")},
		httpClient: &http.Client{},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// convertMessagesToGemini maps conversation turns onto Gemini contents.
// System messages are folded into the first user turn.
func convertMessagesToGemini(messages []Message) []geminiContent {
	var systemText string
	var contents []geminiContent
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if systemText != "" {
				systemText += "\n"
			}
			systemText += msg.Content
			continue
		}
		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		content := msg.Content
		if role == RoleUser && systemText != "" {
			content = systemText + "\n" + content
			systemText = ""
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: content}}})
	}
	return contents
}

func (p *GeminiProvider) buildBody(req Request) ([]byte, error) {
	geminiReq := geminiRequest{Contents: convertMessagesToGemini(req.Messages)}
	if req.Temperature != nil || req.MaxTokens != nil {
		geminiReq.GenerationConfig = &struct {
			Temperature     *float64 `json:"temperature,omitempty"`
			MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		}{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	return json.Marshal(geminiReq)
}

func (p *GeminiProvider) resolveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *GeminiProvider) apiError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp geminiErrorResponse
	msg := string(respBody)
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return &APIError{Provider: TypeGoogle, Status: resp.StatusCode, Message: msg}
}

// Complete sends a generateContent request to Gemini.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
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
	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	resp := &Response{
		Model:    model,
		Provider: TypeGoogle,
		Usage: Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
	}
	if len(gr.Candidates) > 0 {
		var text strings.Builder
		for _, part := range gr.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		resp.Content = text.String()
		resp.FinishReason = mapGeminiFinishReason(gr.Candidates[0].FinishReason)
	}
	return resp, nil
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// CompleteStream sends a streamGenerateContent request and decodes the SSE
// framing into canonical chunks.
func (p *GeminiProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
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

			var chunk geminiResponse
			if json.Unmarshal([]byte(data), &chunk) != nil {
				continue
			}
			for _, candidate := range chunk.Candidates {
				var text strings.Builder
				for _, part := range candidate.Content.Parts {
					text.WriteString(part.Text)
				}
				sc := StreamChunk{Content: text.String()}
				if candidate.FinishReason != "" {
					sc.Final = true
				}
				ch <- sc
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: err}
		}
	}()
	return ch, nil
}
