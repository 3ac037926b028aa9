package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGeminiProvider_Complete(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"role":"model","parts":[{"text":"Hello"},{"text":" world"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 3, "totalTokenCount": 13}
		}`))
	}))
	defer srv.Close()

	p := NewGemini("test-key", "gemini-1.5-pro", srv.URL)
	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "Be brief."},
			{Role: RoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if gotPath != "/v1beta/models/gemini-1.5-pro:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("key query = %q, want test-key", gotKey)
	}
	if len(gotBody.Contents) != 1 {
		t.Fatalf("contents = %+v, want system folded into the user turn", gotBody.Contents)
	}
	if gotBody.Contents[0].Parts[0].Text != "Be brief.\nHi" {
		t.Errorf("user turn text = %q, want system prefix", gotBody.Contents[0].Parts[0].Text)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want parts joined", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("TotalTokens = %d, want 13", resp.Usage.TotalTokens)
	}
	if resp.Provider != TypeGoogle {
		t.Errorf("Provider = %q, want %q", resp.Provider, TypeGoogle)
	}
}

func TestGeminiProvider_Complete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	p := NewGemini("bad-key", "gemini-1.5-pro", srv.URL)
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", apiErr.Status)
	}
	if apiErr.Message != "API key not valid" {
		t.Errorf("Message = %q, want upstream message extracted", apiErr.Message)
	}
}

func TestGeminiProvider_CompleteStream(t *testing.T) {
	sseData := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}],\"role\":\"model\"}}]}\n\n" +
		"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}]}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt query = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseData))
	}))
	defer srv.Close()

	p := NewGemini("test-key", "gemini-2.0-flash", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	if err != nil {
		t.Fatalf("CompleteStream() error: %v", err)
	}

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Content != "Hel" || chunks[0].Final {
		t.Errorf("first chunk = %+v", chunks[0])
	}
	if chunks[1].Content != "lo" || !chunks[1].Final {
		t.Errorf("final chunk = %+v, want content with Final set", chunks[1])
	}
}

func TestConvertMessagesToGemini_RoleMapping(t *testing.T) {
	contents := convertMessagesToGemini([]Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
	})
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", contents[1].Role)
	}
}
