// Package providers defines the Provider interface, the shared request and
// response types, and the error taxonomy used across all AI provider
// implementations and by the relay engine.
//
// Every vendor adapter normalises its wire format into the canonical
// Response / StreamChunk shapes here, so the rest of the pipeline never sees
// vendor-specific framing.
package providers

import (
	"context"
	"errors"
	"time"
)

// Type identifies a supported AI backend vendor.
type Type string

// Supported provider types. Adding a vendor means adding an adapter in this
// package plus entries in the selector tier/affinity tables.
const (
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGoogle    Type = "google"
	TypeBedrock   Type = "bedrock"
)

// Valid reports whether t is a member of the closed provider set.
func (t Type) Valid() bool {
	switch t {
	case TypeOpenAI, TypeAnthropic, TypeGoogle, TypeBedrock:
		return true
	}
	return false
}

// TaskCategory classifies an inbound message so the selector can rank
// providers by task affinity. Categories are derived per request and never
// persisted.
type TaskCategory string

// Task categories recognised by the selector affinity matrix.
const (
	TaskChartInsight  TaskCategory = "chart_insight"
	TaskCoaching      TaskCategory = "coaching"
	TaskTextAnalysis  TaskCategory = "text_analysis"
	TaskImageSuitable TaskCategory = "image_suitable"
	TaskPlanning      TaskCategory = "planning"
	TaskGeneral       TaskCategory = "general"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical generation request passed to a provider adapter.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Validate returns an error if the request is missing required fields or
// contains out-of-range parameter values.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	return nil
}

// Usage carries token consumption statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation normalised across vendors.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     Type   `json:"provider"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one decoded fragment of a streaming response. Content may be
// empty on framing-only events. A non-nil Err terminates the stream; Final
// marks a clean upstream close.
type StreamChunk struct {
	Content string
	Final   bool
	Err     error
}

// Provider is a single configured AI backend, bound to one model and one
// decrypted credential.
type Provider interface {
	// Type returns the vendor identity of this provider.
	Type() Type
	// Complete performs a synchronous generation.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// StreamProvider is implemented by providers that emit incremental output.
// The goroutine feeding the returned channel must release all upstream
// resources on its own, regardless of whether the consumer drains the
// channel, and must close the channel after the final chunk.
type StreamProvider interface {
	Provider
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// TenantProvider is one configured AI backend for a tenant, as stored in the
// provider registry. The credential stays encrypted until the moment of use.
type TenantProvider struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Type             Type      `json:"type"`
	Model            string    `json:"model"`
	APIKeyCiphertext string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// Outcome is the result class of one fallback attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft_failure"
	OutcomeHardFailure Outcome = "hard_failure"
)

// AttemptRecord captures the result of one provider attempt within a fallback
// run. Records live for the duration of a single request and feed the
// aggregate failure message on exhaustion.
type AttemptRecord struct {
	Provider Type      `json:"provider"`
	Model    string    `json:"model"`
	Outcome  Outcome   `json:"outcome"`
	Code     ErrorType `json:"code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// maxAttemptDetail bounds the diagnostic text stored per attempt.
const maxAttemptDetail = 240

// TruncateDetail clips a diagnostic message to the per-attempt bound.
func TruncateDetail(s string) string {
	if len(s) <= maxAttemptDetail {
		return s
	}
	return s[:maxAttemptDetail] + "..."
}

// StreamEvent is one element of the outward streaming contract. The event
// channel always terminates with exactly one terminal event: Done on
// completion, or Err when every provider failed. Reset tells the client to
// discard previously rendered content because a failed attempt is being
// retried on another provider.
type StreamEvent struct {
	Content  string           `json:"content,omitempty"`
	Provider Type             `json:"provider,omitempty"`
	Reset    bool             `json:"reset,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
	Err      *ClassifiedError `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool { return e.Done || e.Err != nil }
