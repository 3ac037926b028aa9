package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType is the closed classification taxonomy for everything that can go
// wrong between admission and the terminal response.
type ErrorType string

// Classification codes. Fallback continuation and user messaging are decided
// here and nowhere else.
const (
	ErrInvalidRequest      ErrorType = "INVALID_REQUEST"
	ErrInvalidAPIKey       ErrorType = "INVALID_API_KEY"
	ErrRateLimited         ErrorType = "RATE_LIMITED"
	ErrProviderUnavailable ErrorType = "PROVIDER_UNAVAILABLE"
	ErrKeyDecryptFailed    ErrorType = "KEY_DECRYPT_FAILED"
	ErrStreamTimeout       ErrorType = "STREAM_TIMEOUT"
	ErrSoftFailure         ErrorType = "SOFT_FAILURE"
	ErrAllProvidersFailed  ErrorType = "ALL_PROVIDERS_FAILED"
	ErrRateLimitExceeded   ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrNoProviders         ErrorType = "NO_PROVIDERS"
	ErrRegistryFetch       ErrorType = "REGISTRY_FETCH_ERROR"
)

// traits maps every classification onto its fallback/retry semantics and a
// default user-facing message.
var traits = map[ErrorType]struct {
	fallback  bool
	retryable bool
	message   string
}{
	ErrInvalidRequest:      {false, false, "The request was malformed. Trying another provider cannot fix it."},
	ErrInvalidAPIKey:       {true, false, "The provider rejected the configured API key. Check the key in your AI settings."},
	ErrRateLimited:         {true, true, "The provider reported a rate or quota limit. Check your plan and billing with the vendor."},
	ErrProviderUnavailable: {true, true, "The provider is currently unreachable or returned a server error."},
	ErrKeyDecryptFailed:    {true, false, "The stored provider credential could not be decrypted. Re-enter the key in your AI settings."},
	ErrStreamTimeout:       {true, true, "The provider stopped sending data mid-response."},
	ErrSoftFailure:         {true, true, "The provider answered with a refusal or error message instead of a usable response."},
	ErrAllProvidersFailed:  {false, false, "All configured AI providers failed."},
	ErrRateLimitExceeded:   {false, true, "You have hit a usage limit. Please wait and try again."},
	ErrNoProviders:         {false, false, "No AI providers are configured. Connect one in your AI settings."},
	ErrRegistryFetch:       {false, true, "Provider configuration is temporarily unavailable."},
}

// ClassifiedError is the typed error shape every component above the provider
// adapters works with. It is the only error type the engine returns.
type ClassifiedError struct {
	Type ErrorType `json:"code"`
	// Fallback reports whether the orchestrator may continue down the
	// candidate list after this error.
	Fallback bool `json:"-"`
	// Retryable reports whether the same call could plausibly succeed later.
	Retryable bool `json:"retryable"`
	// Message is safe to show to an end user.
	Message string `json:"message"`
	// Err is the underlying cause, for logs only.
	Err error `json:"-"`
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassified builds a ClassifiedError of the given type with its default
// traits, wrapping cause (which may be nil).
func NewClassified(t ErrorType, cause error) *ClassifiedError {
	tr := traits[t]
	return &ClassifiedError{
		Type:      t,
		Fallback:  tr.fallback,
		Retryable: tr.retryable,
		Message:   tr.message,
		Err:       cause,
	}
}

// WithMessage overrides the user-facing message and returns the error.
func (e *ClassifiedError) WithMessage(msg string) *ClassifiedError {
	e.Message = msg
	return e
}

// APIError is the closed error shape returned by provider adapters for
// non-2xx upstream responses. Classify maps it onto the taxonomy; adapters
// must not encode retry decisions themselves.
type APIError struct {
	Provider Type
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Message)
}

// Classify maps an arbitrary provider-call error onto the taxonomy. It is the
// single place that decides whether the fallback loop continues.
func Classify(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 400 || apiErr.Status == 404 || apiErr.Status == 422:
			return NewClassified(ErrInvalidRequest, err)
		case apiErr.Status == 401 || apiErr.Status == 403:
			return NewClassified(ErrInvalidAPIKey, err)
		case apiErr.Status == 402 || apiErr.Status == 429:
			return NewClassified(ErrRateLimited, err)
		case apiErr.Status == 408 || apiErr.Status >= 500:
			return NewClassified(ErrProviderUnavailable, err)
		default:
			return NewClassified(ErrProviderUnavailable, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewClassified(ErrProviderUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewClassified(ErrProviderUnavailable, err)
	}

	// Last resort: SDK errors that only surface message text.
	msg := strings.ToLower(err.Error())
	// The decrypt check runs first: GCM failures say "message authentication
	// failed", which the auth keywords would otherwise swallow.
	switch {
	case strings.Contains(msg, "decrypt"):
		return NewClassified(ErrKeyDecryptFailed, err)
	case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "permission denied"):
		return NewClassified(ErrInvalidAPIKey, err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota"):
		return NewClassified(ErrRateLimited, err)
	case strings.Contains(msg, "invalid request") || strings.Contains(msg, "bad request"):
		return NewClassified(ErrInvalidRequest, err)
	default:
		return NewClassified(ErrProviderUnavailable, err)
	}
}

// aggregatePriority orders classifications by how actionable they are for the
// user: a billing or key problem explains more than a generic network error.
var aggregatePriority = []ErrorType{
	ErrInvalidAPIKey,
	ErrRateLimited,
	ErrKeyDecryptFailed,
	ErrSoftFailure,
	ErrStreamTimeout,
	ErrProviderUnavailable,
}

// Aggregate collapses the attempt records of an exhausted fallback run into a
// single ALL_PROVIDERS_FAILED error whose message leads with the most
// actionable underlying cause.
func Aggregate(attempts []AttemptRecord) *ClassifiedError {
	agg := NewClassified(ErrAllProvidersFailed, nil)
	if len(attempts) == 0 {
		return agg
	}

	var lead *AttemptRecord
	for _, want := range aggregatePriority {
		for i := range attempts {
			if attempts[i].Code == want {
				lead = &attempts[i]
				break
			}
		}
		if lead != nil {
			break
		}
	}
	if lead == nil {
		lead = &attempts[len(attempts)-1]
	}

	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Code))
	}
	agg.Message = fmt.Sprintf("All %d configured AI providers failed. %s (%s)",
		len(attempts), traits[lead.Code].message, strings.Join(parts, ", "))
	return agg
}
