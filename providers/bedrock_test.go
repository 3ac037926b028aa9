package providers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestBedrockWrapErr_ModeledErrors(t *testing.T) {
	p := &BedrockProvider{base: base{typ: TypeBedrock}}
	tests := []struct {
		code       string
		wantStatus int
		wantType   ErrorType
	}{
		{"AccessDeniedException", 403, ErrInvalidAPIKey},
		{"UnrecognizedClientException", 403, ErrInvalidAPIKey},
		{"ThrottlingException", 429, ErrRateLimited},
		{"ServiceQuotaExceededException", 429, ErrRateLimited},
		{"ValidationException", 400, ErrInvalidRequest},
		{"ResourceNotFoundException", 404, ErrInvalidRequest},
		{"ModelTimeoutException", 408, ErrProviderUnavailable},
		{"ServiceUnavailableException", 503, ErrProviderUnavailable},
	}
	for _, tt := range tests {
		err := p.wrapErr(&smithy.GenericAPIError{Code: tt.code, Message: "denied"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("%s: wrapErr() = %T, want *APIError", tt.code, err)
		}
		if apiErr.Status != tt.wantStatus {
			t.Errorf("%s: Status = %d, want %d", tt.code, apiErr.Status, tt.wantStatus)
		}
		if ce := Classify(err); ce.Type != tt.wantType {
			t.Errorf("%s: classified as %s, want %s", tt.code, ce.Type, tt.wantType)
		}
	}
}

func TestBedrockWrapErr_TransportStatus(t *testing.T) {
	p := &BedrockProvider{base: base{typ: TypeBedrock}}
	err := p.wrapErr(&awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests}},
			Err:      errors.New("operation error Bedrock Runtime: InvokeModel"),
		},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("wrapErr() = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", apiErr.Status)
	}
	if ce := Classify(err); ce.Type != ErrRateLimited {
		t.Errorf("classified as %s, want %s", ce.Type, ErrRateLimited)
	}
}

func TestBedrockWrapErr_UnknownErrorPassesThrough(t *testing.T) {
	p := &BedrockProvider{base: base{typ: TypeBedrock}}
	cause := fmt.Errorf("dial tcp: connection refused")
	err := p.wrapErr(cause)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("unmodeled error should not become an APIError, got status %d", apiErr.Status)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error must preserve the original cause")
	}
}

func TestBedrockBuildBody_RejectsNonAnthropicModel(t *testing.T) {
	p := &BedrockProvider{base: base{typ: TypeBedrock, model: "meta.llama3-8b"}}
	_, _, err := p.buildBody(Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error for non-anthropic model id")
	}
}
