package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	var buf bytes.Buffer
	Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	return &buf
}

func TestFromContextEnrichment(t *testing.T) {
	buf := captureLogger(t)

	ctx := WithTenant(WithTraceID(context.Background(), "trace-42"), "tenant-7")
	FromContext(ctx).Info("attempt started")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-42"`) {
		t.Errorf("log line missing trace_id: %s", out)
	}
	if !strings.Contains(out, `"tenant_id":"tenant-7"`) {
		t.Errorf("log line missing tenant_id: %s", out)
	}
}

func TestFromContextBareContext(t *testing.T) {
	buf := captureLogger(t)

	FromContext(context.Background()).Info("startup")

	out := buf.String()
	if strings.Contains(out, "trace_id") || strings.Contains(out, "tenant_id") {
		t.Errorf("bare context should add no request fields: %s", out)
	}
}

func TestMiddlewareAssignsAndEchoesTraceID(t *testing.T) {
	var seen string
	handler := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("no trace ID injected into request context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(rec, req)
	if seen != "client-supplied" {
		t.Errorf("trace ID = %q, want the incoming header reused", seen)
	}
}
