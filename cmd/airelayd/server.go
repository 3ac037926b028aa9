package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	airelay "github.com/dealflow-labs/ai-relay"
	"github.com/dealflow-labs/ai-relay/internal/logging"
	"github.com/dealflow-labs/ai-relay/internal/ratelimit"
	"github.com/dealflow-labs/ai-relay/internal/registry"
	"github.com/dealflow-labs/ai-relay/providers"
)

// generateRequest is the wire form of a generation call.
type generateRequest struct {
	TenantID    string              `json:"tenant_id"`
	UserID      string              `json:"user_id"`
	Plan        string              `json:"plan"`
	Task        string              `json:"task,omitempty"`
	Preferred   string              `json:"preferred_provider,omitempty"`
	Messages    []providers.Message `json:"messages"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

func (r generateRequest) toEngine() airelay.GenerateRequest {
	return airelay.GenerateRequest{
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		Plan:        r.Plan,
		Task:        providers.TaskCategory(r.Task),
		Preferred:   providers.Type(r.Preferred),
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

func newRouter(engine *airelay.Engine, store *registry.SQLStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/generate", func(w http.ResponseWriter, req *http.Request) {
		var body generateRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
			return
		}
		res, err := engine.Generate(req.Context(), body.toEngine())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": res.Response,
			"degraded": res.Degraded,
			"attempts": res.Attempts,
		})
	})

	r.Post("/v1/generate/stream", func(w http.ResponseWriter, req *http.Request) {
		var body generateRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
			return
		}
		events, err := engine.GenerateStream(req.Context(), body.toEngine())
		if err != nil {
			writeError(w, err)
			return
		}
		writeSSE(w, events)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/providers", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TenantID string `json:"tenant_id"`
				Type     string `json:"type"`
				Model    string `json:"model"`
				APIKey   string `json:"api_key"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
				return
			}
			blob, err := engine.EncryptCredential(body.APIKey)
			if err != nil {
				writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
				return
			}
			created, err := store.Create(req.Context(), providers.TenantProvider{
				TenantID:         body.TenantID,
				Type:             providers.Type(body.Type),
				Model:            body.Model,
				APIKeyCiphertext: blob,
			})
			if err != nil {
				writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
				return
			}
			engine.InvalidateTenant(body.TenantID)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(created)
		})

		r.Delete("/providers/{id}", func(w http.ResponseWriter, req *http.Request) {
			tenant := req.URL.Query().Get("tenant_id")
			if err := store.Delete(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, providers.NewClassified(providers.ErrInvalidRequest, err))
				return
			}
			if tenant != "" {
				engine.InvalidateTenant(tenant)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

// statusFor maps classification codes onto HTTP statuses.
func statusFor(t providers.ErrorType) int {
	switch t {
	case providers.ErrInvalidRequest:
		return http.StatusBadRequest
	case providers.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case providers.ErrNoProviders:
		return http.StatusNotFound
	case providers.ErrRegistryFetch:
		return http.StatusServiceUnavailable
	case providers.ErrAllProvidersFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a classified error as the structured JSON shape clients
// rely on. Admission rejections carry a Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	var rle *ratelimit.Exceeded
	var rateErr *airelay.RateLimitError
	if errors.As(err, &rateErr) {
		rle = rateErr.Exceeded
	}

	ce := &providers.ClassifiedError{}
	if !errors.As(err, &ce) {
		ce = providers.NewClassified(providers.ErrProviderUnavailable, err)
	}

	if rle != nil {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(rle))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(ce.Type))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ce})
}

// writeSSE streams engine events to the client as server-sent events. The
// terminal event is always written before the stream closes.
func writeSSE(w http.ResponseWriter, events <-chan providers.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	for ev := range events {
		data, _ := json.Marshal(ev)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Terminal() {
			break
		}
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
