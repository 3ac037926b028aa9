// Package airelay routes AI generation requests across a tenant's configured
// providers with ordered fallback, streaming relay, and admission control.
//
// The Engine type is the main entry point: create one with New over a
// registry store and a usage recorder, then serve requests with Generate,
// GenerateStream, or GenerateStructured. Providers are tried one at a time
// in affinity order; failures are classified centrally and either abort the
// request or advance to the next candidate.
package airelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dealflow-labs/ai-relay/internal/breaker"
	"github.com/dealflow-labs/ai-relay/internal/credentials"
	"github.com/dealflow-labs/ai-relay/internal/logging"
	"github.com/dealflow-labs/ai-relay/internal/metrics"
	"github.com/dealflow-labs/ai-relay/internal/ratelimit"
	"github.com/dealflow-labs/ai-relay/internal/registry"
	"github.com/dealflow-labs/ai-relay/internal/relay"
	"github.com/dealflow-labs/ai-relay/internal/selector"
	"github.com/dealflow-labs/ai-relay/internal/softfail"
	"github.com/dealflow-labs/ai-relay/internal/usage"
	"github.com/dealflow-labs/ai-relay/providers"
)

// ProviderFactory builds a live Provider from a tenant configuration and its
// decrypted credential.
type ProviderFactory func(cfg providers.TenantProvider, credential string) (providers.Provider, error)

// Engine orchestrates admission, selection, fallback, and relay for one
// deployment. Safe for concurrent use.
type Engine struct {
	cfg         Config
	cache       *registry.Cache
	resolver    *credentials.Resolver
	selector    *selector.Selector
	limiter     *ratelimit.Limiter
	breakers    *breaker.Set
	detector    *softfail.Detector
	recorder    usage.Recorder
	relay       *relay.Relay
	newProvider ProviderFactory
}

// Option customises Engine construction.
type Option func(*Engine)

// WithProviderFactory replaces the default adapter factory. Tests use this
// to substitute in-memory providers.
func WithProviderFactory(fn ProviderFactory) Option {
	return func(e *Engine) { e.newProvider = fn }
}

// New creates an Engine. store is the tenant provider source of truth;
// recorder receives usage counters and attempt logs (usage.NoopRecorder
// disables persistence).
func New(cfg Config, store registry.Store, recorder usage.Recorder, opts ...Option) (*Engine, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	key, err := cfg.masterKey()
	if err != nil {
		return nil, err
	}
	resolver, err := credentials.NewResolver(key)
	if err != nil {
		return nil, err
	}

	affinity := make(map[providers.TaskCategory]map[providers.Type]int, len(cfg.Selection.Affinity))
	for task, row := range cfg.Selection.Affinity {
		typed := make(map[providers.Type]int, len(row))
		for p, a := range row {
			typed[providers.Type(p)] = a
		}
		affinity[providers.TaskCategory(task)] = typed
	}

	plans, fallback := cfg.planBuckets()
	factory := &providers.Factory{}

	e := &Engine{
		cfg:         cfg,
		cache:       registry.NewCache(store, cfg.cacheCapacity(), cfg.cacheTTL()),
		resolver:    resolver,
		selector:    selector.New(cfg.Selection.Tiers, affinity),
		limiter:     ratelimit.New(plans, fallback),
		breakers:    breaker.NewSet(cfg.breakerConfig()),
		detector:    softfail.New(cfg.SoftFailure.ExtraPatterns...),
		recorder:    recorder,
		relay:       &relay.Relay{Watchdog: cfg.watchdog()},
		newProvider: factory.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// InvalidateTenant drops a tenant's cached provider snapshot. Call after a
// provider is connected or removed so the change is visible immediately.
func (e *Engine) InvalidateTenant(tenantID string) {
	e.cache.Invalidate(tenantID)
}

// EncryptCredential seals a plaintext API key with the engine's master key,
// producing the blob stored in the provider registry.
func (e *Engine) EncryptCredential(plaintext string) (string, error) {
	return e.resolver.Encrypt(plaintext)
}

// GenerateRequest is one inbound generation request.
type GenerateRequest struct {
	TenantID string
	UserID   string
	// Plan is the tenant's subscription tier, used to pick the rate-limit
	// bucket set.
	Plan string
	// Task biases provider selection; empty means TaskGeneral.
	Task providers.TaskCategory
	// Preferred, when set and configured for the tenant, is tried first.
	Preferred   providers.Type
	Messages    []providers.Message
	MaxTokens   *int
	Temperature *float64
}

// Result is a completed generation.
type Result struct {
	Response *providers.Response
	// Degraded marks a refusal accepted from the last candidate because
	// nothing better was available.
	Degraded bool
	Attempts []providers.AttemptRecord
}

// RateLimitError is returned when admission control rejects a request. It
// carries the exceeded bucket so transports can emit a Retry-After header.
type RateLimitError struct {
	*providers.ClassifiedError
	Exceeded *ratelimit.Exceeded
}

func (e *RateLimitError) Unwrap() error { return e.ClassifiedError }

// Generate serves a non-streaming request: admission, provider ordering,
// then the fallback loop. The returned error is always a
// *providers.ClassifiedError (possibly wrapped in *RateLimitError).
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	start := time.Now()
	ctx = logging.WithTenant(ctx, req.TenantID)
	candidates, err := e.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	var attempts []providers.AttemptRecord

	for i, cand := range candidates {
		last := i == len(candidates)-1

		if ce := e.prepare(cand); ce != nil {
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			continue
		}
		p, ce := e.buildProvider(cand)
		if ce != nil {
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout())
		resp, cerr := p.Complete(callCtx, e.providerRequest(cand, req, false))
		cancel()

		if cerr != nil {
			ce := providers.Classify(cerr)
			e.breakers.RecordFailure(cand)
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			log.Warn("provider attempt failed",
				"provider", cand.Type, "model", cand.Model, "code", ce.Type)
			if !ce.Fallback {
				e.logAttempts(ctx, req.TenantID, attempts)
				return nil, ce
			}
			continue
		}

		e.breakers.RecordSuccess(cand)
		if soft, pattern := e.detector.Detect(resp.Content); soft {
			metrics.SoftFailures.WithLabelValues(string(cand.Type)).Inc()
			ce := providers.NewClassified(providers.ErrSoftFailure, nil)
			if pattern != "" {
				ce.Err = fmt.Errorf("matched pattern %q", pattern)
			}
			attempts = append(attempts, e.record(cand, providers.OutcomeSoftFailure, ce))
			if !e.acceptSoft(last) {
				log.Info("soft failure, trying next provider",
					"provider", cand.Type, "pattern", pattern)
				continue
			}
			log.Warn("accepting degraded response from final provider",
				"provider", cand.Type, "pattern", pattern)
			return e.finish(ctx, req, resp, attempts, true, start)
		}

		attempts = append(attempts, e.record(cand, providers.OutcomeSuccess, nil))
		return e.finish(ctx, req, resp, attempts, false, start)
	}

	metrics.ExhaustedTotal.Inc()
	metrics.RequestDuration.WithLabelValues("none").Observe(time.Since(start).Seconds())
	e.logAttempts(ctx, req.TenantID, attempts)
	return nil, providers.Aggregate(attempts)
}

// GenerateStructured runs Generate and extracts a schema-validated JSON
// payload from the response text. Used for derivatives such as chart
// insight objects where free text is not acceptable. A nil schema skips
// validation but still requires a JSON object in the response.
func (e *Engine) GenerateStructured(ctx context.Context, req GenerateRequest, schema *jsonschema.Schema) (map[string]any, *Result, error) {
	res, err := e.Generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	doc, err := relay.ExtractJSON(res.Response.Content, schema)
	if err != nil {
		return nil, res, providers.NewClassified(providers.ErrSoftFailure, err).
			WithMessage("The provider returned text that does not contain the expected structured payload.")
	}
	return doc, res, nil
}

// GenerateStream serves a streaming request. Admission errors are returned
// synchronously; afterwards the returned channel carries content fragments
// and exactly one terminal event (Done or Err) before closing. A Reset
// event tells the client to discard rendered content because a failed
// attempt is being retried on another provider; output from two attempts is
// never interleaved.
func (e *Engine) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan providers.StreamEvent, error) {
	ctx = logging.WithTenant(ctx, req.TenantID)
	candidates, err := e.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	sink := relay.NewChannelSink(e.cfg.eventBuffer())
	go e.runStream(ctx, req, candidates, sink)
	return sink.C, nil
}

// countingSink tracks whether any fragment actually reached the client, so
// the stream loop knows when a retry needs a Reset first.
type countingSink struct {
	inner     *relay.ChannelSink
	delivered int
}

func (s *countingSink) TrySend(ev providers.StreamEvent) bool {
	if s.inner.TrySend(ev) {
		s.delivered++
		return true
	}
	return false
}

func (e *Engine) runStream(ctx context.Context, req GenerateRequest, candidates []providers.TenantProvider, sink *relay.ChannelSink) {
	defer sink.Close()
	start := time.Now()
	log := logging.FromContext(ctx)
	var attempts []providers.AttemptRecord

	terminate := func(ev providers.StreamEvent) {
		_ = sink.Send(ctx, ev)
	}
	succeed := func(cand providers.TenantProvider, degraded bool) {
		e.incrementUsage(ctx, req.TenantID)
		e.logAttempts(ctx, req.TenantID, attempts)
		metrics.RequestDuration.WithLabelValues(string(cand.Type)).Observe(time.Since(start).Seconds())
		terminate(providers.StreamEvent{Done: true, Provider: cand.Type, Degraded: degraded})
	}

	for i, cand := range candidates {
		if ctx.Err() != nil {
			e.logAttempts(ctx, req.TenantID, attempts)
			return
		}
		last := i == len(candidates)-1

		if ce := e.prepare(cand); ce != nil {
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			continue
		}
		p, ce := e.buildProvider(cand)
		if ce != nil {
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			continue
		}

		counting := &countingSink{inner: sink}
		text, streamed, aerr := e.attemptStream(ctx, cand, req, p, counting)

		if aerr != nil {
			if errors.Is(aerr, context.Canceled) && ctx.Err() != nil {
				// Client is gone; nothing left to notify.
				e.logAttempts(ctx, req.TenantID, attempts)
				return
			}
			ce := providers.Classify(aerr)
			e.breakers.RecordFailure(cand)
			attempts = append(attempts, e.record(cand, providers.OutcomeHardFailure, ce))
			log.Warn("stream attempt failed",
				"provider", cand.Type, "model", cand.Model, "code", ce.Type)
			if !ce.Fallback {
				e.logAttempts(ctx, req.TenantID, attempts)
				terminate(providers.StreamEvent{Err: ce})
				return
			}
			e.resetIfNeeded(ctx, counting)
			continue
		}

		e.breakers.RecordSuccess(cand)
		if soft, pattern := e.detector.Detect(text); soft {
			metrics.SoftFailures.WithLabelValues(string(cand.Type)).Inc()
			ce := providers.NewClassified(providers.ErrSoftFailure, nil)
			if pattern != "" {
				ce.Err = fmt.Errorf("matched pattern %q", pattern)
			}
			attempts = append(attempts, e.record(cand, providers.OutcomeSoftFailure, ce))
			if !e.acceptSoft(last) {
				log.Info("soft failure on stream, trying next provider",
					"provider", cand.Type, "pattern", pattern)
				e.resetIfNeeded(ctx, counting)
				continue
			}
			if !streamed {
				_ = sink.Send(ctx, providers.StreamEvent{Content: text, Provider: cand.Type})
			}
			succeed(cand, true)
			return
		}

		attempts = append(attempts, e.record(cand, providers.OutcomeSuccess, nil))
		if !streamed {
			_ = sink.Send(ctx, providers.StreamEvent{Content: text, Provider: cand.Type})
		}
		succeed(cand, false)
		return
	}

	metrics.ExhaustedTotal.Inc()
	metrics.RequestDuration.WithLabelValues("none").Observe(time.Since(start).Seconds())
	e.logAttempts(ctx, req.TenantID, attempts)
	terminate(providers.StreamEvent{Err: providers.Aggregate(attempts)})
}

// attemptStream runs one candidate. streamed reports whether fragments were
// relayed live (a capable provider), as opposed to text held back for the
// post-detection single send.
func (e *Engine) attemptStream(ctx context.Context, cand providers.TenantProvider, req GenerateRequest, p providers.Provider, sink relay.Sink) (text string, streamed bool, err error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if sp, ok := p.(providers.StreamProvider); ok {
		chunks, serr := sp.CompleteStream(attemptCtx, e.providerRequest(cand, req, true))
		if serr != nil {
			return "", true, serr
		}
		text, err = e.relay.Run(attemptCtx, cand.Type, chunks, sink)
		return text, true, err
	}

	callCtx, ccancel := context.WithTimeout(attemptCtx, e.cfg.requestTimeout())
	defer ccancel()
	resp, cerr := p.Complete(callCtx, e.providerRequest(cand, req, false))
	if cerr != nil {
		return "", false, cerr
	}
	return resp.Content, false, nil
}

// resetIfNeeded tells the client to discard partial output from a failed
// attempt before the next candidate starts.
func (e *Engine) resetIfNeeded(ctx context.Context, counting *countingSink) {
	if counting.delivered > 0 {
		_ = counting.inner.Send(ctx, providers.StreamEvent{Reset: true})
	}
}

// admit runs everything that happens before any provider is contacted:
// request validation, rate limiting, registry fetch, and candidate
// ordering. No credential is decrypted and no usage is counted here.
func (e *Engine) admit(ctx context.Context, req GenerateRequest) ([]providers.TenantProvider, error) {
	if req.TenantID == "" {
		return nil, providers.NewClassified(providers.ErrInvalidRequest, errors.New("tenant id is required"))
	}
	if len(req.Messages) == 0 {
		return nil, providers.NewClassified(providers.ErrInvalidRequest, errors.New("at least one message is required"))
	}
	preq := providers.Request{Messages: req.Messages, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if err := preq.Validate(); err != nil {
		return nil, providers.NewClassified(providers.ErrInvalidRequest, err)
	}

	if res := e.limiter.Check(req.UserID, req.TenantID, req.Plan); !res.Allowed {
		metrics.RateLimitRejections.WithLabelValues(res.Exceeded.Name).Inc()
		ce := providers.NewClassified(providers.ErrRateLimitExceeded, nil).
			WithMessage(fmt.Sprintf("You have hit the %s limit (%d per %s). Please wait and try again.",
				res.Exceeded.Name, res.Exceeded.Limit, res.Exceeded.Window))
		return nil, &RateLimitError{ClassifiedError: ce, Exceeded: res.Exceeded}
	}

	snapshot, err := e.cache.Get(ctx, req.TenantID)
	if err != nil {
		return nil, providers.NewClassified(providers.ErrRegistryFetch, err)
	}
	if len(snapshot) == 0 {
		return nil, providers.NewClassified(providers.ErrNoProviders, nil)
	}

	task := req.Task
	if task == "" {
		task = providers.TaskGeneral
	}
	ordered := e.selector.Order(snapshot, task)
	return selector.Promote(ordered, req.Preferred), nil
}

// prepare veto-checks a candidate before its credential is touched.
func (e *Engine) prepare(cand providers.TenantProvider) *providers.ClassifiedError {
	if !e.breakers.Allow(cand) {
		return providers.NewClassified(providers.ErrProviderUnavailable,
			fmt.Errorf("circuit open for %s", cand.Type))
	}
	return nil
}

// buildProvider decrypts the candidate's credential and constructs its
// adapter.
func (e *Engine) buildProvider(cand providers.TenantProvider) (providers.Provider, *providers.ClassifiedError) {
	key, err := e.resolver.Decrypt(cand.APIKeyCiphertext)
	if err != nil {
		return nil, providers.NewClassified(providers.ErrKeyDecryptFailed, err)
	}
	p, err := e.newProvider(cand, key)
	if err != nil {
		return nil, providers.NewClassified(providers.ErrProviderUnavailable, err)
	}
	return p, nil
}

func (e *Engine) providerRequest(cand providers.TenantProvider, req GenerateRequest, stream bool) providers.Request {
	return providers.Request{
		Model:       cand.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (e *Engine) acceptSoft(last bool) bool {
	switch e.cfg.softFailurePolicy() {
	case PolicyAlwaysAccept:
		return true
	case PolicyAlwaysError:
		return false
	default:
		return last
	}
}

// record builds an attempt record and bumps the attempt metric.
func (e *Engine) record(cand providers.TenantProvider, outcome providers.Outcome, ce *providers.ClassifiedError) providers.AttemptRecord {
	rec := providers.AttemptRecord{
		Provider: cand.Type,
		Model:    cand.Model,
		Outcome:  outcome,
		At:       time.Now().UTC(),
	}
	if ce != nil {
		rec.Code = ce.Type
		rec.Detail = providers.TruncateDetail(ce.Error())
	}
	metrics.AttemptsTotal.WithLabelValues(string(cand.Type), string(outcome)).Inc()
	return rec
}

// finish completes a successful non-streaming run: one usage increment,
// attempt log, metrics.
func (e *Engine) finish(ctx context.Context, req GenerateRequest, resp *providers.Response, attempts []providers.AttemptRecord, degraded bool, start time.Time) (*Result, error) {
	e.incrementUsage(ctx, req.TenantID)
	e.logAttempts(ctx, req.TenantID, attempts)
	metrics.RequestDuration.WithLabelValues(string(resp.Provider)).Observe(time.Since(start).Seconds())
	return &Result{Response: resp, Degraded: degraded, Attempts: attempts}, nil
}

func (e *Engine) incrementUsage(ctx context.Context, tenantID string) {
	if err := e.recorder.IncrementUsage(ctx, tenantID); err != nil {
		logging.FromContext(ctx).Error("usage increment failed", "error", err)
	}
}

func (e *Engine) logAttempts(ctx context.Context, tenantID string, attempts []providers.AttemptRecord) {
	if len(attempts) == 0 {
		return
	}
	traceID := logging.TraceIDFromContext(ctx)
	if err := e.recorder.LogAttempts(context.WithoutCancel(ctx), traceID, tenantID, attempts); err != nil {
		logging.FromContext(ctx).Error("attempt log write failed", "error", err)
	}
}
