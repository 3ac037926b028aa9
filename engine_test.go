package airelay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dealflow-labs/ai-relay/internal/credentials"
	"github.com/dealflow-labs/ai-relay/providers"
)

var testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeStore serves a fixed provider list and counts fetches.
type fakeStore struct {
	providers []providers.TenantProvider
	err       error
	fetches   int32
}

func (f *fakeStore) ListByTenant(ctx context.Context, tenantID string) ([]providers.TenantProvider, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.err != nil {
		return nil, f.err
	}
	var out []providers.TenantProvider
	for _, p := range f.providers {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeProvider is a scripted non-streaming provider.
type fakeProvider struct {
	typ   providers.Type
	resp  *providers.Response
	err   error
	calls *int32
}

func (f *fakeProvider) Type() providers.Type { return f.typ }

func (f *fakeProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	atomic.AddInt32(f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakeStreamProvider streams scripted chunks.
type fakeStreamProvider struct {
	fakeProvider
	chunks []providers.StreamChunk
}

func (f *fakeStreamProvider) CompleteStream(ctx context.Context, req providers.Request) (<-chan providers.StreamChunk, error) {
	atomic.AddInt32(f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// fixture wires an Engine over fakes.
type fixture struct {
	engine    *Engine
	store     *fakeStore
	calls     int32
	usage     *countingRecorder
	byID      map[string]providers.Provider
	resolver  *credentials.Resolver
	callCount *int32
}

type countingRecorder struct {
	increments int32
	attempts   int32
}

func (r *countingRecorder) IncrementUsage(ctx context.Context, tenantID string) error {
	atomic.AddInt32(&r.increments, 1)
	return nil
}

func (r *countingRecorder) LogAttempts(ctx context.Context, traceID, tenantID string, attempts []providers.AttemptRecord) error {
	atomic.AddInt32(&r.attempts, int32(len(attempts)))
	return nil
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.MasterKeyHex == "" {
		cfg.MasterKeyHex = testMasterKey
	}

	key, _ := hex.DecodeString(cfg.MasterKeyHex)
	resolver, err := credentials.NewResolver(key)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:    &fakeStore{},
		usage:    &countingRecorder{},
		byID:     make(map[string]providers.Provider),
		resolver: resolver,
	}
	f.callCount = &f.calls

	eng, err := New(cfg, f.store, f.usage, WithProviderFactory(
		func(cfg providers.TenantProvider, credential string) (providers.Provider, error) {
			p, ok := f.byID[cfg.ID]
			if !ok {
				return nil, fmt.Errorf("no fake provider for %s", cfg.ID)
			}
			return p, nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	f.engine = eng
	return f
}

// addProvider registers a tenant provider backed by the given fake.
func (f *fixture) addProvider(t *testing.T, id string, typ providers.Type, model string, p providers.Provider) {
	t.Helper()
	blob, err := f.resolver.Encrypt("sk-test-credential-" + id)
	if err != nil {
		t.Fatal(err)
	}
	f.store.providers = append(f.store.providers, providers.TenantProvider{
		ID:               id,
		TenantID:         "t1",
		Type:             typ,
		Model:            model,
		APIKeyCiphertext: blob,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(f.store.providers)) * time.Hour),
	})
	f.byID[id] = p
}

func okResponse(typ providers.Type, content string) *providers.Response {
	return &providers.Response{Content: content, Provider: typ, Model: "m", FinishReason: "stop"}
}

func baseRequest() GenerateRequest {
	return GenerateRequest{
		TenantID: "t1",
		UserID:   "u1",
		Plan:     "pro",
		Task:     providers.TaskGeneral,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Summarise this deal."}},
	}
}

func classifiedAs(t *testing.T, err error, want providers.ErrorType) *providers.ClassifiedError {
	t.Helper()
	var ce *providers.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not classified", err)
	}
	if ce.Type != want {
		t.Fatalf("classification = %s, want %s", ce.Type, want)
	}
	return ce
}

func TestGenerateSingleProviderSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "Looks strong."), calls: f.callCount})

	res, err := f.engine.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Content != "Looks strong." || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if got := atomic.LoadInt32(&f.usage.increments); got != 1 {
		t.Fatalf("usage increments = %d, want exactly 1", got)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != providers.OutcomeSuccess {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
}

func TestGenerateFallsBackOnHardFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, err: &providers.APIError{Provider: providers.TypeOpenAI, Status: 500, Message: "boom"}, calls: f.callCount})
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022",
		&fakeProvider{typ: providers.TypeAnthropic, resp: okResponse(providers.TypeAnthropic, "Recovered."), calls: f.callCount})

	res, err := f.engine.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != providers.TypeAnthropic {
		t.Fatalf("served by %s, want fallback to anthropic", res.Response.Provider)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if res.Attempts[0].Outcome != providers.OutcomeHardFailure || res.Attempts[0].Code != providers.ErrProviderUnavailable {
		t.Fatalf("first attempt = %+v", res.Attempts[0])
	}
}

func TestGenerateNonRetryableAbortsImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	var secondCalls int32
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, err: &providers.APIError{Provider: providers.TypeOpenAI, Status: 400, Message: "bad request"}, calls: f.callCount})
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022",
		&fakeProvider{typ: providers.TypeAnthropic, resp: okResponse(providers.TypeAnthropic, "never"), calls: &secondCalls})

	_, err := f.engine.Generate(context.Background(), baseRequest())
	classifiedAs(t, err, providers.ErrInvalidRequest)
	if atomic.LoadInt32(&secondCalls) != 0 {
		t.Fatal("a non-retryable failure must not try remaining candidates")
	}
	if atomic.LoadInt32(&f.usage.increments) != 0 {
		t.Fatal("aborted run must not increment usage")
	}
}

func TestGenerateExhaustedAggregatesAndSkipsUsage(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, err: &providers.APIError{Provider: providers.TypeOpenAI, Status: 503, Message: "down"}, calls: f.callCount})
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022",
		&fakeProvider{typ: providers.TypeAnthropic, err: &providers.APIError{Provider: providers.TypeAnthropic, Status: 429, Message: "quota"}, calls: f.callCount})

	_, err := f.engine.Generate(context.Background(), baseRequest())
	ce := classifiedAs(t, err, providers.ErrAllProvidersFailed)
	// The quota problem is more actionable than the outage and must lead.
	if want := "rate or quota limit"; !contains(ce.Message, want) {
		t.Fatalf("aggregate message %q does not lead with %q", ce.Message, want)
	}
	if atomic.LoadInt32(&f.usage.increments) != 0 {
		t.Fatal("exhausted run must not increment usage")
	}
}

func TestGenerateSoftFailureFallsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "I'm sorry, I can't help with that."), calls: f.callCount})
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022",
		&fakeProvider{typ: providers.TypeAnthropic, resp: okResponse(providers.TypeAnthropic, "Here is the analysis."), calls: f.callCount})

	res, err := f.engine.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != providers.TypeAnthropic || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts[0].Outcome != providers.OutcomeSoftFailure {
		t.Fatalf("first attempt = %+v", res.Attempts[0])
	}
}

func TestGenerateLastResortSoftFailureAccepted(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "I'm sorry, I can't help with that."), calls: f.callCount})

	res, err := f.engine.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("last-resort acceptance must be flagged degraded")
	}
	if got := atomic.LoadInt32(&f.usage.increments); got != 1 {
		t.Fatalf("usage increments = %d, want 1 on degraded acceptance", got)
	}
}

func TestGenerateAlwaysErrorPolicyExhaustsOnRefusal(t *testing.T) {
	f := newFixture(t, Config{SoftFailure: SoftFailureConfig{Policy: PolicyAlwaysError}})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "I'm sorry, I can't help with that."), calls: f.callCount})

	_, err := f.engine.Generate(context.Background(), baseRequest())
	classifiedAs(t, err, providers.ErrAllProvidersFailed)
	if atomic.LoadInt32(&f.usage.increments) != 0 {
		t.Fatal("always_error policy must not increment usage on refusal")
	}
}

func TestGenerateDecryptFailureSkipsCandidate(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "never"), calls: f.callCount})
	// Corrupt the stored ciphertext after the fact.
	f.store.providers[0].APIKeyCiphertext = "not-a-valid-blob"
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022",
		&fakeProvider{typ: providers.TypeAnthropic, resp: okResponse(providers.TypeAnthropic, "Served."), calls: f.callCount})

	res, err := f.engine.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != providers.TypeAnthropic {
		t.Fatalf("served by %s", res.Response.Provider)
	}
	if res.Attempts[0].Code != providers.ErrKeyDecryptFailed {
		t.Fatalf("first attempt = %+v", res.Attempts[0])
	}
}

func TestGenerateRateLimitedBeforeAnyProvider(t *testing.T) {
	f := newFixture(t, Config{RateLimits: RateLimitConfig{
		Default: []BucketConfig{{Name: "user-minute", Scope: "user", Limit: 1, WindowSeconds: 60}},
	}})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "ok"), calls: f.callCount})

	if _, err := f.engine.Generate(context.Background(), baseRequest()); err != nil {
		t.Fatal(err)
	}
	calls := atomic.LoadInt32(&f.calls)

	_, err := f.engine.Generate(context.Background(), baseRequest())
	classifiedAs(t, err, providers.ErrRateLimitExceeded)

	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Exceeded.Name != "user-minute" {
		t.Fatalf("error %v does not carry the exceeded bucket", err)
	}
	if atomic.LoadInt32(&f.calls) != calls {
		t.Fatal("rejected request must not contact any provider")
	}
	if atomic.LoadInt32(&f.usage.increments) != 1 {
		t.Fatal("rejected request must not increment usage")
	}
	if atomic.LoadInt32(&f.store.fetches) != 1 {
		t.Fatal("rejected request must not hit the registry")
	}
}

func TestGenerateNoProviders(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Generate(context.Background(), baseRequest())
	classifiedAs(t, err, providers.ErrNoProviders)
}

func TestGenerateRegistryFetchError(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.err = errors.New("connection refused")
	_, err := f.engine.Generate(context.Background(), baseRequest())
	classifiedAs(t, err, providers.ErrRegistryFetch)
}

func TestGenerateInvalidRequestRejectedUpFront(t *testing.T) {
	f := newFixture(t, Config{})
	req := baseRequest()
	req.Messages = nil
	_, err := f.engine.Generate(context.Background(), req)
	classifiedAs(t, err, providers.ErrInvalidRequest)

	req = baseRequest()
	bad := 5.0
	req.Temperature = &bad
	_, err = f.engine.Generate(context.Background(), req)
	classifiedAs(t, err, providers.ErrInvalidRequest)
}

func TestGeneratePreferredProviderTriedFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "openai"), calls: f.callCount})
	f.addProvider(t, "p2", providers.TypeGoogle, "gemini-1.5-flash",
		&fakeProvider{typ: providers.TypeGoogle, resp: okResponse(providers.TypeGoogle, "google"), calls: f.callCount})

	req := baseRequest()
	req.Preferred = providers.TypeGoogle
	res, err := f.engine.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Provider != providers.TypeGoogle {
		t.Fatalf("served by %s, want preferred google despite lower score", res.Response.Provider)
	}
}

func TestGenerateStreamForwardsAndTerminates(t *testing.T) {
	f := newFixture(t, Config{})
	sp := &fakeStreamProvider{
		fakeProvider: fakeProvider{typ: providers.TypeAnthropic, calls: f.callCount},
		chunks: []providers.StreamChunk{
			{Content: "The "}, {Content: "answer."}, {Final: true},
		},
	}
	f.addProvider(t, "p1", providers.TypeAnthropic, "claude-3-5-sonnet-20241022", sp)

	events, err := f.engine.GenerateStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	var contents []string
	var terminal providers.StreamEvent
	for ev := range events {
		if ev.Terminal() {
			terminal = ev
			continue
		}
		contents = append(contents, ev.Content)
	}
	if len(contents) != 2 || contents[0] != "The " || contents[1] != "answer." {
		t.Fatalf("contents = %v", contents)
	}
	if !terminal.Done || terminal.Err != nil || terminal.Provider != providers.TypeAnthropic {
		t.Fatalf("terminal = %+v", terminal)
	}
	if atomic.LoadInt32(&f.usage.increments) != 1 {
		t.Fatal("streamed success must increment usage once")
	}
}

func TestGenerateStreamResetBeforeRetry(t *testing.T) {
	f := newFixture(t, Config{})
	// First provider streams some content, then dies mid-stream.
	failing := &fakeStreamProvider{
		fakeProvider: fakeProvider{typ: providers.TypeOpenAI, calls: f.callCount},
		chunks: []providers.StreamChunk{
			{Content: "partial "},
			{Err: &providers.APIError{Provider: providers.TypeOpenAI, Status: 502, Message: "upstream died"}},
		},
	}
	healthy := &fakeStreamProvider{
		fakeProvider: fakeProvider{typ: providers.TypeAnthropic, calls: f.callCount},
		chunks:       []providers.StreamChunk{{Content: "complete answer"}, {Final: true}},
	}
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o", failing)
	f.addProvider(t, "p2", providers.TypeAnthropic, "claude-3-5-sonnet-20241022", healthy)

	events, err := f.engine.GenerateStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	var seen []string
	for ev := range events {
		switch {
		case ev.Reset:
			seen = append(seen, "RESET")
		case ev.Done:
			seen = append(seen, "DONE")
		case ev.Err != nil:
			seen = append(seen, "ERR")
		default:
			seen = append(seen, ev.Content)
		}
	}
	want := []string{"partial ", "RESET", "complete answer", "DONE"}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestGenerateStreamExhaustionEmitsTerminalError(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeStreamProvider{
			fakeProvider: fakeProvider{typ: providers.TypeOpenAI, err: &providers.APIError{Provider: providers.TypeOpenAI, Status: 500, Message: "down"}, calls: f.callCount},
		})

	events, err := f.engine.GenerateStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	var terminal providers.StreamEvent
	count := 0
	for ev := range events {
		count++
		terminal = ev
	}
	if count != 1 || terminal.Err == nil || terminal.Err.Type != providers.ErrAllProvidersFailed {
		t.Fatalf("events = %d, terminal = %+v", count, terminal)
	}
	if atomic.LoadInt32(&f.usage.increments) != 0 {
		t.Fatal("exhausted stream must not increment usage")
	}
}

func TestGenerateStreamNonStreamingProviderSendsWholeText(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeBedrock, "anthropic.claude-3-5-sonnet-20241022-v2:0",
		&fakeProvider{typ: providers.TypeBedrock, resp: okResponse(providers.TypeBedrock, "full text"), calls: f.callCount})

	events, err := f.engine.GenerateStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	var seen []providers.StreamEvent
	for ev := range events {
		seen = append(seen, ev)
	}
	if len(seen) != 2 || seen[0].Content != "full text" || !seen[1].Done {
		t.Fatalf("events = %+v", seen)
	}
}

func TestGenerateStructured(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "```json\n{\"title\": \"Risk\", \"score\": 40}\n```"), calls: f.callCount})

	doc, res, err := f.engine.GenerateStructured(context.Background(), baseRequest(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc["title"] != "Risk" || res == nil {
		t.Fatalf("doc = %v", doc)
	}
}

func TestGenerateStructuredRejectsPlainText(t *testing.T) {
	f := newFixture(t, Config{})
	f.addProvider(t, "p1", providers.TypeOpenAI, "gpt-4o",
		&fakeProvider{typ: providers.TypeOpenAI, resp: okResponse(providers.TypeOpenAI, "just prose, no payload"), calls: f.callCount})

	_, _, err := f.engine.GenerateStructured(context.Background(), baseRequest(), nil)
	classifiedAs(t, err, providers.ErrSoftFailure)
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
