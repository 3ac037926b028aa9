// Package breaker tracks per-provider-configuration health so the fallback
// loop can skip a provider that has been failing consistently instead of
// burning a full attempt (and its latency) on it every request.
//
// State transitions:
//
//	Closed → Open       when consecutive failures ≥ FailureThreshold
//	Open   → HalfOpen   after Cooldown elapses
//	HalfOpen → Closed   when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open     on any failure
package breaker

import (
	"sync"
	"time"

	"github.com/dealflow-labs/ai-relay/internal/metrics"
	"github.com/dealflow-labs/ai-relay/providers"
)

// State is a breaker's current position.
type State int

const (
	// StateClosed, normal operation; attempts pass through.
	StateClosed State = iota
	// StateOpen, the provider is considered down; attempts are skipped.
	StateOpen
	// StateHalfOpen, probing recovery with live traffic.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds. The zero value selects the defaults:
// 5 consecutive failures to open, 1 success to close, 30s cooldown.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// breaker guards one tenant provider configuration.
type breaker struct {
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// Set holds one breaker per tenant provider configuration, keyed by the
// configuration ID so that two tenants sharing a vendor do not share fate.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
	now      func() time.Time
}

// NewSet creates a breaker Set with the given thresholds.
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow reports whether an attempt against the given provider configuration
// should proceed. Open breakers whose cooldown has elapsed move to half-open
// and admit the probe.
func (s *Set) Allow(p providers.TenantProvider) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[p.ID]
	if b == nil {
		return true
	}
	allowed := s.resolve(b) != StateOpen
	s.export(p, b.state)
	return allowed
}

// RecordSuccess notifies the set that an attempt against p succeeded.
func (s *Set) RecordSuccess(p providers.TenantProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[p.ID]
	if b == nil {
		return
	}
	switch s.resolve(b) {
	case StateHalfOpen:
		b.successes++
		if b.successes >= s.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
	s.export(p, b.state)
}

// RecordFailure notifies the set that an attempt against p failed hard.
// Soft failures do not count; the provider answered, just unhelpfully.
func (s *Set) RecordFailure(p providers.TenantProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[p.ID]
	if b == nil {
		b = &breaker{}
		s.breakers[p.ID] = b
	}
	switch s.resolve(b) {
	case StateClosed:
		b.failures++
		if b.failures >= s.cfg.FailureThreshold {
			b.state = StateOpen
			b.openUntil = s.now().Add(s.cfg.Cooldown)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openUntil = s.now().Add(s.cfg.Cooldown)
		b.successes = 0
	}
	s.export(p, b.state)
}

// State returns the current state for a provider configuration.
func (s *Set) State(p providers.TenantProvider) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[p.ID]
	if b == nil {
		return StateClosed
	}
	return s.resolve(b)
}

// resolve must be called with s.mu held.
func (s *Set) resolve(b *breaker) State {
	if b.state == StateOpen && s.now().After(b.openUntil) {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

func (s *Set) export(p providers.TenantProvider, st State) {
	metrics.CircuitBreakerState.WithLabelValues(string(p.Type)).Set(float64(st))
}
