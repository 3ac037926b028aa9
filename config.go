package airelay

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dealflow-labs/ai-relay/internal/breaker"
	"github.com/dealflow-labs/ai-relay/internal/ratelimit"
	"github.com/dealflow-labs/ai-relay/internal/relay"
)

// SoftFailurePolicy controls what happens when the last remaining candidate
// returns a refusal instead of an answer.
type SoftFailurePolicy string

// Soft-failure policies.
const (
	// PolicyAcceptLast accepts a refusal from the final candidate rather
	// than exhausting, flagging the response as degraded.
	PolicyAcceptLast SoftFailurePolicy = "accept_last"
	// PolicyAlwaysError treats a refusal as a failure even on the final
	// candidate.
	PolicyAlwaysError SoftFailurePolicy = "always_error"
	// PolicyAlwaysAccept never retries on refusals.
	PolicyAlwaysAccept SoftFailurePolicy = "always_accept"
)

// Config holds the engine configuration.
type Config struct {
	// MasterKeyHex is the hex-encoded 32-byte credential master key.
	MasterKeyHex string `json:"master_key_hex" yaml:"master_key_hex"`

	// ProviderCacheTTLSeconds bounds staleness of tenant provider
	// snapshots. Default 60.
	ProviderCacheTTLSeconds int `json:"provider_cache_ttl_seconds,omitempty" yaml:"provider_cache_ttl_seconds,omitempty"`
	// ProviderCacheCapacity bounds the number of cached tenant snapshots.
	// Default 1024.
	ProviderCacheCapacity int `json:"provider_cache_capacity,omitempty" yaml:"provider_cache_capacity,omitempty"`

	// StreamWatchdogSeconds is the per-read timeout on provider streams.
	// Default 45.
	StreamWatchdogSeconds int `json:"stream_watchdog_seconds,omitempty" yaml:"stream_watchdog_seconds,omitempty"`
	// RequestTimeoutSeconds bounds one non-streaming provider call.
	// Default 120.
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty" yaml:"request_timeout_seconds,omitempty"`
	// EventBuffer is the outward stream channel capacity; fragments beyond
	// it are dropped under backpressure. Default 64.
	EventBuffer int `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty"`

	SoftFailure SoftFailureConfig `json:"soft_failure,omitempty" yaml:"soft_failure,omitempty"`
	Selection   SelectionConfig   `json:"selection,omitempty" yaml:"selection,omitempty"`
	RateLimits  RateLimitConfig   `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
	Breaker     BreakerConfig     `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// SoftFailureConfig tunes refusal detection.
type SoftFailureConfig struct {
	// Policy defaults to accept_last.
	Policy SoftFailurePolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	// ExtraPatterns are added to the built-in refusal patterns.
	ExtraPatterns []string `json:"extra_patterns,omitempty" yaml:"extra_patterns,omitempty"`
}

// SelectionConfig overrides the built-in tier table and affinity matrix.
// Keys merge over the defaults.
type SelectionConfig struct {
	Tiers    map[string]int            `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Affinity map[string]map[string]int `json:"affinity,omitempty" yaml:"affinity,omitempty"`
}

// BucketConfig is one admission-control bucket in file form.
type BucketConfig struct {
	Name          string `json:"name" yaml:"name"`
	Scope         string `json:"scope" yaml:"scope"` // "user" or "org"
	Limit         int    `json:"limit" yaml:"limit"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
}

// RateLimitConfig maps subscription plans to bucket sets.
type RateLimitConfig struct {
	Plans   map[string][]BucketConfig `json:"plans,omitempty" yaml:"plans,omitempty"`
	Default []BucketConfig            `json:"default,omitempty" yaml:"default,omitempty"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	CooldownSeconds  int `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
}

// Defaults applied by Engine construction.
const (
	defaultCacheTTL       = 60 * time.Second
	defaultCacheCapacity  = 1024
	defaultRequestTimeout = 120 * time.Second
	defaultEventBuffer    = 64
)

func (c Config) cacheTTL() time.Duration {
	if c.ProviderCacheTTLSeconds > 0 {
		return time.Duration(c.ProviderCacheTTLSeconds) * time.Second
	}
	return defaultCacheTTL
}

func (c Config) cacheCapacity() int {
	if c.ProviderCacheCapacity > 0 {
		return c.ProviderCacheCapacity
	}
	return defaultCacheCapacity
}

func (c Config) watchdog() time.Duration {
	if c.StreamWatchdogSeconds > 0 {
		return time.Duration(c.StreamWatchdogSeconds) * time.Second
	}
	return relay.DefaultWatchdog
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeoutSeconds > 0 {
		return time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	return defaultRequestTimeout
}

func (c Config) eventBuffer() int {
	if c.EventBuffer > 0 {
		return c.EventBuffer
	}
	return defaultEventBuffer
}

func (c Config) softFailurePolicy() SoftFailurePolicy {
	if c.SoftFailure.Policy == "" {
		return PolicyAcceptLast
	}
	return c.SoftFailure.Policy
}

func (c Config) masterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return key, nil
}

func (c Config) breakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
	}
}

func bucketsFromConfig(in []BucketConfig) []ratelimit.Bucket {
	out := make([]ratelimit.Bucket, 0, len(in))
	for _, b := range in {
		out = append(out, ratelimit.Bucket{
			Name:   b.Name,
			Scope:  ratelimit.Scope(b.Scope),
			Limit:  b.Limit,
			Window: time.Duration(b.WindowSeconds) * time.Second,
		})
	}
	return out
}

func (c Config) planBuckets() (map[string][]ratelimit.Bucket, []ratelimit.Bucket) {
	plans := make(map[string][]ratelimit.Bucket, len(c.RateLimits.Plans))
	for plan, bs := range c.RateLimits.Plans {
		plans[plan] = bucketsFromConfig(bs)
	}
	return plans, bucketsFromConfig(c.RateLimits.Default)
}
