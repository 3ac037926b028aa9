// Package relay forwards provider stream chunks to a client transport while
// accumulating the full response text. Each read from the upstream is
// guarded by a watchdog timer; a read that does not resolve within the
// window aborts the stream, which covers both a hung upstream and a client
// that vanished without closing its connection. Content fragments are
// forwarded best-effort: when the transport signals backpressure a fragment
// is dropped and logged, never blocked on, because the accumulated text is
// what downstream consumers rely on.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/dealflow-labs/ai-relay/internal/logging"
	"github.com/dealflow-labs/ai-relay/internal/metrics"
	"github.com/dealflow-labs/ai-relay/providers"
)

// DefaultWatchdog is the per-read timeout applied when none is configured.
const DefaultWatchdog = 45 * time.Second

// Sink receives forwarded stream fragments.
type Sink interface {
	// TrySend forwards one event without blocking. It reports false when
	// the transport is over capacity and the event was not delivered.
	TrySend(ev providers.StreamEvent) bool
}

// Relay drains one provider stream. The zero value uses DefaultWatchdog.
type Relay struct {
	Watchdog time.Duration
}

func (r *Relay) watchdog() time.Duration {
	if r.Watchdog <= 0 {
		return DefaultWatchdog
	}
	return r.Watchdog
}

// Run reads chunks until the upstream closes, fails, or trips the watchdog,
// forwarding content fragments to sink and accumulating the full text. The
// accumulated text is returned even on error so the caller can inspect a
// partial response. The chunk channel is always drained before Run returns,
// releasing the producer goroutine and the connection it holds.
func (r *Relay) Run(ctx context.Context, from providers.Type, chunks <-chan providers.StreamChunk, sink Sink) (string, error) {
	var buf strings.Builder
	log := logging.FromContext(ctx)

	defer func() {
		// The producer owns the upstream connection and exits only once
		// its channel is consumed or its context dies. The caller cancels
		// ctx on early return; draining here unblocks any pending send.
		go func() {
			for range chunks {
			}
		}()
	}()

	timer := time.NewTimer(r.watchdog())
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return buf.String(), nil
			}
			if chunk.Err != nil {
				return buf.String(), chunk.Err
			}
			if chunk.Content != "" {
				buf.WriteString(chunk.Content)
				if !sink.TrySend(providers.StreamEvent{Content: chunk.Content, Provider: from}) {
					metrics.DroppedChunks.WithLabelValues(string(from)).Inc()
					log.Debug("dropped stream fragment under backpressure",
						"provider", from, "size", len(chunk.Content))
				}
			}
			if chunk.Final {
				return buf.String(), nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.watchdog())

		case <-timer.C:
			metrics.StreamTimeouts.WithLabelValues(string(from)).Inc()
			log.Warn("stream read exceeded watchdog",
				"provider", from, "watchdog", r.watchdog().String())
			return buf.String(), providers.NewClassified(providers.ErrStreamTimeout, nil)

		case <-ctx.Done():
			return buf.String(), ctx.Err()
		}
	}
}

// ChannelSink adapts a buffered event channel to the Sink contract. Send is
// for events that must not be lost (resets and terminals) and blocks until
// delivered or ctx is done.
type ChannelSink struct {
	C chan providers.StreamEvent
}

// NewChannelSink creates a sink over a channel buffered to capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{C: make(chan providers.StreamEvent, capacity)}
}

// TrySend implements Sink.
func (s *ChannelSink) TrySend(ev providers.StreamEvent) bool {
	select {
	case s.C <- ev:
		return true
	default:
		return false
	}
}

// Send delivers ev, waiting out backpressure. Used for events the protocol
// cannot afford to drop.
func (s *ChannelSink) Send(ctx context.Context, ev providers.StreamEvent) error {
	select {
	case s.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the event channel. Callers close exactly once, after the
// terminal event.
func (s *ChannelSink) Close() {
	close(s.C)
}
