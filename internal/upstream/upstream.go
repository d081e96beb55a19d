// Package upstream isolates the out-of-scope MTProto client library behind
// a narrow interface. internal/botclient talks to upstream only through
// Client, never through a concrete transport, so the real MTProto
// implementation can be swapped in without touching gateway logic.
package upstream

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Request is a single bot-API method call forwarded to the upstream
// client, decoupled from any particular wire encoding.
type Request struct {
	Method string
	Params map[string]any
}

// Response is the upstream client's reply to a Request.
type Response struct {
	OK          bool
	Result      []byte // raw JSON result, encoding left to the caller
	Description string
	ErrorCode   int
	RetryAfter  int
}

// Update is a single incoming Telegram update delivered by the upstream
// client, destined for a bot's TQueue.
type Update struct {
	ID      int32
	Payload []byte
}

// Client is the boundary contract a real MTProto-backed implementation
// must satisfy. The gateway only ever depends on this interface.
type Client interface {
	// Send issues a bot-API method call and waits for the reply.
	Send(ctx context.Context, req Request) (Response, error)
	// Updates returns a channel of incoming updates for this bot session.
	// The channel is closed when the session ends.
	Updates() <-chan Update
	// Close tears down the session.
	Close() error
}

// Dialer creates a Client for a given bot token, isolating session setup
// (auth, DC discovery) from the rest of the gateway.
type Dialer interface {
	Dial(ctx context.Context, botToken string) (Client, error)
}

// BreakerSettings mirrors the per-host settings internal/webhook uses for
// its gobreaker instances, reused here for the per-upstream-session
// breaker so that a flapping upstream session fails fast instead of
// hanging every caller.
type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultBreakerSettings matches internal/webhook's defaults: five trial
// requests after opening, a one minute rolling interval, a one minute
// open-to-half-open timeout.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 5, Interval: time.Minute, Timeout: time.Minute}
}

// ErrCircuitOpen is returned by BreakingClient.Send while the breaker is
// open, re-exported so callers don't need to import gobreaker directly.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakingClient wraps a Client behind a circuit breaker, so a session
// whose upstream keeps failing stops being hammered by callers.
type BreakingClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[Response]
}

// NewBreakingClient wraps inner with a circuit breaker configured from
// settings.
func NewBreakingClient(inner Client, settings BreakerSettings) *BreakingClient {
	st := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakingClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[Response](st),
	}
}

// Send executes req through the circuit breaker.
func (c *BreakingClient) Send(ctx context.Context, req Request) (Response, error) {
	return c.breaker.Execute(func() (Response, error) {
		return c.inner.Send(ctx, req)
	})
}

// Updates passes through to the wrapped client unbroken; a session loss is
// surfaced by the channel closing, not by a breaker trip.
func (c *BreakingClient) Updates() <-chan Update {
	return c.inner.Updates()
}

// Close tears down the wrapped client.
func (c *BreakingClient) Close() error {
	return c.inner.Close()
}

// breakingDialer wraps a Dialer so every session it dials comes back already
// wrapped in a circuit breaker, so callers never deal with an unwrapped
// Client on the hot path.
type breakingDialer struct {
	inner    Dialer
	settings BreakerSettings
}

// WrapDialer returns a Dialer whose dialed Clients are wrapped in
// NewBreakingClient, configured from settings.
func WrapDialer(inner Dialer, settings BreakerSettings) Dialer {
	return breakingDialer{inner: inner, settings: settings}
}

func (d breakingDialer) Dial(ctx context.Context, botToken string) (Client, error) {
	c, err := d.inner.Dial(ctx, botToken)
	if err != nil {
		return nil, err
	}
	return NewBreakingClient(c, d.settings), nil
}
