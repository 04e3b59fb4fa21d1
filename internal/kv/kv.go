// Package kv abstracts the shared key-value store used by the cluster
// rate limiter (internal/ratelimit) and the progress bus (internal/bus): a
// single connection with pub/sub and a handful of hash/counter primitives,
// bounded-exponential-backoff reconnection, and a "disabled" fallback state
// when no connection string is configured.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State is the adapter's connection lifecycle state.
type State int32

const (
	// StateDisabled means no connection string was configured; every
	// caller must fall back to local-only behaviour.
	StateDisabled State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType names the lifecycle events callers may observe.
type EventType string

const (
	EventConnect      EventType = "connect"
	EventReady        EventType = "ready"
	EventClose        EventType = "close"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event is delivered to listeners registered via OnEvent.
type Event struct {
	Type EventType
	Err  error
}

// Listener observes adapter lifecycle events. Called synchronously from the
// adapter's connect/monitor goroutine; listeners must not block.
type Listener func(Event)

// Options configures the adapter.
type Options struct {
	// ConnString is a redis:// or rediss:// URL. Empty disables the
	// adapter entirely (C2 falls back to local limiters, C5 to local
	// fan-out).
	ConnString string
	// ConnectTimeout bounds each individual connect attempt. Default 10s.
	ConnectTimeout time.Duration
	// MaxAttempts bounds the initial synchronous connect loop before the
	// adapter flips to "disabled" and continues retrying in the
	// background. Default 10.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	return o
}

// Client is the shared KV/pub-sub adapter. Construct with New and call
// Connect once at startup; it is safe for concurrent use thereafter.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	rdb       *redis.Client
	listeners []Listener

	state   atomic.Int32
	closed  atomic.Bool
	stopped chan struct{}
}

// New constructs an adapter. If opts.ConnString is empty the adapter starts
// (and stays) in StateDisabled and Connect is a no-op.
func New(opts Options, logger *zap.Logger) *Client {
	opts = opts.withDefaults()
	c := &Client{opts: opts, logger: logger, stopped: make(chan struct{})}
	if opts.ConnString == "" {
		c.state.Store(int32(StateDisabled))
	}
	return c
}

// OnEvent registers a lifecycle observer. Not safe to call concurrently with
// Connect.
func (c *Client) OnEvent(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Client) emit(ev Event) {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Connect attempts to establish the connection. If no connection string is
// configured this returns nil immediately (disabled mode). Otherwise it
// retries up to opts.MaxAttempts times with delay(n) = min(100*2^n, 30000)ms,
// then — if still unsuccessful — flips to StateDisabled and returns an
// error, while a background goroutine keeps retrying with the same capped
// backoff indefinitely so the adapter can recover without a restart.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.ConnString == "" {
		return nil
	}
	c.state.Store(int32(StateConnecting))
	c.emit(Event{Type: EventConnect})

	if err := c.tryConnect(ctx, c.opts.MaxAttempts); err != nil {
		c.state.Store(int32(StateDisabled))
		c.emit(Event{Type: EventError, Err: err})
		go c.reconnectLoop()
		return fmt.Errorf("kv: giving up after %d attempts, running disabled: %w", c.opts.MaxAttempts, err)
	}
	return nil
}

// tryConnect performs up to attempts connect+ping cycles, returning the last
// error if none succeed.
func (c *Client) tryConnect(ctx context.Context, attempts int) error {
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(n)):
			}
		}
		if err := c.dial(ctx); err != nil {
			lastErr = err
			c.logger.Warn("kv: connect attempt failed", zap.Int("attempt", n+1), zap.Error(err))
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Client) dial(ctx context.Context) error {
	opts, err := redis.ParseURL(c.opts.ConnString)
	if err != nil {
		return fmt.Errorf("kv: invalid connection string: %w", err)
	}
	rdb := redis.NewClient(opts)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(dialCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("kv: ping failed: %w", err)
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = rdb
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.state.Store(int32(StateReady))
	c.emit(Event{Type: EventReady})
	return nil
}

// reconnectLoop runs forever (until Close) retrying with the capped backoff,
// emitting "reconnecting" before each attempt and "ready" on success.
func (c *Client) reconnectLoop() {
	n := c.opts.MaxAttempts
	for {
		select {
		case <-c.stopped:
			return
		case <-time.After(backoffDelay(n)):
		}
		if c.closed.Load() {
			return
		}
		c.state.Store(int32(StateReconnecting))
		c.emit(Event{Type: EventReconnecting})

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Debug("kv: background reconnect failed", zap.Error(err))
		n++
	}
}

func backoffDelay(attempt int) time.Duration {
	ms := 100 * (1 << uint(min(attempt, 20)))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// Disabled reports whether the adapter is currently unusable and callers
// must degrade to local-only behaviour.
func (c *Client) Disabled() bool {
	return State(c.state.Load()) != StateReady
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Raw returns the underlying redis client, or nil while disabled. Callers
// (ratelimit cluster mode, bus) must check Disabled() first.
func (c *Client) Raw() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// Publish publishes a payload on a channel. Returns an error (never panics)
// if the adapter is disabled.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	rdb := c.Raw()
	if rdb == nil {
		return ErrDisabled
	}
	return rdb.Publish(ctx, channel, payload).Err()
}

// SubscribeRaw subscribes to a channel, returning the underlying go-redis
// subscription for callers that need its native shape.
func (c *Client) SubscribeRaw(ctx context.Context, channel string) (*redis.PubSub, error) {
	rdb := c.Raw()
	if rdb == nil {
		return nil, ErrDisabled
	}
	return rdb.Subscribe(ctx, channel), nil
}

// Subscribe subscribes to a channel and returns a plain string channel of
// message payloads plus an unsubscribe func, the same shape Fake exposes —
// this is the surface internal/bus depends on so it never imports go-redis
// types directly. Returns a closed channel and a no-op unsub if the adapter
// is disabled.
func (c *Client) Subscribe(channel string) (<-chan string, func()) {
	ps, err := c.SubscribeRaw(context.Background(), channel)
	if err != nil {
		closed := make(chan string)
		close(closed)
		return closed, func() {}
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			default:
			}
		}
	}()
	return out, func() { _ = ps.Close() }
}

// ErrDisabled is returned by any operation attempted while the adapter has
// no live connection.
var ErrDisabled = errors.New("kv: adapter disabled")

// Close shuts the adapter down permanently; it will not reconnect.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopped)
	c.state.Store(int32(StateClosed))
	c.emit(Event{Type: EventClose})

	c.mu.Lock()
	rdb := c.rdb
	c.rdb = nil
	c.mu.Unlock()
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
