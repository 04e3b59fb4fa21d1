// Package ratelimit implements the per-endpoint rate limiter: a
// leaky-bucket-plus-concurrency-cap limiter with a Schedule(options, jobFn)
// contract, optional cluster coordination through internal/kv, and
// auto-recreation on internal error.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexgate/dispatcher/internal/kv"
)

// ErrScheduleExpired is returned when a job could not be dispatched before
// its expiration elapsed.
var ErrScheduleExpired = errors.New("ratelimit: schedule expired")

// ErrCancelled is returned when the caller's context was cancelled before
// the job could be dispatched. It is never retried by the limiter itself —
// retry policy belongs to the executor (C4).
var ErrCancelled = errors.New("ratelimit: cancelled")

// Options configures one Schedule call.
type Options struct {
	// Expiration bounds how long the job may wait to be dispatched.
	Expiration time.Duration
	// ID is an opaque per-job identifier used for observability only
	// (request id plus a per-attempt nonce).
	ID string
}

// Hooks are optional observability callbacks, the Go analog of the
// source's error/failed/debug event emitter.
type Hooks struct {
	OnError  func(err error)
	OnFailed func(reason string, info map[string]any)
	OnDebug  func(msg string)
}

func (h Hooks) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Hooks) failed(reason string, info map[string]any) {
	if h.OnFailed != nil {
		h.OnFailed(reason, info)
	}
}

func (h Hooks) debug(msg string) {
	if h.OnDebug != nil {
		h.OnDebug(msg)
	}
}

// Config describes one limiter's quota. minTime/maxConcurrent/reservoir are
// all derived from RPS.
type Config struct {
	// ID is the stable per-endpoint limiter id (cluster key when
	// clustered).
	ID string
	// RPS is requests per second; derives MinTime=1000/RPS,
	// MaxConcurrent=RPS, Reservoir=RPS refilled every 1000ms.
	RPS int
	// Cluster, if non-nil and connected, coordinates token/in-flight
	// accounting across instances via internal/kv instead of in-memory.
	Cluster *kv.Client
	// CortexID namespaces cluster keys: "{cortexId}-{limiterID}-limiter".
	CortexID string

	Logger *zap.Logger
	Hooks  Hooks
}

// Limiter bounds per-endpoint submission rate and concurrency. Zero value
// is not usable; construct with New.
type Limiter struct {
	cfg           Config
	minTime       time.Duration
	maxConcurrent int
	reservoirCap  int

	mu          sync.Mutex
	cond        *sync.Cond
	tokens      int
	inFlight    int
	lastSubmit  time.Time
	lastRefill  time.Time
	waitQueue   *list.List // of *waitEntry, FIFO order, for debug/observability only
	regenerated int

	cluster *clusterState
}

type waitEntry struct {
	id string
}

// New constructs a Limiter from Config. RPS<=0 is treated as 1 to avoid a
// degenerate always-blocked limiter.
func New(cfg Config) *Limiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	l := &Limiter{
		cfg:           cfg,
		minTime:       time.Duration(1000/rps) * time.Millisecond,
		maxConcurrent: rps,
		reservoirCap:  rps,
		tokens:        rps,
		lastRefill:    time.Now(),
		waitQueue:     list.New(),
	}
	l.cond = sync.NewCond(&l.mu)
	if cfg.Cluster != nil {
		l.cluster = newClusterState(cfg.Cluster, clusterKey(cfg.CortexID, cfg.ID), rps)
	}
	return l
}

func clusterKey(cortexID, limiterID string) string {
	return fmt.Sprintf("%s-%s-limiter", cortexID, limiterID)
}

// JobFunc is the work scheduled through the limiter.
type JobFunc func(ctx context.Context) (any, error)

// Schedule runs jobFn once the limiter's minTime/maxConcurrent/reservoir
// constraints allow it, subject to opts.Expiration. If jobFn itself reports
// an internal limiter error (ErrScheduleExpired is never passed to jobFn;
// this refers to cluster-mode KV failures surfaced via ErrInternal), the
// limiter disconnects and recreates its cluster state, logging the
// regeneration. No job submitted after such an error is retried by the
// limiter — that remains the executor's responsibility.
func (l *Limiter) Schedule(ctx context.Context, opts Options, jobFn JobFunc) (any, error) {
	if opts.Expiration <= 0 {
		opts.Expiration = 30 * time.Second
	}
	deadline := time.Now().Add(opts.Expiration)

	if err := l.acquire(ctx, deadline, opts.ID); err != nil {
		if errors.Is(err, ErrCancelled) {
			l.cfg.Hooks.failed("Cancelled", map[string]any{"id": opts.ID})
		} else {
			l.cfg.Hooks.failed("ScheduleExpired", map[string]any{"id": opts.ID})
		}
		return nil, err
	}
	defer l.release()

	result, err := jobFn(ctx)
	if errors.Is(err, ErrInternal) {
		l.regenerate()
	}
	return result, err
}

// acquire blocks until a token and a concurrency slot are available and
// minTime has elapsed since the last submission, or deadline/ctx fires
// first.
func (l *Limiter) acquire(ctx context.Context, deadline time.Time, id string) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()

	// Background ticker ensures waiters wake even with no other activity
	// (token refill happens on a fixed clock, not on demand).
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				l.mu.Lock()
				l.refillLocked(time.Now())
				l.cond.Broadcast()
				l.mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.waitQueue.PushBack(&waitEntry{id: id})
	defer l.waitQueue.Remove(entry)

	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if time.Now().After(deadline) {
			return ErrScheduleExpired
		}

		now := time.Now()
		l.refillLocked(now)

		ready := l.tokens > 0 && l.inFlight < l.maxConcurrent && now.Sub(l.lastSubmit) >= l.minTime
		if ready {
			if l.cluster != nil && !l.cluster.tryAcquire(ctx) {
				// Cluster reservoir disagrees (another instance consumed
				// it first); fall through and wait for the next tick.
			} else {
				l.tokens--
				l.inFlight++
				l.lastSubmit = now
				return nil
			}
		}

		l.cond.Wait()
	}
}

// refillLocked adds rps tokens every 1000ms, capped at the reservoir.
// Caller holds mu.
func (l *Limiter) refillLocked(now time.Time) {
	if now.Sub(l.lastRefill) < time.Second {
		return
	}
	elapsed := now.Sub(l.lastRefill)
	refills := int(elapsed / time.Second)
	if refills <= 0 {
		return
	}
	l.tokens += refills * l.reservoirCap
	if l.tokens > l.reservoirCap {
		l.tokens = l.reservoirCap
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(refills) * time.Second)
}

func (l *Limiter) release() {
	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	if l.cluster != nil {
		l.cluster.release(context.Background())
	}
	l.cond.Broadcast()
}

// ErrInternal marks a job error as an internal limiter failure (e.g. a
// cluster KV operation failed) rather than an ordinary upstream failure;
// Schedule reacts to it by regenerating cluster state.
var ErrInternal = errors.New("ratelimit: internal error")

// regenerate disconnects and recreates the cluster-coordination state with
// the same options, logging the regeneration. Local token/concurrency
// accounting is untouched — only the cluster coordination layer is reset.
func (l *Limiter) regenerate() {
	l.mu.Lock()
	l.regenerated++
	n := l.regenerated
	l.mu.Unlock()

	if l.cluster != nil {
		l.cluster = newClusterState(l.cfg.Cluster, clusterKey(l.cfg.CortexID, l.cfg.ID), l.reservoirCap)
	}
	if l.cfg.Logger != nil {
		l.cfg.Logger.Warn("ratelimit: regenerated after internal error",
			zap.String("id", l.cfg.ID), zap.Int("count", n))
	}
	l.cfg.Hooks.error(fmt.Errorf("limiter %s regenerated (count=%d)", l.cfg.ID, n))
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Tokens    int
	InFlight  int
	QueueSize int
}

// Snapshot returns the limiter's current state.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Tokens: l.tokens, InFlight: l.inFlight, QueueSize: l.waitQueue.Len()}
}
