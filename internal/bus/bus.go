// Package bus implements the progress bus: encrypted pub/sub of
// request-progress events over a shared KV store, local fan-out to
// in-process subscribers, and a request-registration table that decides
// whether an async request is resolved locally or picked up by whichever
// instance subscribes to it first.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cortexgate/dispatcher/internal/envelope"
)

// Channel names are fixed; every instance must agree on them.
const (
	ChannelRequestProgress              = "requestProgress"
	ChannelRequestProgressSubscriptions = "requestProgressSubscriptions"
)

// Publisher is the narrow publish surface the bus needs from the shared KV
// store.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
	Disabled() bool
}

// Subscriber is the narrow subscribe surface the bus needs; *kv.Client and
// kv.Fake both implement it with the same channel-of-strings shape.
type Subscriber interface {
	Subscribe(channel string) (<-chan string, func())
}

// KV is the union internal/kv.Client and internal/kv.Fake both satisfy.
type KV interface {
	Publisher
	Subscriber
}

// ProgressEvent is the wire and local-fanout shape of one progress update.
type ProgressEvent struct {
	RequestID string         `json:"requestId"`
	Progress  float64        `json:"progress"`
	Info      map[string]any `json:"info,omitempty"`
	Data      any            `json:"data,omitempty"`
}

// Resolver executes an async pathway's work once a registered requestId is
// started, either locally or after being picked up via the shared
// subscription channel. Matches dispatch.AsyncPathway.Resolve's signature.
type Resolver func(ctx context.Context, args any, useRedis bool) error

type registration struct {
	started  bool
	useRedis bool
	resolver Resolver
	args     any
}

// Config configures a Bus. KV may be nil (or report Disabled()) to run in
// local-fan-out-only mode.
type Config struct {
	KV            KV
	EncryptionKey []byte // nil disables envelope encryption
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Bus is the progress bus. Construct with New, call Start once the KV
// adapter (if any) is connected, and Stop on shutdown.
type Bus struct {
	cfg Config

	subMu     sync.RWMutex
	listeners map[int]func(ProgressEvent)
	nextID    int

	regMu    sync.Mutex
	registry map[string]*registration

	unsubProgress      func()
	unsubSubscriptions func()
	wg                 sync.WaitGroup
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	return &Bus{
		cfg:       cfg.withDefaults(),
		listeners: make(map[int]func(ProgressEvent)),
		registry:  make(map[string]*registration),
	}
}

func (b *Bus) sharedMode() bool {
	return b.cfg.KV != nil && !b.cfg.KV.Disabled()
}

// Start subscribes to the two shared channels when a live KV connection is
// configured; in local-only mode it is a no-op.
func (b *Bus) Start(_ context.Context) error {
	if !b.sharedMode() {
		return nil
	}
	progressCh, unsub1 := b.cfg.KV.Subscribe(ChannelRequestProgress)
	b.unsubProgress = unsub1
	b.wg.Add(1)
	go b.consumeProgress(progressCh)

	subsCh, unsub2 := b.cfg.KV.Subscribe(ChannelRequestProgressSubscriptions)
	b.unsubSubscriptions = unsub2
	b.wg.Add(1)
	go b.consumeSubscriptions(subsCh)
	return nil
}

// Stop unsubscribes from the shared channels and waits for the consumer
// goroutines to drain.
func (b *Bus) Stop() {
	if b.unsubProgress != nil {
		b.unsubProgress()
	}
	if b.unsubSubscriptions != nil {
		b.unsubSubscriptions()
	}
	b.wg.Wait()
}

// Subscribe registers a local handler for every progress event fanned out
// in-process (REQUEST_PROGRESS). Returns an unsubscribe func.
func (b *Bus) Subscribe(handler func(ProgressEvent)) func() {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = handler
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.listeners, id)
		b.subMu.Unlock()
	}
}

// Register records a pending async request: the resolver to invoke once
// the request is started, either locally when this instance's
// PublishRequestProgressSubscription names it, or when an announcement
// naming it arrives on the shared subscription channel. Register itself
// starts nothing.
func (b *Bus) Register(requestID string, resolver Resolver, args any) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.registry[requestID] = &registration{resolver: resolver, args: args}
}

// Forget drops a requestId's registration once its resolver has completed,
// so the table doesn't grow unbounded across a long-running process.
func (b *Bus) Forget(requestID string) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	delete(b.registry, requestID)
}

// PublishRequestProgress implements executor.ProgressPublisher: if the
// request is registered with useRedis=true and a live shared publisher is
// configured, publish (optionally encrypted) to the shared channel;
// otherwise fan out locally.
func (b *Bus) PublishRequestProgress(ctx context.Context, requestID string, progress float64, info map[string]any, data any) {
	ev := ProgressEvent{RequestID: requestID, Progress: progress, Info: info, Data: data}

	if b.sharedMode() && b.useRedisFor(requestID) {
		payload, err := json.Marshal(ev)
		if err != nil {
			b.cfg.Logger.Error("bus: marshal progress event", zap.Error(err))
			return
		}
		if b.cfg.EncryptionKey != nil {
			enc, err := envelope.Encrypt(string(payload), b.cfg.EncryptionKey)
			if err != nil {
				b.cfg.Logger.Error("bus: encrypt progress event", zap.Error(err))
				return
			}
			payload = []byte(enc)
		}
		if err := b.cfg.KV.Publish(ctx, ChannelRequestProgress, string(payload)); err != nil {
			b.cfg.Logger.Error("bus: publish progress event", zap.Error(err))
		}
		return
	}

	b.fanOutLocal(ev)
}

func (b *Bus) useRedisFor(requestID string) bool {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	reg, ok := b.registry[requestID]
	return ok && reg.useRedis
}

// PublishRequestProgressSubscription announces interest in a set of
// requestIds: ids this instance owns and has not yet started are started
// locally (useRedis=false); the remainder are announced on the shared
// subscription channel for whichever instance does own them to pick up.
func (b *Bus) PublishRequestProgressSubscription(ctx context.Context, requestIDs []string) {
	var foreign []string
	for _, id := range requestIDs {
		if b.claimLocal(id, false) {
			// The resolver outlives the announcing call (typically an HTTP
			// request whose context dies as soon as the response is
			// written), so it runs against the background context.
			go b.runResolver(context.Background(), id, false)
			continue
		}
		b.regMu.Lock()
		_, known := b.registry[id]
		b.regMu.Unlock()
		if !known {
			foreign = append(foreign, id)
		}
	}

	if len(foreign) == 0 || !b.sharedMode() {
		return
	}
	payload, err := json.Marshal(foreign)
	if err != nil {
		b.cfg.Logger.Error("bus: marshal subscription announcement", zap.Error(err))
		return
	}
	if err := b.cfg.KV.Publish(ctx, ChannelRequestProgressSubscriptions, string(payload)); err != nil {
		b.cfg.Logger.Error("bus: publish subscription announcement", zap.Error(err))
	}
}

// claimLocal marks requestID started with the given useRedis flag if it is
// registered on this instance and not already started. Returns whether the
// claim succeeded, so a given requestId is only ever started once here.
func (b *Bus) claimLocal(requestID string, useRedis bool) bool {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	reg, ok := b.registry[requestID]
	if !ok || reg.started {
		return false
	}
	reg.started = true
	reg.useRedis = useRedis
	return true
}

func (b *Bus) runResolver(ctx context.Context, requestID string, useRedis bool) {
	defer b.Forget(requestID)
	b.regMu.Lock()
	reg, ok := b.registry[requestID]
	b.regMu.Unlock()
	if !ok || reg.resolver == nil {
		return
	}
	if err := reg.resolver(ctx, reg.args, useRedis); err != nil {
		b.cfg.Logger.Error("bus: resolver failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (b *Bus) fanOutLocal(ev ProgressEvent) {
	b.subMu.RLock()
	handlers := make([]func(ProgressEvent), 0, len(b.listeners))
	for _, h := range b.listeners {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.dispatchToHandler(h, ev)
	}
}

// dispatchToHandler calls h with panic recovery: one misbehaving
// subscriber must never take the bus down.
func (b *Bus) dispatchToHandler(h func(ProgressEvent), ev ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error("bus: local subscriber panicked",
				zap.String("request_id", ev.RequestID), zap.Any("panic", r))
		}
	}()
	h(ev)
}

// consumeProgress handles incoming requestProgress messages: decode trying
// plaintext JSON first, then AEAD-decrypt; messages that fail both are
// dropped with an error log and never bring the bus down.
func (b *Bus) consumeProgress(ch <-chan string) {
	defer b.wg.Done()
	for payload := range ch {
		ev, err := b.decodeProgress(payload)
		if err != nil {
			b.cfg.Logger.Error("bus: dropping undecodable progress message", zap.Error(err))
			continue
		}
		b.fanOutLocal(ev)
	}
}

func (b *Bus) decodeProgress(payload string) (ProgressEvent, error) {
	var ev ProgressEvent
	if err := json.Unmarshal([]byte(payload), &ev); err == nil {
		return ev, nil
	}

	plain, err := envelope.Decrypt([]byte(payload), b.cfg.EncryptionKey, b.cfg.Logger)
	if err != nil {
		return ProgressEvent{}, fmt.Errorf("bus: decrypt progress message: %w", err)
	}
	if err := json.Unmarshal(plain, &ev); err != nil {
		return ProgressEvent{}, fmt.Errorf("bus: unmarshal decrypted progress message: %w", err)
	}
	return ev, nil
}

// consumeSubscriptions handles incoming requestProgressSubscriptions
// announcements: any id present in this instance's registration table and
// not yet started is claimed with useRedis=true, so its progress is
// published back through the shared bus for the originator to see.
func (b *Bus) consumeSubscriptions(ch <-chan string) {
	defer b.wg.Done()
	for payload := range ch {
		var ids []string
		if err := json.Unmarshal([]byte(payload), &ids); err != nil {
			b.cfg.Logger.Error("bus: dropping undecodable subscription announcement", zap.Error(err))
			continue
		}
		for _, id := range ids {
			if b.claimLocal(id, true) {
				go b.runResolver(context.Background(), id, true)
			}
		}
	}
}
