package kv

import (
	"context"
	"sync"
)

// Fake is an in-memory stand-in for the shared KV store's pub/sub and
// counter primitives, used in unit tests in place of a real Redis
// connection. It covers the pub/sub surface internal/bus needs plus a
// few named counters.
type Fake struct {
	mu          sync.Mutex
	subscribers map[string][]chan string
	counters    map[string]int64
	closed      bool
}

// NewFake constructs an empty fake adapter.
func NewFake() *Fake {
	return &Fake{
		subscribers: make(map[string][]chan string),
		counters:    make(map[string]int64),
	}
}

// Publish delivers payload to every current subscriber of channel.
func (f *Fake) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDisabled
	}
	for _, ch := range f.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel from now on.
// Call the returned unsubscribe func to stop receiving; it closes the
// channel so a consumer ranging over it terminates.
func (f *Fake) Subscribe(channel string) (<-chan string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, 16)
	f.subscribers[channel] = append(f.subscribers[channel], ch)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			subs := f.subscribers[channel]
			for i, c := range subs {
				if c == ch {
					f.subscribers[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// IncrBy adjusts a named counter and returns the new value.
func (f *Fake) IncrBy(key string, delta int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key] += delta
	return f.counters[key]
}

// Get returns the current value of a counter.
func (f *Fake) Get(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[key]
}

// Set overwrites a counter's value.
func (f *Fake) Set(key string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key] = v
}

// Disabled reports whether the fake has been closed, mirroring
// Client.Disabled so both satisfy the bus's KV interface.
func (f *Fake) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close marks the fake closed; subsequent Publish calls fail.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, subs := range f.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	f.subscribers = map[string][]chan string{}
}
