package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cortexgate/dispatcher/internal/kv"
)

// clusterState coordinates token accounting across instances via the
// shared KV store, using a fixed one-second window counter per limiter key
// (INCR + EXPIRE).
//
// Every instance still runs its own local token bucket in Limiter; the
// cluster layer only adds a second, shared cap on top so N instances
// collectively respect one rate rather than N independent ones. If the KV
// store is disabled or an operation errors, tryAcquire fails open (returns
// true) so the system degrades to local-only limiting rather than stalling
// requests.
type clusterState struct {
	client *kv.Client
	key    string
	rps    int
}

func newClusterState(client *kv.Client, key string, rps int) *clusterState {
	return &clusterState{client: client, key: key, rps: rps}
}

// tryAcquire reports whether the shared reservoir for the current
// one-second window still has room. Fails open on any KV error.
func (c *clusterState) tryAcquire(ctx context.Context) bool {
	if c.client == nil || c.client.Disabled() {
		return true
	}
	rdb := c.client.Raw()
	if rdb == nil {
		return true
	}

	windowKey := fmt.Sprintf("%s:tokens:%d", c.key, time.Now().Unix())
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	n, err := rdb.Incr(ctx, windowKey).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		rdb.Expire(ctx, windowKey, 2*time.Second)
	}
	if n > int64(c.rps) {
		return false
	}
	rdb.Incr(ctx, c.key+":inflight")
	return true
}

// release decrements the shared in-flight counter. Best-effort: errors are
// ignored since the local Limiter already released its own slot and the
// shared in-flight count is advisory (used for cross-instance visibility,
// not as the sole source of truth).
func (c *clusterState) release(ctx context.Context) {
	if c.client == nil || c.client.Disabled() {
		return
	}
	rdb := c.client.Raw()
	if rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	inflightKey := c.key + ":inflight"
	rdb.Decr(ctx, inflightKey)
}
