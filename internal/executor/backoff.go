package executor

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryBaseDelay / rateLimitBaseDelay are the two backoff bases: most
// errors back off from 200ms, rate-limit errors (429) from 1s.
const (
	retryBaseDelay     = 200 * time.Millisecond
	rateLimitBaseDelay = 1000 * time.Millisecond
)

// newExponentialBase returns a backoff.ExponentialBackOff producing the
// sequence base*2^i. The library's own RandomizationFactor is symmetric
// (±factor) where we want a one-sided multiplier, base*2^i*(1+0.2*U[0,1)),
// so it's disabled here and jitter applied separately in backoffDelay.
func newExponentialBase(base time.Duration) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// backoffDelay computes the retry delay for attempt i (0-indexed) given the
// error's base delay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	// The first NextBackOff call returns InitialInterval itself, so attempt
	// i needs i+1 calls to land on base*2^i.
	eb := newExponentialBase(base)
	d := eb.InitialInterval
	for n := 0; n <= attempt; n++ {
		next := eb.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	jitter := 1 + 0.2*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// hedgeDelay computes the stagger delay for hedge competitor k:
// dk = max(0, dupAfter*(2^k-1)*(1+0.2*U[0,1))), so k=0 fires immediately,
// k=1 after ~dupAfter, k=2 after ~3*dupAfter.
func hedgeDelay(dupAfter time.Duration, k int) time.Duration {
	if k == 0 {
		return 0
	}
	base := float64(dupAfter) * float64(uint(1)<<uint(k)-1)
	jitter := 1 + 0.2*rand.Float64()
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}
