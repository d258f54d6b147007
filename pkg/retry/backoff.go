// Package retry provides exponential backoff for reconnect loops.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff computes delays for successive reconnect attempts.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries bounds consecutive failed attempts; 0 means unlimited.
	MaxRetries int
	// Jitter adds up to 25% on top of each delay.
	Jitter bool
}

// DefaultBackoff returns the reconnect policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

func (b Backoff) normalized() Backoff {
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Multiplier > 1000 {
		b.Multiplier = 1000
	}
	return b
}

// Delay returns the wait before attempt n (n starts at 0), without jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		next := float64(delay) * b.Multiplier
		if next >= float64(b.MaxInterval) {
			return b.MaxInterval
		}
		delay = time.Duration(next)
	}
	return delay
}

// Exhausted reports whether attempt n exceeds MaxRetries.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxRetries > 0 && attempt >= b.MaxRetries
}

// Wait sleeps for the delay of attempt n. It returns false if ctx is done first.
func (b Backoff) Wait(ctx context.Context, attempt int) bool {
	d := b.Delay(attempt)
	if b.Jitter && d >= 4 {
		randMu.Lock()
		d += time.Duration(randSource.Int63n(int64(d / 4)))
		randMu.Unlock()
	}

	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
