// Package util holds retry pacing for the printer connection loops.
package util

import (
	"context"
	"math/rand"
	"time"
)

// Backoff paces reconnect attempts to one printer. The delay doubles from
// Min up to Max with ±25% jitter. Each loop owns its own.
type Backoff struct {
	Min, Max time.Duration
	attempts int
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Attempts counts delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() { b.attempts = 0 }

// Next returns the jittered delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempts < 32 {
		if base := b.Min << b.attempts; base > 0 && base < b.Max {
			d = base
		}
	}
	b.attempts++
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// Wait sleeps for the next delay. It returns false if ctx ends or stop is
// closed first.
func (b *Backoff) Wait(ctx context.Context, stop <-chan struct{}) bool {
	return Sleep(ctx, b.Next(), stop)
}

// Sleep waits d. It returns false if ctx ends or stop is closed first.
func Sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
