package iface

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const DefaultMaxAttempts = 8

// Backoff bounds the retries of transient backend errors
type Backoff struct {
	// MaxAttempts of 0 means DefaultMaxAttempts, a negative value retries
	// until the context ends. Offline errors never use up attempts.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.MaxAttempts == 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.Multiplier > 1000 {
		b.Multiplier = 1000
	}
	return b
}

// Delay returns the wait before retry number attempt (1 based)
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	delay := float64(b.InitialDelay)
	for i := 1; i < attempt && delay < float64(b.MaxDelay); i++ {
		delay *= b.Multiplier
	}
	d := min(time.Duration(delay), b.MaxDelay)
	if b.Jitter && d >= 4 {
		// up to 25% on top, never past the cap
		d = min(d+rand.N(d/4), b.MaxDelay)
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non transient error, runs
// out of attempts or ctx ends. onRetry is called before each wait.
func Retry(ctx context.Context, b Backoff, fn func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	b = b.normalized()
	counted := 0
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsOffline(err) {
			counted++
		}
		if b.MaxAttempts > 0 && counted >= b.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
