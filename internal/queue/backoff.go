package queue

import "time"

type Backoff struct {
	Base time.Duration // e.g. 5s
	Max  time.Duration // e.g. 5m
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base: 5 * time.Second,
		Max:  5 * time.Minute,
	}
}

// Delay returns the wait before the next attempt. attempt is the 1-based attempt that just failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}
	if attempt > 30 {
		return b.Max
	}

	// exponential: base * 2^(attempt-1)
	delay := b.Base << (attempt - 1)
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	return delay
}
