package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a minimum delay between outbound requests per provider,
// independent of retry logic. When a shared TokenBucket is configured it is
// consulted as well, so multiple ingesters can split one provider quota.
type Pacer struct {
	mu    sync.Mutex
	last  map[string]time.Time
	delay time.Duration

	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewPacer builds a pacer with the given default inter-request delay.
func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{
		last:  make(map[string]time.Time),
		delay: delay,
	}
}

// WithBucket attaches a shared token bucket checked after the local delay.
func (p *Pacer) WithBucket(bucket *TokenBucket, rate float64, burst int) *Pacer {
	p.bucket = bucket
	p.rate = rate
	p.burst = burst
	return p
}

// Wait blocks until the provider may issue its next request. delay overrides
// the pacer default when positive.
func (p *Pacer) Wait(ctx context.Context, provider string, delay time.Duration) error {
	if delay <= 0 {
		delay = p.delay
	}

	for {
		p.mu.Lock()
		now := time.Now()
		next := p.last[provider].Add(delay)
		if !now.Before(next) {
			p.last[provider] = now
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}
	}

	if p.bucket == nil {
		return nil
	}
	for {
		res, err := p.bucket.Allow(ctx, "provider:"+provider, p.rate, p.burst)
		if err != nil {
			// Shared bucket unavailable; the local delay already paced us.
			return nil
		}
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = delay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
