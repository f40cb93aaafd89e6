// Package ratelimit paces requests against a remote portal.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/court-crawler/internal/metrics"
)

// DefaultInterval is the minimum spacing between portal requests.
const DefaultInterval = time.Second

// Pacer enforces a fixed minimum interval between consecutive requests.
type Pacer struct {
	name    string
	limiter *rate.Limiter
}

// NewPacer builds a Pacer. A non-positive interval disables pacing.
func NewPacer(name string, interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		name:    name,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until the next request may be sent, respecting the context.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(p.name, waited)
	}
	return nil
}
