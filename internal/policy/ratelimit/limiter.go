// Package ratelimit implements a per-host token bucket that caps request rate on top of the fixed delay.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS applies to every host without an override. Non-positive means unlimited.
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for specific hostnames, e.g. a file CDN.
	HostRPS map[string]float64
}

// Enabled reports whether any bucket can block.
func (c Config) Enabled() bool {
	if c.DefaultRPS > 0 {
		return true
	}
	for _, rps := range c.HostRPS {
		if rps > 0 {
			return true
		}
	}
	return false
}

// Limiter hands out one bucket per hostname, created on first use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	fallback rate.Limit
	perHost  map[string]rate.Limit
	burst    int
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	perHost := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		perHost[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		fallback: toLimit(cfg.DefaultRPS),
		perHost:  perHost,
		burst:    burst,
	}
}

// Wait blocks until the bucket for rawURL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	bucket := l.bucket(host)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Limit returns the rate applied to host.
func (l *Limiter) Limit(host string) rate.Limit {
	return l.bucket(strings.ToLower(host)).Limit()
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[host]; ok {
		return b
	}
	limit, ok := l.perHost[host]
	if !ok {
		limit = l.fallback
	}
	b := rate.NewLimiter(limit, l.burst)
	l.buckets[host] = b
	return b
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
