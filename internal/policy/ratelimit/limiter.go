// Package ratelimit bounds concurrent requests per host with lazily created
// permit pools and an optional per-host request rate.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostPermits caps simultaneous requests to one host. Defaults to 2.
	PerHostPermits int
	// PerHostQPS adds a token bucket per host when > 0.
	PerHostQPS float64
	Burst      int
}

type hostPool struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight int
}

// Limiter manages per-host permit pools.
type Limiter struct {
	mu      sync.Mutex
	hosts   map[string]*hostPool
	permits int64
	qps     rate.Limit
	burst   int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	permits := cfg.PerHostPermits
	if permits <= 0 {
		permits = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts:   make(map[string]*hostPool),
		permits: int64(permits),
		qps:     rate.Limit(cfg.PerHostQPS),
		burst:   burst,
	}
}

func (l *Limiter) pool(host string) *hostPool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.hosts[host]
	if !ok {
		p = &hostPool{sem: semaphore.NewWeighted(l.permits)}
		if l.qps > 0 {
			p.limiter = rate.NewLimiter(l.qps, l.burst)
		}
		l.hosts[host] = p
	}
	return p
}

// Acquire blocks until a permit for the URL's host is free. The returned
// release must be called exactly once when the request finishes.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	host := crawler.HostOf(rawURL)
	p := l.pool(host)

	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire host permit for %s: %w", host, err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			return nil, fmt.Errorf("rate limit wait for %s: %w", host, err)
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}

	l.mu.Lock()
	p.inFlight++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			p.inFlight--
			l.mu.Unlock()
			p.sem.Release(1)
		})
	}, nil
}

// HostStat is the current load on one host.
type HostStat struct {
	Host     string `json:"host"`
	InFlight int    `json:"in_flight"`
}

// Stats returns every host seen so far, sorted by name.
func (l *Limiter) Stats() []HostStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HostStat, 0, len(l.hosts))
	for host, p := range l.hosts {
		out = append(out, HostStat{Host: host, InFlight: p.inFlight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
