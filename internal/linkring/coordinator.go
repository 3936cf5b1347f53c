package linkring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Coordinator is the single entry point for reputation checks. It serves
// repeats from the result cache and guarantees at most one live upstream
// lookup per URL.
type Coordinator struct {
	lookup Lookuper
	creds  CredentialStore

	cache    *resultCache
	inflight singleflight.Group
	now      func() time.Time

	stats      *statsCollector
	statsEvery time.Duration
	upstream   *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithCache(ttl time.Duration, max int) Option {
	return func(c *Coordinator) { c.cache = newResultCache(ttl, max) }
}

// WithStatsEvery enables a periodic stats log line.
func WithStatsEvery(d time.Duration) Option {
	return func(c *Coordinator) { c.statsEvery = d }
}

func NewCoordinator(lookup Lookuper, creds CredentialStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		lookup:   lookup,
		creds:    creds,
		cache:    newResultCache(DefaultCacheTTL, DefaultCacheMax),
		now:      time.Now,
		stats:    newStatsCollector(),
		upstream: newRateLimitedLogger(1 * time.Minute),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.statsEvery > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.statsLoop(c.statsEvery)
		}()
	}
	return c
}

// Close stops the stats loop. Lookups already in flight still run to completion.
func (c *Coordinator) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// Check resolves rawURL to an Outcome. It never panics and never returns an
// error: every failure comes back as a tagged status.
func (c *Coordinator) Check(ctx context.Context, rawURL string) Outcome {
	out := c.check(ctx, rawURL)
	c.stats.ObserveStatus(out.Status)
	return out
}

func (c *Coordinator) check(ctx context.Context, rawURL string) Outcome {
	c.stats.checks.Add(1)
	now := c.now()
	c.cache.Prune(now)

	target := strings.TrimSpace(rawURL)
	if target == "" {
		return Outcome{Status: StatusBadURL}
	}

	if rep, ok := c.cache.Get(target, now); ok {
		c.stats.hits.Add(1)
		return okOutcome(rep, true)
	}

	// The lookup outlives any single caller; only this caller stops waiting.
	detached := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(target, func() (any, error) {
		return c.resolve(detached, target), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.stats.shared.Add(1)
		}
		out, ok := res.Val.(Outcome)
		if !ok {
			return Outcome{Status: StatusException, Detail: "lookup produced no outcome"}
		}
		return out
	case <-ctx.Done():
		return Outcome{Status: StatusException, Detail: ctx.Err().Error()}
	}
}

// resolve runs once per in-flight registration. singleflight drops the
// registration as soon as it returns, whatever the path.
func (c *Coordinator) resolve(ctx context.Context, target string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("linkring: lookup %q panicked: %v", target, r)
			out = Outcome{Status: StatusException, Detail: fmt.Sprint(r)}
		}
	}()

	// A computation for target may have settled between our cache miss and
	// registering this one.
	if rep, ok := c.cache.Get(target, c.now()); ok {
		c.stats.hits.Add(1)
		return okOutcome(rep, true)
	}

	key, err := c.creds.APIKey(ctx)
	if err != nil {
		log.Printf("linkring: read api key: %v", err)
		return Outcome{Status: StatusException, Detail: err.Error()}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Outcome{Status: StatusNoKey}
	}

	start := time.Now()
	rep, err := c.lookup.Lookup(ctx, target, key)
	c.stats.ObserveUpstream(time.Since(start))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			c.logFailure(target, se)
			return se.outcome()
		}
		log.Printf("linkring: lookup %q: %v", target, err)
		return Outcome{Status: StatusException, Detail: err.Error()}
	}

	c.cache.Put(target, rep, c.now())
	return okOutcome(rep, false)
}

func (c *Coordinator) logFailure(target string, se *StatusError) {
	switch se.Status {
	case StatusRateLimited, StatusAuthError:
		c.upstream.Printf(string(se.Status), "linkring: upstream %s for %q", se, target)
	default:
		log.Printf("linkring: upstream %s for %q", se, target)
	}
}

func (c *Coordinator) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ss := c.stats.Snapshot()
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			log.Printf(
				"Checks: %d, hits: %d, upstream: %d, shared: %d, cached: %d, upstream min/avg/max %s/%s/%s, statuses: %s, RSS: %s",
				ss.Checks,
				ss.Hits,
				ss.Upstream,
				ss.Shared,
				c.cache.Len(),
				ss.MinUpstream.Round(time.Millisecond),
				ss.AvgUpstream.Round(time.Millisecond),
				ss.MaxUpstream.Round(time.Millisecond),
				formatStatuses(ss.Statuses),
				rss,
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
