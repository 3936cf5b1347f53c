package linkring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubLookuper struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, target, apiKey string) (Report, error)
}

func newStubLookuper(fn func(ctx context.Context, target, apiKey string) (Report, error)) *stubLookuper {
	return &stubLookuper{calls: map[string]int{}, fn: fn}
}

func (s *stubLookuper) Lookup(ctx context.Context, target, apiKey string) (Report, error) {
	s.mu.Lock()
	s.calls[target]++
	s.mu.Unlock()
	return s.fn(ctx, target, apiKey)
}

func (s *stubLookuper) count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[target]
}

type failingCreds struct{ err error }

func (f failingCreds) APIKey(context.Context) (string, error) { return "", f.err }

func newTestCoordinator(t *testing.T, l Lookuper, creds CredentialStore, clock *fakeClock, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c := NewCoordinator(l, creds, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_CacheHitWithinTTL(t *testing.T) {
	f, srv := newFakeService(t)
	clock := newFakeClock()
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), clock)
	ctx := context.Background()

	first := c.Check(ctx, "  https://example.com  ")
	require.Equal(t, StatusOK, first.Status)
	assert.False(t, first.Cached)
	require.NotNil(t, first.Ring)
	assert.Equal(t, VerdictMalicious, first.Ring.Verdict)

	clock.Advance(10 * time.Minute)
	second := c.Check(ctx, "https://example.com")
	require.Equal(t, StatusOK, second.Status)
	assert.True(t, second.Cached)
	assert.Equal(t, *first.Ring, *second.Ring)
	assert.Equal(t, first.AnalysisDate, second.AnalysisDate)

	submits, reports := f.calls()
	assert.Equal(t, 1, submits)
	assert.Equal(t, 1, reports)
}

func TestCoordinator_CacheExpiry(t *testing.T) {
	f, srv := newFakeService(t)
	clock := newFakeClock()
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), clock)
	ctx := context.Background()

	require.Equal(t, StatusOK, c.Check(ctx, "https://example.com").Status)

	clock.Advance(10*time.Minute + time.Second)
	again := c.Check(ctx, "https://example.com")
	require.Equal(t, StatusOK, again.Status)
	assert.False(t, again.Cached)

	submits, reports := f.calls()
	assert.Equal(t, 2, submits)
	assert.Equal(t, 2, reports)

	// The refreshed entry carries the new timestamp.
	clock.Advance(9 * time.Minute)
	assert.True(t, c.Check(ctx, "https://example.com").Cached)
}

func TestCoordinator_InflightDeduplication(t *testing.T) {
	f, srv := newFakeService(t)
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 8)
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), newFakeClock())

	const callers = 5
	results := make([]Outcome, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = c.Check(context.Background(), "https://dup.example")
	}()
	<-f.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Check(context.Background(), "https://dup.example")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	submits, reports := f.calls()
	assert.Equal(t, 1, submits)
	assert.Equal(t, 1, reports)
	for i, out := range results {
		require.Equal(t, StatusOK, out.Status, "caller %d", i)
		assert.Equal(t, *results[0].Ring, *out.Ring, "caller %d", i)
	}
}

func TestCoordinator_DistinctURLsAreNotDeduplicated(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		return reportWithScore(1), nil
	})
	c := newTestCoordinator(t, l, StaticCredentials("k"), newFakeClock())

	c.Check(context.Background(), "https://a.example")
	c.Check(context.Background(), "https://A.example")
	c.Check(context.Background(), "http://a.example")

	assert.Equal(t, 1, l.count("https://a.example"))
	assert.Equal(t, 1, l.count("https://A.example"))
	assert.Equal(t, 1, l.count("http://a.example"))
}

func TestCoordinator_NoKey(t *testing.T) {
	for _, key := range []string{"", "   ", "\t\n"} {
		f, srv := newFakeService(t)
		c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials(key), newFakeClock())

		out := c.Check(context.Background(), "https://example.com")
		assert.Equal(t, StatusNoKey, out.Status)
		assert.Nil(t, out.Ring)

		submits, reports := f.calls()
		assert.Zero(t, submits)
		assert.Zero(t, reports)
		assert.Zero(t, c.cache.Len(), "no_key must not be cached")
	}
}

func TestCoordinator_BadURL(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		t.Fatal("lookup must not run for an empty URL")
		return Report{}, nil
	})
	c := newTestCoordinator(t, l, StaticCredentials("k"), newFakeClock())

	for _, raw := range []string{"", "   ", "\n\t"} {
		out := c.Check(context.Background(), raw)
		assert.Equal(t, Outcome{Status: StatusBadURL}, out)
	}
	assert.Zero(t, c.cache.Len())
}

func TestCoordinator_FailuresAreNotCached(t *testing.T) {
	f, srv := newFakeService(t)
	f.submitStatus = http.StatusTooManyRequests
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), newFakeClock())

	for i := 0; i < 2; i++ {
		out := c.Check(context.Background(), "https://example.com")
		assert.Equal(t, StatusRateLimited, out.Status)
		assert.Equal(t, 429, out.Code)
	}
	submits, reports := f.calls()
	assert.Equal(t, 2, submits)
	assert.Zero(t, reports)
	assert.Zero(t, c.cache.Len())
}

func TestCoordinator_AuthError(t *testing.T) {
	f, srv := newFakeService(t)
	f.submitStatus = http.StatusForbidden
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), newFakeClock())

	out := c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusAuthError, out.Status)
	assert.Equal(t, 403, out.Code)
}

func TestCoordinator_SubmitWithoutID(t *testing.T) {
	f, srv := newFakeService(t)
	f.submitBody = `{"data":{"type":"analysis"}}`
	c := newTestCoordinator(t, NewClient(ClientConfig{BaseURL: srv.URL}), StaticCredentials("k"), newFakeClock())

	out := c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusSubmitError, out.Status)
	assert.Equal(t, 200, out.Code)
	assert.NotNil(t, out.Detail)
}

func TestCoordinator_TransportErrorIsException(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		return Report{}, fmt.Errorf("submit: %w", errors.New("connection refused"))
	})
	c := newTestCoordinator(t, l, StaticCredentials("k"), newFakeClock())

	out := c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusException, out.Status)
	assert.Equal(t, "submit: connection refused", out.Detail)
}

func TestCoordinator_PanicIsExceptionAndReleasesRegistration(t *testing.T) {
	calls := 0
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return reportWithScore(2), nil
	})
	c := newTestCoordinator(t, l, StaticCredentials("k"), newFakeClock())

	out := c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusException, out.Status)
	assert.Equal(t, "boom", out.Detail)

	out = c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, 2, l.count("https://example.com"))
}

func TestCoordinator_CredentialStoreError(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		t.Fatal("lookup must not run without a key")
		return Report{}, nil
	})
	c := newTestCoordinator(t, l, failingCreds{err: errors.New("store closed")}, newFakeClock())

	out := c.Check(context.Background(), "https://example.com")
	assert.Equal(t, StatusException, out.Status)
	assert.Equal(t, "store closed", out.Detail)
}

func TestCoordinator_CallerCancelDoesNotCancelLookup(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	l := newStubLookuper(func(ctx context.Context, _, _ string) (Report, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		return reportWithScore(7), nil
	})
	clock := newFakeClock()
	c := newTestCoordinator(t, l, StaticCredentials("k"), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- c.Check(ctx, "https://slow.example") }()

	<-started
	cancel()
	out := <-done
	assert.Equal(t, StatusException, out.Status)
	assert.Equal(t, context.Canceled.Error(), out.Detail)

	close(release)
	require.Eventually(t, func() bool { return c.cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	out = c.Check(context.Background(), "https://slow.example")
	assert.Equal(t, StatusOK, out.Status)
	assert.True(t, out.Cached)
	assert.Equal(t, 7, out.Ring.Score)
	assert.Equal(t, 1, l.count("https://slow.example"))
}

func TestCoordinator_CapacityEvictionIsFIFO(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		return reportWithScore(1), nil
	})
	clock := newFakeClock()
	c := newTestCoordinator(t, l, StaticCredentials("k"), clock, WithCache(time.Hour, 3))
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		c.Check(ctx, u)
		clock.Advance(time.Second)
	}
	// A hit on u1 does not protect it.
	require.True(t, c.Check(ctx, "u1").Cached)

	c.Check(ctx, "u4")
	assert.Equal(t, 3, c.cache.Len())

	assert.False(t, c.Check(ctx, "u1").Cached, "u1 should have been evicted")
	assert.Equal(t, 2, l.count("u1"))
	// re-inserting u1 evicted u2
	assert.True(t, c.Check(ctx, "u3").Cached)
	assert.True(t, c.Check(ctx, "u4").Cached)
}

func TestCoordinator_StatsSnapshot(t *testing.T) {
	l := newStubLookuper(func(context.Context, string, string) (Report, error) {
		return reportWithScore(1), nil
	})
	c := newTestCoordinator(t, l, StaticCredentials("k"), newFakeClock())
	ctx := context.Background()

	c.Check(ctx, "https://a.example")
	c.Check(ctx, "https://a.example")
	c.Check(ctx, " ")

	ss := c.stats.Snapshot()
	assert.Equal(t, uint64(3), ss.Checks)
	assert.Equal(t, uint64(1), ss.Hits)
	assert.Equal(t, uint64(1), ss.Upstream)
	assert.Equal(t, uint64(2), ss.Statuses[StatusOK])
	assert.Equal(t, uint64(1), ss.Statuses[StatusBadURL])
	assert.Equal(t, "bad_url=1 ok=2", formatStatuses(ss.Statuses))
}
