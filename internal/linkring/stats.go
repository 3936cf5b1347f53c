package linkring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	checks   atomic.Uint64
	hits     atomic.Uint64
	upstream atomic.Uint64
	shared   atomic.Uint64

	totalUpstreamNanos atomic.Uint64
	minUpstreamNanos   atomic.Uint64
	maxUpstreamNanos   atomic.Uint64

	mu       sync.Mutex
	statuses map[Status]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{statuses: map[Status]uint64{}}
	s.minUpstreamNanos.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveStatus(st Status) {
	s.mu.Lock()
	s.statuses[st]++
	s.mu.Unlock()
}

// ObserveUpstream records the duration of one submit+report round.
func (s *statsCollector) ObserveUpstream(d time.Duration) {
	if d < 0 {
		d = 0
	}
	n := uint64(d)

	s.upstream.Add(1)
	s.totalUpstreamNanos.Add(n)

	for {
		cur := s.minUpstreamNanos.Load()
		if n >= cur {
			break
		}
		if s.minUpstreamNanos.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxUpstreamNanos.Load()
		if n <= cur {
			break
		}
		if s.maxUpstreamNanos.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Checks   uint64
	Hits     uint64
	Upstream uint64
	Shared   uint64
	Statuses map[Status]uint64

	MinUpstream time.Duration
	AvgUpstream time.Duration
	MaxUpstream time.Duration
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Checks:   s.checks.Load(),
		Hits:     s.hits.Load(),
		Upstream: s.upstream.Load(),
		Shared:   s.shared.Load(),
		Statuses: map[Status]uint64{},
	}
	s.mu.Lock()
	for k, v := range s.statuses {
		out.Statuses[k] = v
	}
	s.mu.Unlock()

	if out.Upstream == 0 {
		return out
	}
	minv := s.minUpstreamNanos.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinUpstream = time.Duration(minv)
	out.MaxUpstream = time.Duration(s.maxUpstreamNanos.Load())
	out.AvgUpstream = time.Duration(s.totalUpstreamNanos.Load() / out.Upstream)
	return out
}

func formatStatuses(m map[Status]uint64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%d", k, m[Status(k)])
	}
	return b.String()
}
