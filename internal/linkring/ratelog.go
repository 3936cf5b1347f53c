package linkring

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger logs at most once per interval per key and reports how
// many lines it swallowed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	interval   time.Duration
	lastAt     map[string]time.Time
	suppressed map[string]int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		interval:   interval,
		lastAt:     map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.suppressed[key]++
		return false
	}
	l.lastAt[key] = now
	if n := l.suppressed[key]; n > 0 {
		log.Printf(format+" (%d similar suppressed)", append(args, n)...)
		l.suppressed[key] = 0
		return true
	}
	log.Printf(format, args...)
	return true
}
