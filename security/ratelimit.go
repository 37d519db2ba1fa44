package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultLoginLimiterMaxKeys bounds the number of tracked sessions.
	DefaultLoginLimiterMaxKeys = 10000

	defaultLimiterIdleTimeout     = 30 * time.Minute
	defaultLimiterCleanupInterval = 5 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LoginLimiter throttles login attempts per key (typically provider and
// session) with a token bucket. The least recently used key is evicted once
// maxKeys keys are tracked.
type LoginLimiter struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	limit    rate.Limit
	burst    int
	maxKeys  int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
}

// NewLoginLimiter allows perMinute attempts per key with the given burst.
// A non-positive perMinute disables limiting.
func NewLoginLimiter(perMinute, burst, maxKeys int, logger *slog.Logger) *LoginLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys <= 0 {
		maxKeys = DefaultLoginLimiterMaxKeys
	}
	if burst <= 0 {
		burst = 1
	}

	l := &LoginLimiter{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		limit:   rate.Inf,
		burst:   burst,
		maxKeys: maxKeys,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
	}

	go l.cleanupLoop(defaultLimiterCleanupInterval)

	return l
}

// Allow reports whether another attempt for key may proceed now.
func (l *LoginLimiter) Allow(key string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		l.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(l.entries) >= l.maxKeys {
		l.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(l.limit, l.burst),
		lastAccess: now,
	}
	l.entries[key] = l.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictOldest must be called with l.mu held.
func (l *LoginLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(l.entries, entry.key)
	l.lru.Remove(elem)
	l.evictions++

	l.logger.Debug("Login limiter eviction",
		"total_evictions", l.evictions,
		"current_keys", len(l.entries))
}

func (l *LoginLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(defaultLimiterIdleTimeout)
		case <-l.stop:
			return
		}
	}
}

// Cleanup forgets keys idle for longer than maxIdle and returns how many were removed.
func (l *LoginLimiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for elem := l.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastAccess.After(cutoff) {
			// The list is ordered by access time.
			break
		}
		prev := elem.Prev()
		delete(l.entries, entry.key)
		l.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		l.logger.Debug("Login limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.entries))
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop ends the background cleanup. It is safe to call more than once.
func (l *LoginLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}
