package shield

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule bounds request volume for one path prefix. The longest matching
// prefix wins.
type Rule struct {
	Prefix      string
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-prefix rate limiting with fixed windows.
// Buckets live in memory; expired ones are garbage collected by StartGC.
type RateLimiter struct {
	rules   []Rule
	buckets sync.Map
	exclude []string // path prefixes never limited
}

// NewRateLimiter creates a limiter enforcing the given rules. Requests to
// an excluded prefix pass through uncounted.
func NewRateLimiter(rules []Rule, excludePrefixes ...string) *RateLimiter {
	return &RateLimiter{rules: rules, exclude: excludePrefixes}
}

// StartGC starts a background sweep of expired buckets every 5 minutes,
// stopping when done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// match returns the longest-prefix rule covering path, or ok=false.
func (rl *RateLimiter) match(path string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range rl.rules {
		if strings.HasPrefix(path, r.Prefix) && (!found || len(r.Prefix) > len(best.Prefix)) {
			best = r
			found = true
		}
	}
	return best, found
}

func (rl *RateLimiter) allow(ip string, rule Rule) bool {
	key := ip + ":" + rule.Prefix
	now := time.Now()

	val, loaded := rl.buckets.LoadOrStore(key, &bucket{
		count:   1,
		resetAt: now.Add(rule.Window),
	})
	if !loaded {
		return true
	}

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(rule.Window)
		return true
	}
	b.count++
	return b.count <= rule.MaxRequests
}

// Middleware enforces the rules, answering blocked requests with a 429
// JSON body and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		rule, ok := rl.match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ip := ExtractIP(r)
		if rl.allow(ip, rule) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)

		w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window/time.Second)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}
