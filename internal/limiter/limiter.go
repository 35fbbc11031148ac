package limiter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itstheanurag/sandboxd/internal/config"
	"github.com/itstheanurag/sandboxd/internal/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter admits a request only if the global rate, the client's own
// rate and the concurrency cap all allow it. Every run holds a live
// container, so the concurrency cap is what protects the host.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	clientRate    rate.Limit
	clientBurst   int
	maxConcurrent int

	mu          sync.Mutex
	clients     map[string]*client
	currentConc int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(conf config.RateLimitConfig) *RateLimiter {
	burst := int(conf.GlobalRPS) * 2
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(conf.GlobalRPS), burst),
		clientRate:    rate.Limit(conf.PerClientRPS),
		clientBurst:   conf.PerClientBurst,
		maxConcurrent: conf.MaxConcurrent,
		clients:       make(map[string]*client),
	}
}

// Allow reserves a slot for ip. A true result must be paired with Done.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.clientRate, rl.clientBurst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()

	if !c.limiter.Allow() || rl.currentConc >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.currentConc++
	return true
}

func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.currentConc > 0 {
		rl.currentConc--
	}
	rl.mu.Unlock()
}

func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		defer rl.Done()

		next(w, r)
	}
}

// StartCleanup forgets clients idle for longer than interval until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.evict(now.Add(-interval))
			}
		}
	}()
}

func (rl *RateLimiter) evict(before time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(before) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// clientIP uses the first X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
