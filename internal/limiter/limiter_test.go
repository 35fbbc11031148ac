package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/itstheanurag/sandboxd/internal/config"
	"github.com/stretchr/testify/assert"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:        true,
		GlobalRPS:      1000,
		PerClientRPS:   1000,
		PerClientBurst: 1000,
		MaxConcurrent:  2,
	}
}

func TestAllowCapsConcurrency(t *testing.T) {
	rl := NewRateLimiter(testConfig())

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow("c"), "third concurrent run must be rejected")

	rl.Done()
	assert.True(t, rl.Allow("c"))
}

func TestAllowPerClientBurst(t *testing.T) {
	conf := testConfig()
	conf.PerClientRPS = 0.001
	conf.PerClientBurst = 1
	conf.MaxConcurrent = 100
	rl := NewRateLimiter(conf)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "other clients keep their own budget")
}

func TestDoneNeverGoesNegative(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	rl.Done()
	rl.Done()
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestEvictDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(testConfig())
	rl.Allow("old")
	rl.Done()

	assert.Equal(t, 0, rl.evict(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, rl.evict(time.Now().Add(time.Second)))
	assert.Empty(t, rl.clients)
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	conf := testConfig()
	conf.MaxConcurrent = 1
	rl := NewRateLimiter(conf)

	block := make(chan struct{})
	entered := make(chan struct{})
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-block
	})

	go h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/execute", nil))
	<-entered

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/execute", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
	close(block)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
