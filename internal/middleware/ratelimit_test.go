package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRateLimitRouter(handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(IPRateLimitMiddleware(nil, 10))
	r.POST("/v1/keys", handler)
	return r
}

func TestIPRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	r := newRateLimitRouter(func(c *gin.Context) {
		called = true
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if !called {
		t.Error("handler was not reached with throttling disabled")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("rate limit headers set while throttling is disabled")
	}
}

func TestIPRateLimitMiddleware_ZeroLimitPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(IPRateLimitMiddleware(nil, 0))
	r.GET("/v1/connect", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/connect", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
