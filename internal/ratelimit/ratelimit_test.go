package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{PerMinute: 60, Burst: 5})
	defer limiter.Stop()

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		if !limiter.AllowAt("user-1", now) {
			t.Errorf("message %d should be allowed (within burst)", i)
		}
	}
	if limiter.AllowAt("user-1", now) {
		t.Error("message after burst should be denied")
	}

	// 60/min refills one token per second.
	if !limiter.AllowAt("user-1", now.Add(time.Second)) {
		t.Error("message after refill should be allowed")
	}
}

func TestLimiterMultipleUsers(t *testing.T) {
	limiter := New(Config{PerMinute: 60, Burst: 3})
	defer limiter.Stop()

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		limiter.AllowAt("a", now)
	}
	if limiter.AllowAt("a", now) {
		t.Error("user a should be limited")
	}
	if !limiter.AllowAt("b", now) {
		t.Error("user b should be unaffected")
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter := New(Config{PerMinute: 0, Burst: 1})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("user") {
			t.Fatal("zero rate should disable limiting")
		}
	}
	if limiter.Len() != 0 {
		t.Error("disabled limiter should not track keys")
	}
}

func TestLimiterSweep(t *testing.T) {
	limiter := New(Config{PerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	defer limiter.Stop()

	now := time.Unix(1_700_000_000, 0)
	limiter.AllowAt("old", now)
	limiter.AllowAt("fresh", now.Add(2*time.Minute))

	limiter.sweep(now.Add(2 * time.Minute))
	if limiter.Len() != 1 {
		t.Fatalf("expected 1 key after sweep, got %d", limiter.Len())
	}
	limiter.Stop() // idempotent
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{PerMinute: 1, Burst: 1})
	defer limiter.Stop()

	r := gin.New()
	r.POST("/v1/users/:user/messages", limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	send := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/users/"+user+"/messages", nil)
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusNoContent {
		t.Fatalf("first message: %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("second message: %d", code)
	}
	if code := send("bob"); code != http.StatusNoContent {
		t.Fatalf("other user: %d", code)
	}
}
