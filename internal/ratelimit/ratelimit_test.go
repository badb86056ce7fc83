package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRequestsWithinBurstAreAllowed(t *testing.T) {
	limiter := NewLimiter(clockwork.NewFakeClock(), 1, 3)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d within burst should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request exceeding burst should be denied")
	}
}

func TestTokensReplenishWithClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(clock, 2, 1)

	limiter.allow("10.0.0.1")
	if limiter.allow("10.0.0.1") {
		t.Fatal("expected denial after exhausting burst")
	}

	clock.Advance(500 * time.Millisecond)
	if !limiter.allow("10.0.0.1") {
		t.Error("expected a replenished token after 500ms at 2/s")
	}
}

func TestTokensDoNotExceedBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(clock, 100, 2)

	limiter.allow("10.0.0.1")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected burst of 2 after idling, got %d", allowed)
	}
}

func TestDifferentClientsHaveIndependentLimits(t *testing.T) {
	limiter := NewLimiter(clockwork.NewFakeClock(), 1, 1)

	limiter.allow("10.0.0.1")
	if !limiter.allow("10.0.0.2") {
		t.Error("expected second client to be allowed")
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(clock, 1, 1)
	limiter.allow("10.0.0.1")

	clock.Advance(idleTTL + time.Second)
	limiter.allow("10.0.0.2")
	limiter.sweep()

	if n := limiter.size(); n != 1 {
		t.Errorf("expected 1 bucket after sweep, got %d", n)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	limiter := NewLimiter(clockwork.NewFakeClock(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMiddlewareReturns429WhenRateLimited(t *testing.T) {
	limiter := NewLimiter(clockwork.NewFakeClock(), 1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	first.RemoteAddr = "192.168.1.1:12345"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, first)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	second.RemoteAddr = "192.168.1.1:54321"
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, second)

	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same host on another port, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Retry-After"); got != "10" {
		t.Errorf("expected Retry-After 10, got %q", got)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "too many requests" {
		t.Errorf("unexpected error %q", body.Error)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote host", "10.0.0.1:1234", "", "10.0.0.1"},
		{"forwarded single", "10.0.0.1:1234", "203.0.113.50", "203.0.113.50"},
		{"forwarded chain", "10.0.0.1:1234", "203.0.113.50, 10.0.0.7", "203.0.113.50"},
		{"no port", "10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
