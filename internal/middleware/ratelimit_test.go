package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/pricetrak/internal/model"
)

func newLimitedHandler(t *testing.T, cfg RateLimiterConfig) (http.Handler, *RateLimiter, *int) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)

	calls := 0
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))
	return h, rl, &calls
}

func post(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/readings", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	h, _, calls := newLimitedHandler(t, RateLimiterConfig{Rate: 0.5, Burst: 3, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		if w := post(h, "10.0.0.1:5000"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusAccepted)
		}
	}

	w := post(h, "10.0.0.1:5001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}
	if *calls != 3 {
		t.Errorf("handler call count = %d, want 3", *calls)
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	h, rl, _ := newLimitedHandler(t, RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute})

	if w := post(h, "10.0.0.1:1"); w.Code != http.StatusAccepted {
		t.Errorf("client1: status = %d", w.Code)
	}
	if w := post(h, "10.0.0.2:1"); w.Code != http.StatusAccepted {
		t.Errorf("client2: status = %d", w.Code)
	}
	if w := post(h, "10.0.0.1:2"); w.Code != http.StatusTooManyRequests {
		t.Errorf("client1 2回目: status = %d, want 429", w.Code)
	}
	if n := rl.LimiterCount(); n != 2 {
		t.Errorf("LimiterCount() = %d, want 2", n)
	}
}

func TestRateLimiter_CleanupRemovesIdleClients(t *testing.T) {
	h, rl, _ := newLimitedHandler(t, RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	post(h, "10.0.0.1:1")

	rl.cleanup(time.Now().Add(time.Minute))
	if n := rl.LimiterCount(); n != 1 {
		t.Errorf("TTL内で削除された: LimiterCount() = %d", n)
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if n := rl.LimiterCount(); n != 0 {
		t.Errorf("LimiterCount() = %d, want 0", n)
	}
}
