package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
)

func TestRequestID_Generated(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return nil
	})
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if seen == "" {
		t.Fatal("expected request_id to be set")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("expected response header %q, got %q", seen, got)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequestID()(func(echo.Context) error { return nil })(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("expected incoming id to be reused, got %q", got)
	}
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}
	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}
	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_PerActor(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	call := func(user string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithUser(context.Background(), user, user, nil))
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}
	if err := call("alice"); err != nil {
		t.Fatal(err)
	}
	if err := call("bob"); err != nil {
		t.Errorf("expected separate bucket per actor, got %v", err)
	}
	if err := call("alice"); err == nil {
		t.Error("expected second request from the same actor to be limited")
	}
}

func TestClientLimiters_IdleKeysEvicted(t *testing.T) {
	store := newClientLimiters(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1, IdleTTL: 20 * time.Millisecond})

	first := store.get("203.0.113.7")
	if !first.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if store.get("203.0.113.7") != first {
		t.Fatal("expected the same limiter while the client is active")
	}
	for i := 0; i < 50; i++ {
		store.get("198.51.100." + strconv.Itoa(i))
	}

	time.Sleep(40 * time.Millisecond)
	store.cache.DeleteExpired()
	if n := store.cache.ItemCount(); n != 0 {
		t.Errorf("expected idle limiters to be evicted, %d left", n)
	}

	fresh := store.get("203.0.113.7")
	if fresh == first {
		t.Error("expected a new limiter after eviction")
	}
	if !fresh.Allow() {
		t.Error("expected evicted client to start with a full bucket")
	}
}

func TestClientLimiters_ActiveKeyKept(t *testing.T) {
	store := newClientLimiters(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: 200 * time.Millisecond})

	l := store.get("user:reg-1")
	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		if store.get("user:reg-1") != l {
			t.Fatalf("expected limiter to survive while in use (iteration %d)", i)
		}
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/boom", nil), httptest.NewRecorder())

	err := Recovery(logger)(func(echo.Context) error { panic("nil map") })(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	body, ok := he.Message.(map[string]interface{})
	if !ok || body["error"] != "internal error" {
		t.Errorf("expected internal error body, got %v", he.Message)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json log line, got %q", buf.String())
	}
	if line["panic"] != "nil map" || line["path"] != "/boom" {
		t.Errorf("unexpected log line %v", line)
	}
	if _, ok := line["entry_id"]; ok {
		t.Errorf("expected no entry_id outside an entry route, got %v", line["entry_id"])
	}
}

func TestRecovery_LogsEntryAndActor(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()

	entryID := "7f1c2a9e-4b7d-4d8e-9a51-2f3c6e0b8d14"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/waitlist/"+entryID+"/regulate", nil)
	req = req.WithContext(auth.WithUser(context.Background(), "reg-1", "Dra. Helena Costa", nil))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/waitlist/:id/regulate")
	c.SetParamNames("id")
	c.SetParamValues(entryID)
	c.Set("request_id", "req-42")

	_ = Recovery(logger)(func(echo.Context) error { panic(errors.New("boom")) })(c)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json log line, got %q", buf.String())
	}
	want := map[string]string{
		"request_id": "req-42",
		"method":     http.MethodPost,
		"route":      "/api/v1/waitlist/:id/regulate",
		"entry_id":   entryID,
		"actor_id":   "reg-1",
		"panic":      "boom",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("expected %s=%q, got %v", k, v, line[k])
		}
	}
	if stack, _ := line["stack"].(string); stack == "" {
		t.Error("expected a stack trace")
	}
}

func TestLogger_StatusLevel(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  float64
	}{
		{"ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, "info", 200},
		{"client error", func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) }, "warn", 404},
		{"server error", func(echo.Context) error { return errors.New("db down") }, "error", 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/waitlist", nil), httptest.NewRecorder())
			c.Set("request_id", "rid-1")

			if err := Logger(zerolog.New(&buf))(tt.handler)(c); err != nil {
				t.Fatalf("expected errors to be handled, got %v", err)
			}
			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("bad log line %q", buf.String())
			}
			if line["level"] != tt.level || line["status"] != tt.status || line["request_id"] != "rid-1" {
				t.Errorf("unexpected log line %v", line)
			}
		})
	}
}
