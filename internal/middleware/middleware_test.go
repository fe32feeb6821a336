package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/regimen-sync/internal/config"
	"github.com/iliyamo/regimen-sync/internal/utils"
)

func serve(t *testing.T, h echo.HandlerFunc, mw []echo.MiddlewareFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/x", h, mw...)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func echoDevice(c echo.Context) error { return c.String(http.StatusOK, DeviceID(c)) }

func TestDeviceAuth(t *testing.T) {
	tok, err := utils.NewDeviceToken("k", "paired-tab", 5, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		header map[string]string
		status int
		body   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer " + tok.Token}, http.StatusOK, "paired-tab"},
		{"bearer wins over header", map[string]string{"Authorization": "Bearer " + tok.Token, DeviceHeader: "spoof"}, http.StatusOK, "paired-tab"},
		{"legacy header", map[string]string{DeviceHeader: " tab-2 "}, http.StatusOK, "tab-2"},
		{"anonymous", nil, http.StatusOK, ""},
		{"bad token", map[string]string{"Authorization": "Bearer junk"}, http.StatusUnauthorized, "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := serve(t, echoDevice, []echo.MiddlewareFunc{DeviceAuth("k")}, req)
			if rec.Code != tc.status || !strings.Contains(rec.Body.String(), tc.body) {
				t.Fatalf("got %d %q", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequireDevice(t *testing.T) {
	mw := []echo.MiddlewareFunc{DeviceAuth("k"), RequireDevice()}
	rec := serve(t, echoDevice, mw, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(DeviceHeader, "tab-1")
	if rec := serve(t, echoDevice, mw, req); rec.Code != http.StatusOK {
		t.Fatalf("identified status = %d", rec.Code)
	}
}

func TestWithoutRedisMiddlewarePassesThrough(t *testing.T) {
	mw := []echo.MiddlewareFunc{
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil),
		NewRedisCache(config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}}, nil),
	}
	for i := 0; i < 3; i++ {
		rec := serve(t, echoDevice, mw, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rec.Code != http.StatusOK || rec.Header().Get("X-Cache") != "" {
			t.Fatalf("request %d: %d %v", i, rec.Code, rec.Header())
		}
	}
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/stage_incoming", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/stage_incoming")
	c.Set(deviceKey, "tab-1")

	cases := map[string]string{
		"ip":     "rl:ip:10.0.0.5",
		"device": "rl:device:tab-1",
		"":       "rl:ip:10.0.0.5:device:tab-1:route:POST /api/stage_incoming",
	}
	for strategy, want := range cases {
		got := rateKey(config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}, c)
		if got != want {
			t.Errorf("strategy %q: key = %q, want %q", strategy, got, want)
		}
	}
}

func TestCaptureWriterStopsAtLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &captureWriter{ResponseWriter: rec, status: http.StatusOK, limit: 4}
	_, _ = cw.Write([]byte("abc"))
	_, _ = cw.Write([]byte("de"))
	if !cw.truncated || cw.buf.Len() != 0 {
		t.Fatalf("truncated=%v buffered=%d", cw.truncated, cw.buf.Len())
	}
	if rec.Body.String() != "abcde" {
		t.Fatalf("client body = %q", rec.Body.String())
	}
}
