package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func do(r *gin.Engine, method, origin, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://api.matcha.test/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		allowed   []string
		origin    string
		wantAllow string
	}{
		{"dev echoes any origin", "dev", nil, "http://localhost:5173", "http://localhost:5173"},
		{"prod same host", "prod", nil, "https://api.matcha.test", "https://api.matcha.test"},
		{"prod allow list", "prod", []string{"https://matcha.app"}, "https://matcha.app", "https://matcha.app"},
		{"prod foreign origin", "prod", []string{"https://matcha.app"}, "https://evil.example", ""},
		{"prod host as substring only", "prod", nil, "https://api.matcha.test.evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newEngine(CORS(tt.env, tt.allowed)), http.MethodGet, tt.origin, "")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	w := do(newEngine(CORS("dev", nil)), http.MethodOptions, "http://localhost:5173", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORS_NoOrigin(t *testing.T) {
	w := do(newEngine(CORS("prod", nil)), http.MethodGet, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(rate.Every(time.Hour), 2))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "", "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "", "10.0.0.1:1001").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "", "10.0.0.1:1002").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "", "10.0.0.2:1000").Code, "other IPs have their own bucket")
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1:5000"))
	assert.Equal(t, "::1", clientIP("[::1]:5000"))
	assert.Equal(t, "garbage", clientIP("garbage"))
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Second), 1, time.Minute)
	go rl.gc()
	rl.Stop()
	rl.Stop()
}
