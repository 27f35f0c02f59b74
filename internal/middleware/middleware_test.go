package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careline/internal/config"
	appmetrics "careline/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"staff": c.GetString("staff_id"), "role": c.GetString("role")})
	})
	return r
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	r := newAuthRouter(cfg)

	expired, err := GenerateToken("test-secret", "staff-1", "admin", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	wrongKey, err := GenerateToken("other-secret", "staff-1", "admin", time.Hour, time.Now())
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x", Issuer: tokenIssuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"malformed", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + wrongKey},
		{"alg none", "Bearer " + none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "Unauthorized")
		})
	}
}

func TestAuthMiddleware_Accepts(t *testing.T) {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	r := newAuthRouter(cfg)

	token, err := GenerateToken("test-secret", "staff-1", "admin", time.Hour, time.Now())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"staff":"staff-1","role":"admin"}`, w.Body.String())
}

func TestAuthMiddleware_NoSecretIsOpen(t *testing.T) {
	r := newAuthRouter(&config.Config{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerateToken_RequiresSecret(t *testing.T) {
	_, err := GenerateToken("", "staff", "", time.Hour, time.Now())
	assert.Error(t, err)
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBucket(60, 2, start)

	assert.True(t, b.allow(start))
	assert.True(t, b.allow(start))
	assert.False(t, b.allow(start))

	assert.True(t, b.allow(start.Add(time.Second)))
	assert.False(t, b.allow(start.Add(time.Second)))
}

func TestMemoryLimiter_PerKey(t *testing.T) {
	l := NewMemoryLimiter(60, 1)
	frozen := time.Now()
	l.now = func() time.Time { return frozen }

	ok, _ := l.Allow(context.Background(), "a")
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "a")
	assert.False(t, ok)
	ok, _ = l.Allow(context.Background(), "b")
	assert.True(t, ok)
}

func rateLimitedRouter(cfg *config.Config, limiter Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(cfg, limiter, nil))
	r.POST("/query", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_Drops(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 60
	cfg.Security.RateLimiting.Burst = 1

	before, _ := appmetrics.RateLimitSnapshot()
	r := rateLimitedRouter(cfg, NewLimiter(cfg, nil))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	after, by := appmetrics.RateLimitSnapshot()
	assert.Equal(t, before+1, after)
	assert.NotZero(t, by["/query"])
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = false
	r := rateLimitedRouter(cfg, NewMemoryLimiter(1, 1))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitMiddleware_RedisDownFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 1
	r := rateLimitedRouter(cfg, NewLimiter(cfg, client))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewRedisLimiter_Defaults(t *testing.T) {
	l := NewRedisLimiter(nil, "", 0, 5)
	assert.Equal(t, "careline:ratelimit", l.prefix)
	assert.Equal(t, 65, l.limit)
}
