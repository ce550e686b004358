package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/weddingdesk/internal/cache"
	"github.com/charlesng35/weddingdesk/internal/database/testutil"
)

func servePing(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(nil, 2, 100*time.Millisecond))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, servePing(r).Code)
	}

	w := servePing(r)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	time.Sleep(120 * time.Millisecond)

	require.Equal(t, http.StatusOK, servePing(r).Code)
}

func TestRateLimitWithCacheStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewCacheRateStore(cache.NewDatabaseStore(db))

	r := gin.New()
	r.Use(RateLimit(store, 1, time.Minute))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	require.Equal(t, http.StatusOK, servePing(r).Code)
	require.Equal(t, http.StatusTooManyRequests, servePing(r).Code)
}

type brokenRateStore struct{}

func (brokenRateStore) Increment(context.Context, string, time.Duration) (int, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(brokenRateStore{}, 1, time.Minute))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	require.Equal(t, http.StatusOK, servePing(r).Code)
	require.Equal(t, http.StatusOK, servePing(r).Code)
}

func TestNewCacheRateStoreNil(t *testing.T) {
	require.Nil(t, NewCacheRateStore(nil))
}
