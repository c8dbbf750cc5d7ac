package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/auth"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/cache"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/calllog"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const opsSecret = "ops-secret"

type fakeCache struct {
	invalidated []string
}

func (c *fakeCache) Invalidate(tenantID, endpointID string) {
	c.invalidated = append(c.invalidated, tenantID+"/"+endpointID)
}

func (c *fakeCache) Stats() cache.Stats {
	return cache.Stats{Enabled: true, Hits: 9, Misses: 1, Ratio: 0.9}
}

type fakeCallLog struct{}

func (fakeCallLog) Stats() calllog.Stats {
	return calllog.Stats{QueueCapacity: 1024, Written: 5, Dropped: 1}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newRouter(t *testing.T, opts Options) *mux.Router {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	router := mux.NewRouter()
	NewAdminHandler(opts).RegisterRoutes(router, auth.NewMiddleware(opsSecret))
	return router
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("alice", opsSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHealth(t *testing.T) {
	router := newRouter(t, Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		deps       map[string]Pinger
		wantStatus int
	}{
		{"all up", map[string]Pinger{"postgres": pinger{}, "redis": pinger{}}, http.StatusOK},
		{"postgres down", map[string]Pinger{"postgres": pinger{err: errors.New("refused")}}, http.StatusServiceUnavailable},
		{"no dependencies", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(t, Options{Dependencies: tt.deps})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStatsRequiresOperator(t *testing.T) {
	router := newRouter(t, Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStats(t *testing.T) {
	router := newRouter(t, Options{
		Cache:   &fakeCache{},
		CallLog: fakeCallLog{},
		RateLimitKeys: func(context.Context) (int, error) {
			return 3, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", operatorToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.EndpointCache)
	assert.Equal(t, uint64(9), got.EndpointCache.Hits)
	require.NotNil(t, got.CallLog)
	assert.Equal(t, int64(5), got.CallLog.Written)
	require.NotNil(t, got.RateLimit)
	assert.Equal(t, 3, got.RateLimit.Keys)
	assert.Empty(t, got.RateLimit.Error)
}

func TestStats_RateLimitBackendFailure(t *testing.T) {
	router := newRouter(t, Options{
		RateLimitKeys: func(context.Context) (int, error) {
			return 0, errors.New("redis down")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", operatorToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "unavailable", got.RateLimit.Error)
	assert.Nil(t, got.EndpointCache)
}

func TestInvalidateEndpoint(t *testing.T) {
	c := &fakeCache{}
	router := newRouter(t, Options{Cache: c})

	req := httptest.NewRequest(http.MethodDelete, "/admin/cache/endpoints/tenant-1/ep-1", nil)
	req.Header.Set("Authorization", operatorToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tenant-1/ep-1"}, c.invalidated)
}

func TestAdminUnmountedWithoutMiddleware(t *testing.T) {
	router := mux.NewRouter()
	NewAdminHandler(Options{}).RegisterRoutes(router, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
