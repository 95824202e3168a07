package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("ns site: %w", assets.ErrPermissionDenied), http.StatusForbidden},
		{assets.ErrNotFound, http.StatusNotFound},
		{assets.ErrInvalidStatus, http.StatusConflict},
		{assets.ErrHashMismatch, http.StatusConflict},
		{assets.ErrInvalidPath, http.StatusBadRequest},
		{assets.ErrCapacityExceeded, http.StatusRequestEntityTooLarge},
		{assets.ErrExpired, http.StatusGone},
		{&assets.MissingChunkError{Index: 2}, http.StatusBadRequest},
		{assets.ErrInUse, http.StatusConflict},
		{assets.ErrStaleContinuation, http.StatusConflict},
		{assets.ErrCounterOverflow, http.StatusInternalServerError},
		{assets.ErrInvalidArgument, http.StatusBadRequest},
		{proposal.ErrVersionConflict, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := StatusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestWriteDomainError_MissingChunk(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	r := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/3/commit", nil)

	WriteDomainError(w, r, fmt.Errorf("commit batch 3: %w", &assets.MissingChunkError{Index: 4}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "Missing Chunk", p.Title)
	assert.Equal(t, "/api/v1/uploads/3/commit", p.Instance)
	assert.Equal(t, "req-1", p.TraceID)
	require.NotNil(t, p.MissingChunk)
	assert.Equal(t, uint32(4), *p.MissingChunk)
}

func TestWriteDomainError_InternalHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("secret path /var/db"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "/var/db")
}

func TestLocalLimiter_BurstAndRefill(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	clock := time.Unix(100, 0)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok, "keys have separate buckets")

	clock = clock.Add(time.Second)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)

	clock = clock.Add(visitorTTL + time.Second)
	l.sweep()
	assert.Empty(t, l.visitors)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimit_Middleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	limited := RateLimit(NewLocalLimiter(1, 1), ClientIP)(ok)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	limited.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	limited.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	RateLimit(failingLimiter{}, ClientIP)(ok).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(r))
	r.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", ClientIP(r))
}

func TestRedisLimiter_BadURL(t *testing.T) {
	_, err := NewRedisLimiter("not a url", 1, 1)
	assert.Error(t, err)
}

func TestRedisLimiter_Unreachable(t *testing.T) {
	l, err := NewRedisLimiter("redis://127.0.0.1:1/0", 1, 1)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = l.Allow(ctx, "a")
	assert.Error(t, err)
}
