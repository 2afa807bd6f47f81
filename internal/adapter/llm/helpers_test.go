package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgebot/internal/domain"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusInternalServerError, domain.ErrProviderError},
		{http.StatusServiceUnavailable, domain.ErrProviderError},
		{http.StatusRequestEntityTooLarge, domain.ErrInvalidInput},
		{http.StatusTeapot, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte(" body \n"))
		assert.True(t, errors.Is(err, tt.want), "status %d: got %v", tt.status, err)
	}
}

func TestMapHTTPErrorIncludesBody(t *testing.T) {
	err := mapHTTPError(http.StatusTooManyRequests, []byte(`{"error":{"message":"slow down"}}`))
	assert.Contains(t, err.Error(), "API error 429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestDoJSONRequestSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Key"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := doJSONRequest(context.Background(), srv.Client(), srv.URL, []byte(`{}`), map[string]string{"X-Key": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDoJSONRequestLimitsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseBody+100)))
	}))
	defer srv.Close()

	body, err := doJSONRequest(context.Background(), srv.Client(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Len(t, body, maxResponseBody)
}

func TestDoJSONRequestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := doJSONRequest(ctx, NewHTTPClient(time.Second), "http://127.0.0.1:1", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPClientDefaultTimeout(t *testing.T) {
	assert.Equal(t, 60*time.Second, NewHTTPClient(0).Timeout)
	assert.Equal(t, 5*time.Second, NewHTTPClient(5*time.Second).Timeout)
}
