package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgebot/internal/domain"
	"forgebot/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size read from the API.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default connection settings.
const (
	defaultTimeout         = 60 * time.Second
	defaultConnTimeout     = 30 * time.Second
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with a pooled transport. timeout
// bounds a whole request; 0 uses 60s.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   defaultConnTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConns,
			IdleConnTimeout:       defaultIdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
		Timeout: timeout,
	}
}

// doJSONRequest performs a JSON POST request and returns the response body.
// Non-200 responses become domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError maps an HTTP status code and body to a domain error so the
// circuit breaker and callers can classify it.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, bytes.TrimSpace(body))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	}
}

func logCompletion(logger *slog.Logger, provider string, resp *domain.CompletionResponse, finishReason string) {
	logger.Debug("ai completion finished",
		"provider", provider,
		"model", resp.Model,
		"finish_reason", finishReason,
		"chars", len(resp.Content),
		"tokens", resp.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("ai.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("ai.completion_tokens", usage.CompletionTokens),
	)
}
