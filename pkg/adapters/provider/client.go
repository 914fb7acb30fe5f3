package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/logging"
	"github.com/mapfold/atlas-engine/pkg/retry"
)

// StatusError is returned for non-2xx provider responses. It classifies
// retryability by status code so the retry layer doesn't have to string-match.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d for %s", e.StatusCode, logging.SanitizeURL(e.URL))
}

// IsRetryable reports whether the response indicates a transient condition.
// Rate limits and server errors are retryable; other 4xx are not.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is the shared HTTP client for provider adaptors. Timeouts apply per
// call, not per job; a timed-out fetch surfaces as a retryable failure.
type Client struct {
	http   *http.Client
	retry  *retry.Config
	logger *zap.Logger
}

// NewClient creates a provider HTTP client with the given per-call timeout.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		retry:  retry.DefaultConfig(),
		logger: logger.Named("provider_http"),
	}
}

// GetJSON performs a GET and decodes the JSON response into out.
// Transient failures are retried with backoff before being surfaced.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	body, err := c.do(ctx, http.MethodGet, url, headers, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", logging.SanitizeURL(url), err)
	}
	return nil
}

// GetRaw performs a GET and returns the raw response body.
func (c *Client) GetRaw(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

// PostJSON performs a POST with a JSON body and decodes the response into out
// (out may be nil when the response body is irrelevant).
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request payload: %w", err)
		}
	}
	body, err := c.do(ctx, http.MethodPost, url, headers, reqBody)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", logging.SanitizeURL(url), err)
		}
	}
	return nil
}

// Delete performs a DELETE, ignoring the response body.
func (c *Client) Delete(ctx context.Context, url string, headers map[string]string) error {
	_, err := c.do(ctx, http.MethodDelete, url, headers, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, reqBody []byte) ([]byte, error) {
	return retry.DoWithResultIfRetryable(ctx, c.retry, func() ([]byte, error) {
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request to %s failed: %w", logging.SanitizeURL(url), err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", logging.SanitizeURL(url), err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
			if !statusErr.IsRetryable() {
				c.logger.Warn("provider request rejected",
					zap.String("url", logging.SanitizeURL(url)),
					zap.Int("status", resp.StatusCode))
			}
			return nil, statusErr
		}

		return body, nil
	})
}
