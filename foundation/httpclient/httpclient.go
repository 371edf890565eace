// Package httpclient provides basic http functions with retry support
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// StatusError reports a non 2xx response from a remote server
type StatusError struct {
	URL        string
	StatusCode int
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned status %d", s.URL, s.StatusCode)
}

// Transient returns true when err is worth retrying: network level failures
// (timeouts, refused connections) and 5xx responses. 4xx responses and body
// decoding problems are not transient.
func Transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client wraps http.Client with retry and backoff on transient failures
type Client struct {
	Log        *log.Logger
	HTTP       *http.Client
	MaxRetries int
	Backoff    []time.Duration
}

// New creates a Client with the default retry policy: up to 3 retries
// waiting 2, 4 and 8 seconds between attempts
func New(log *log.Logger, timeout time.Duration) *Client {
	return &Client{
		Log:        log,
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: 3,
		Backoff:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

// GetJSON retrieves url and un-marshals the JSON body into v. Transient
// failures are retried per the client's retry policy, other failures are
// returned immediately
func (c *Client) GetJSON(ctx context.Context, requestURL string, v interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.Backoff[len(c.Backoff)-1]
			if attempt-1 < len(c.Backoff) {
				wait = c.Backoff[attempt-1]
			}
			if c.Log != nil {
				c.Log.Printf("attempt %d/%d for %s failed (%v), retrying in %s",
					attempt, c.MaxRetries+1, requestURL, lastErr, wait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := c.get(ctx, requestURL)
		if err == nil {
			if err = json.Unmarshal(body, v); err != nil {
				return fmt.Errorf("decoding response from %s: %w", requestURL, err)
			}
			return nil
		}
		if !Transient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", c.MaxRetries+1, lastErr)
}

// get performs a single GET returning the response body
func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: requestURL, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
