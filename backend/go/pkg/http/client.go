package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/pkg/circuitbreaker"
	"procurement-kb/backend/go/pkg/logger"
)

// maxErrorBody caps how much of an error response is kept for the error message.
const maxErrorBody = 512

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.URL, e.Code, e.Body)
}

// IsServerSide reports whether the response points at an unhealthy upstream.
func (e *StatusError) IsServerSide() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// Client is a custom HTTP client that wraps the standard http.Client
// and provides built-in support for circuit breaking.
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewClient creates a new Client. When the breaker is enabled, transport
// errors, 5xx and 429 responses count as failures; other statuses do not.
func NewClient(cfg config.CircuitBreakerConfig, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{httpClient: &http.Client{Timeout: timeout}}
	if !cfg.Enabled {
		return c, nil
	}

	breaker, err := createCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	c.breaker = breaker
	return c, nil
}

// createCircuitBreaker initializes a circuit breaker based on the configuration.
func createCircuitBreaker(cfg config.CircuitBreakerConfig) (circuitbreaker.CircuitBreaker, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid circuit breaker timeout duration: %w", err)
	}
	log := logger.New("http_client")
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout,
		circuitbreaker.WithFailurePredicate(countsAsFailure),
		circuitbreaker.WithStateListener(func(from, to circuitbreaker.State) {
			log.Warn(fmt.Sprintf("circuit breaker %s -> %s", from, to))
		}),
	), nil
}

func countsAsFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.IsServerSide()
	}
	return err != nil
}

// State reports the breaker state, or Closed when no breaker is configured.
func (c *Client) State() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.Closed
	}
	return c.breaker.State()
}

// GetJSON issues a GET request and decodes a 2xx JSON body into out.
// Any other status is returned as *StatusError.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// PostJSON sends in as a JSON body and decodes a 2xx JSON answer into out.
// headers are added to the request, e.g. an Authorization bearer token.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	url := req.URL.String()
	_, err := circuitbreaker.Run(c.breaker, func() (struct{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return struct{}{}, &StatusError{Code: resp.StatusCode, URL: url, Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decode %s: %w", url, err)
		}
		return struct{}{}, nil
	})
	return err
}
