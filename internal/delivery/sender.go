package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/solatis/attributor/internal/core/config"
	"golang.org/x/time/rate"
)

// UserAgent identifies the attributor on outbound report requests.
const UserAgent = "attributor/1.0"

// Sender posts one serialized report to a reporting origin endpoint.
type Sender interface {
	Send(ctx context.Context, url string, body []byte) error
}

// HTTPSender is a Sender backed by net/http, paced by a token bucket shared
// across every origin.
type HTTPSender struct {
	client  *http.Client
	limiter *rate.Limiter
}

// Option configures an HTTPSender.
type Option func(*HTTPSender)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSender) {
		s.client = client
	}
}

// NewHTTPSender builds a sender from delivery configuration. A non-positive
// rate disables pacing.
func NewHTTPSender(cfg config.DeliveryConfig, opts ...Option) *HTTPSender {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := max(cfg.Burst, 1)

	s := &HTTPSender{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send POSTs body as JSON. Any non-2xx status is an error.
func (s *HTTPSender) Send(ctx context.Context, url string, body []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
