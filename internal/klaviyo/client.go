package klaviyo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/model"
)

const (
	contentType  = "application/vnd.api+json"
	maxErrorBody = 4 << 10
)

// PushError is a non-2xx answer from the events endpoint.
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("klaviyo: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a failed push may succeed later: transport
// errors, timeouts, 429 and 5xx are retryable, other statuses are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
	}
	return true
}

// Client pushes events to Klaviyo.
type Client struct {
	endpoint string
	apiKey   string
	revision string
	http     *http.Client
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

// NewClient returns Client. Requests are bounded by cfg.Timeout and paced by
// a token bucket of cfg.RPS / cfg.Burst.
func NewClient(cfg config.KlaviyoConfig, log *zap.SugaredLogger) *Client {
	if cfg.APIKey == "" {
		log.Warn("KLAVIYO_API_KEY is empty; pushes will be rejected")
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/api/events",
		apiKey:   cfg.APIKey,
		revision: cfg.Revision,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		log:      log,
	}
}

// Push sends one event.
func (c *Client) Push(ctx context.Context, e model.Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return c.Send(ctx, body)
}

// Send posts an already encoded payload.
func (c *Client) Send(ctx context.Context, body []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("accept", contentType)
	req.Header.Set("content-type", contentType)
	req.Header.Set("revision", c.revision)
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("klaviyo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.log.Debugw("klaviyo event created", "status", resp.StatusCode)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &PushError{StatusCode: resp.StatusCode, Body: string(b)}
}
