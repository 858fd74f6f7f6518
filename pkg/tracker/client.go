// Package tracker is the JSON/REST client for the external issue tracker.
// Every outbound call runs through one wrapper that fails fast while the
// tracker is known to be rate limited, classifies failures into the shared
// error taxonomy, and retries only what the taxonomy says is retryable.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/faults"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
)

// Client talks to the tracker REST API.
type Client struct {
	baseURL        string
	secretName     string
	logger         *logx.Logger
	http           *http.Client
	limits         *RateLimitState
	metrics        metrics.Recorder
	retry          faults.RetryConfig
	fallbackWindow time.Duration
	quotaLowWater  int

	tokenMu sync.Mutex
	token   string
}

// New creates a tracker client from config. The API token is resolved lazily
// through the secrets layer so rotation does not require a restart.
func New(cfg config.TrackerConfig, rec metrics.Recorder) *Client {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		secretName: config.SecretTrackerToken,
		logger:     logx.NewLogger("tracker"),
		http:       &http.Client{Timeout: cfg.RequestTimeout()},
		limits:     NewRateLimitState(),
		metrics:    rec,
		retry: faults.RetryConfig{
			MaxRetries:    cfg.MaxAttempts - 1,
			InitialDelay:  cfg.BackoffBase(),
			MaxDelay:      cfg.BackoffMax(),
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		fallbackWindow: cfg.RateLimitFallback(),
		quotaLowWater:  cfg.QuotaLowWater,
	}
}

// Limits returns the rate-limit state handle. The scheduler keeps it to skip
// poll cycles while limited.
func (c *Client) Limits() *RateLimitState {
	return c.limits
}

func (c *Client) currentToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := config.GetSecret(c.secretName)
	if err != nil || token == "" {
		return "", faults.New(faults.ErrorTypeValidation, fmt.Sprintf("no tracker token configured (secret %s)", c.secretName))
	}
	c.token = token
	return token, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

// call wraps one logical API operation: fail fast under a known rate limit,
// classify failures, refresh credentials once on a 401 without burning a
// retry slot, and back off on transient errors up to the attempt budget.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	limited, resetAt := c.limits.Limited(time.Now())
	c.metrics.SetRateLimited(limited)
	if limited {
		return faults.NewRateLimit(resetAt, "tracker rate limited")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return faults.NewWithCause(faults.ErrorTypeValidation, err, "failed to marshal request body")
		}
	}

	authRetried := false
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := faults.Delay(c.retry, attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			c.limits.RecordSuccess()
			c.metrics.IncTrackerRequest("success")
			return nil
		}
		lastErr = err
		c.limits.RecordError()
		c.metrics.IncTrackerRequest(faults.TypeOf(err).String())

		switch faults.TypeOf(err) {
		case faults.ErrorTypeRateLimit:
			// Reset time already recorded; waiting it out is the caller's job.
			return err
		case faults.ErrorTypeAuthExpired:
			if !authRetried {
				authRetried = true
				c.invalidateToken()
				c.logger.Warn("Tracker rejected credentials on %s %s; refreshing and retrying", method, path)
				attempt-- // Free retry, not counted against the budget
				continue
			}
			return err
		case faults.ErrorTypeTransient:
			if attempt < c.retry.MaxRetries {
				c.logger.Debug("Transient tracker error on %s %s (attempt %d/%d): %v",
					method, path, attempt+1, c.retry.MaxRetries+1, err)
				continue
			}
			return faults.NewPermanent(lastErr, attempt+1)
		default:
			return err
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.currentToken()
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return faults.NewWithCause(faults.ErrorTypeValidation, err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("%s %s", method, url)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return faults.NewWithCause(faults.ErrorTypeTransient, err, "tracker request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.NewWithCause(faults.ErrorTypeTransient, err, "failed to read response body")
	}

	c.recordQuotaHeaders(resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return faults.NewWithCause(faults.ErrorTypeValidation, err, "failed to decode response")
			}
		}
		return nil
	}

	return c.classifyResponse(resp, respBody)
}

// classifyResponse maps a non-2xx response into the error taxonomy.
func (c *Client) classifyResponse(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	switch {
	case status == http.StatusTooManyRequests || hasRateLimitSignature(detail):
		resetAt := extractResetAt(resp.Header)
		if resetAt.IsZero() {
			// No usable header; assume a conservative window.
			resetAt = time.Now().Add(c.fallbackWindow)
		}
		c.limits.SetResetAt(resetAt)
		c.metrics.SetRateLimited(true)
		c.logger.Warn("Tracker rate limited until %s", resetAt.Format(time.RFC3339))
		return faults.NewRateLimit(resetAt, "tracker rate limited")
	case status == http.StatusUnauthorized:
		return faults.NewWithStatus(faults.ErrorTypeAuthExpired, status, "tracker rejected credentials")
	case status >= 500:
		return faults.NewWithStatus(faults.ErrorTypeTransient, status, fmt.Sprintf("tracker server error: %s", detail))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return faults.NewWithStatus(faults.ErrorTypeValidation, status, fmt.Sprintf("tracker rejected request: %s", detail))
	default:
		return faults.NewWithStatus(faults.ErrorTypeUnknown, status, fmt.Sprintf("tracker returned %d: %s", status, detail))
	}
}

func hasRateLimitSignature(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "ratelimit") ||
		strings.Contains(lower, "too many requests")
}

// extractResetAt reads the reset time from Retry-After (delta seconds or HTTP
// date) or X-RateLimit-Reset (unix seconds). Zero time when neither parses.
func extractResetAt(h http.Header) time.Time {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch, 0)
		}
	}
	return time.Time{}
}

func (c *Client) recordQuotaHeaders(h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	lim := h.Get("X-RateLimit-Limit")
	if rem == "" || lim == "" {
		return
	}
	remaining, err1 := strconv.Atoi(rem)
	limit, err2 := strconv.Atoi(lim)
	if err1 == nil && err2 == nil {
		c.limits.RecordQuota(remaining, limit)
	}
}

// CheckQuota queries the quota endpoint and, when remaining requests are below
// the low-water mark, pre-sets the reset time so the scheduler delays its
// first poll instead of discovering the limit through a failed call.
// Best effort: a failed check is logged, never fatal.
func (c *Client) CheckQuota(ctx context.Context) {
	var status QuotaStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/quota", nil, &status); err != nil {
		c.logger.Warn("Quota check failed (continuing): %v", err)
		return
	}

	c.limits.RecordQuota(status.RequestsRemaining, status.RequestsLimit)
	if status.RequestsRemaining < c.quotaLowWater {
		resetAt := status.ResetAt
		if resetAt.IsZero() {
			resetAt = time.Now().Add(c.fallbackWindow)
		}
		c.limits.SetResetAt(resetAt)
		c.metrics.SetRateLimited(true)
		c.logger.Warn("Quota low (%d/%d remaining); deferring tracker calls until %s",
			status.RequestsRemaining, status.RequestsLimit, resetAt.Format(time.RFC3339))
		return
	}
	c.logger.Info("Quota ok: %d/%d requests remaining", status.RequestsRemaining, status.RequestsLimit)
}
