package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/faults"
)

// classifyProviderError maps SDK errors to the shared faults taxonomy. Provider
// SDKs surface failures as opaque errors with the HTTP status embedded in the
// message, so classification runs status extraction first and falls back to
// string patterns.
func classifyProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return faults.NewWithCause(faults.ErrorTypeTransient, err, provider+" request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return faults.NewWithCause(faults.ErrorTypeTransient, err, provider+" request canceled")
	}

	errStr := err.Error()

	switch extractStatusCode(errStr) {
	case 401, 403:
		return faults.NewWithCause(faults.ErrorTypeAuthExpired, err, provider+" authentication failed")
	case 429:
		return faults.NewWithCause(faults.ErrorTypeRateLimit, err, provider+" rate limit exceeded")
	case 400, 422:
		return faults.NewWithCause(faults.ErrorTypeValidation, err, provider+" rejected request")
	case 500, 502, 503, 504:
		return faults.NewWithCause(faults.ErrorTypeTransient, err, provider+" server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "temporary"),
		strings.Contains(errStr, "EOF"),
		strings.Contains(lower, "reset"):
		return faults.NewWithCause(faults.ErrorTypeTransient, err, provider+" network error")
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "overloaded"):
		return faults.NewWithCause(faults.ErrorTypeRateLimit, err, provider+" rate limiting detected")
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "authentication"):
		return faults.NewWithCause(faults.ErrorTypeAuthExpired, err, provider+" authentication error")
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "malformed"),
		strings.Contains(lower, "too large"),
		strings.Contains(lower, "context length"):
		return faults.NewWithCause(faults.ErrorTypeValidation, err, provider+" request error")
	}

	return faults.NewWithCause(faults.ErrorTypeUnknown, err, fmt.Sprintf("%s API error", provider))
}

// extractStatusCode pulls an HTTP status code out of an SDK error message.
// Returns 0 when no recognizable code is present.
func extractStatusCode(errStr string) int {
	patterns := []string{
		"status code: ",
		"status: ",
		"http ",
		"code ",
	}

	lower := strings.ToLower(errStr)
	codes := []int{400, 401, 403, 422, 429, 500, 502, 503, 504}

	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		rest := lower[idx+len(pattern):]
		for _, code := range codes {
			if strings.HasPrefix(rest, fmt.Sprintf("%d", code)) {
				return code
			}
		}
	}
	return 0
}
