package llmerrors

import (
	"context"
	"errors"
	"strings"
)

// Classify maps a raw provider SDK error to a structured error. Status codes
// are preferred when the SDK surfaces them in the error text; otherwise the
// classification falls back to vocabulary patterns common across providers.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch code := extractStatusCode(errStr); code {
	case 401, 403:
		return NewErrorWithStatus(ErrorTypeAuth, code, "authentication failed - check API key")
	case 429:
		return NewErrorWithStatus(ErrorTypeRateLimit, code, "rate limit exceeded")
	case 400:
		return NewErrorWithStatus(ErrorTypeBadPrompt, code, "bad request - check prompt format and parameters")
	case 500, 502, 503, 504:
		return NewErrorWithStatus(ErrorTypeTransient, code, "server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "rate") || strings.Contains(lower, "quota") || strings.Contains(lower, "overloaded"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network") || strings.Contains(lower, "eof") ||
		strings.Contains(lower, "reset") || strings.Contains(lower, "temporary"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "too large"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}

	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

// knownStatusCodes are the codes providers actually emit in error text.
//
//nolint:gochecknoglobals // Static lookup table
var knownStatusCodes = []string{"400", "401", "403", "429", "500", "502", "503", "504"}

// extractStatusCode attempts to extract an HTTP status code from error text.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, prefix := range []string{"status code: ", "status: ", "http ", "code "} {
		idx := strings.Index(lower, prefix)
		if idx == -1 {
			continue
		}
		rest := errStr[idx+len(prefix):]
		for _, code := range knownStatusCodes {
			if strings.HasPrefix(rest, code) {
				n := 0
				for _, ch := range code {
					n = n*10 + int(ch-'0')
				}
				return n
			}
		}
	}
	return 0
}
