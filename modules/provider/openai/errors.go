package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrAuth is a non-retryable authentication error.
	ErrAuth = errors.New("openai: authentication failed")

	// ErrRateLimit indicates the upstream rejected the request with 429.
	ErrRateLimit = errors.New("openai: rate limited")

	// ErrUpstreamDown indicates a network failure or 5xx from the upstream.
	ErrUpstreamDown = errors.New("openai: upstream unavailable")

	// ErrContextLength indicates the conversation exceeded the model's
	// context window.
	ErrContextLength = errors.New("openai: context length exceeded")
)

// mapHTTPError maps an HTTP status code and response body to a sentinel
// error. Returns nil for 2xx status codes.
func mapHTTPError(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	// Try to extract the error message from the response body.
	var msg string
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	} else {
		msg = string(body)
	}

	switch {
	case statusCode == 429:
		return fmt.Errorf("%w: %s", ErrRateLimit, msg)
	case statusCode == 401 || statusCode == 403:
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case statusCode == 400 && strings.Contains(strings.ToLower(msg), "context_length"):
		return fmt.Errorf("%w: %s", ErrContextLength, msg)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", ErrUpstreamDown, msg)
	default:
		return fmt.Errorf("openai: HTTP %d: %s", statusCode, msg)
	}
}

// mapConnectionError maps network-level errors to sentinel errors.
// Context errors pass through unchanged.
func mapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}
	return fmt.Errorf("openai: %w", err)
}
