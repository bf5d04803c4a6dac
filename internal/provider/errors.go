package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a provider fault into the error codes stored on failed
// jobs and surfaced to users.
type Kind string

const (
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindAuthError           Kind = "auth_error"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindInvalidAudio        Kind = "invalid_audio"
	KindUnknown             Kind = "unknown"
)

// Retryable reports whether the chunk driver should back off and retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified provider fault.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s (%v)", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// errFromStatus maps a non-2xx HTTP response to a typed fault.
func errFromStatus(providerName string, status int, body string) *Error {
	msg := fmt.Sprintf("http %d: %s", status, truncateRaw(body))
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Provider: providerName, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthError, Provider: providerName, Message: msg}
	case status == http.StatusPaymentRequired:
		return &Error{Kind: KindQuotaExceeded, Provider: providerName, Message: msg}
	case status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType:
		return &Error{Kind: KindInvalidAudio, Provider: providerName, Message: msg}
	case status >= 500:
		return &Error{Kind: KindProviderUnavailable, Provider: providerName, Message: msg}
	default:
		return &Error{Kind: KindUnknown, Provider: providerName, Message: msg}
	}
}

// errFromTransport maps request-level failures (timeouts, refused
// connections) to a typed fault.
func errFromTransport(providerName string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: providerName, Message: "request deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Provider: providerName, Message: "network timeout", Err: err}
	}
	return &Error{Kind: KindProviderUnavailable, Provider: providerName, Message: "request failed", Err: err}
}

// Pattern tables for errors that reach the classifier without a typed kind,
// matched against the lowercased message.
var (
	timeoutPatterns     = []string{"timeout", "timed out", "deadline exceeded"}
	authPatterns        = []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "permission denied"}
	audioPatterns       = []string{"invalid audio", "unsupported format", "corrupt", "could not decode", "too short"}
	unavailablePatterns = []string{"503", "502", "service unavailable", "bad gateway", "connection refused", "connection reset"}
	quotaPatterns       = []string{"quota", "billing", "payment required", "402"}
	rateLimitPatterns   = []string{"429", "resource exhausted", "rate limit"}
)

// Classify maps any pipeline error to the error code persisted on a failed
// job, plus a short operator-facing message. Typed provider errors classify
// directly; everything else falls back to message patterns.
func Classify(err error) (code string, message string) {
	var perr *Error
	if errors.As(err, &perr) {
		return string(perr.Kind), userMessage(perr.Kind, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(KindTimeout), userMessage(KindTimeout, err)
	}

	lower := strings.ToLower(err.Error())
	ordered := []struct {
		kind     Kind
		patterns []string
	}{
		{KindTimeout, timeoutPatterns},
		{KindRateLimited, rateLimitPatterns},
		{KindQuotaExceeded, quotaPatterns},
		{KindAuthError, authPatterns},
		{KindInvalidAudio, audioPatterns},
		{KindProviderUnavailable, unavailablePatterns},
	}
	for _, entry := range ordered {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return string(entry.kind), userMessage(entry.kind, err)
			}
		}
	}
	return string(KindUnknown), fmt.Sprintf("transcription failed: %v", err)
}

func userMessage(kind Kind, err error) string {
	switch kind {
	case KindRateLimited:
		return "the transcription provider is temporarily rate-limiting requests; try again in a few minutes"
	case KindTimeout:
		return "the transcription request timed out; this can happen with very long audio"
	case KindProviderUnavailable:
		return "the transcription provider is currently unavailable; try again later"
	case KindAuthError:
		return "authentication with the transcription provider failed; check the provider API key"
	case KindQuotaExceeded:
		return "the provider API quota has been exceeded; contact the administrator"
	case KindInvalidAudio:
		return "the audio file could not be processed; it may be corrupted or in an unsupported format"
	default:
		return fmt.Sprintf("transcription failed: %v", err)
	}
}
