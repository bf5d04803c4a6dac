package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindRateLimited, KindTimeout, KindProviderUnavailable}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	fatal := []Kind{KindAuthError, KindQuotaExceeded, KindInvalidAudio, KindUnknown}
	for _, k := range fatal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestErrFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuthError},
		{http.StatusForbidden, KindAuthError},
		{http.StatusPaymentRequired, KindQuotaExceeded},
		{http.StatusBadRequest, KindInvalidAudio},
		{http.StatusUnsupportedMediaType, KindInvalidAudio},
		{http.StatusInternalServerError, KindProviderUnavailable},
		{http.StatusBadGateway, KindProviderUnavailable},
		{http.StatusTeapot, KindUnknown},
	}
	for _, tc := range tests {
		if got := errFromStatus("p", tc.status, "body"); got.Kind != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.want, got.Kind)
		}
	}
}

func TestClassifyTypedError(t *testing.T) {
	err := fmt.Errorf("chunk 3: %w", &Error{Kind: KindRateLimited, Provider: "gemini", Message: "http 429"})
	code, message := Classify(err)
	if code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", code)
	}
	if message == "" {
		t.Fatal("expected a user-facing message")
	}
}

func TestClassifyPatterns(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"request timed out after 120s", "timeout"},
		{"upstream returned 429 Too Many Requests", "rate_limited"},
		{"RESOURCE EXHAUSTED", "rate_limited"},
		{"monthly quota reached", "quota_exceeded"},
		{"401 unauthorized", "auth_error"},
		{"invalid audio: ffmpeg exit 1", "invalid_audio"},
		{"dial tcp: connection refused", "provider_unavailable"},
		{"something inexplicable", "unknown"},
	}
	for _, tc := range tests {
		code, _ := Classify(errors.New(tc.err))
		if code != tc.want {
			t.Errorf("Classify(%q) = %s, expected %s", tc.err, code, tc.want)
		}
	}
}

func TestClassifyDeadline(t *testing.T) {
	code, _ := Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	if code != "timeout" {
		t.Fatalf("expected timeout, got %s", code)
	}
}
