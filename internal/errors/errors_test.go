package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CategoryConfig, SeverityFatal, "configuration invalid"),
			expected: "config (fatal): configuration invalid",
		},
		{
			name:     "error with cause",
			err:      Wrap(fmt.Errorf("connection reset"), CategoryTransport, SeverityWarning, "transport failure"),
			expected: "transport (warning): transport failure: connection reset",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.err.Error()
			if result != test.expected {
				t.Errorf("Error() = %q, want %q", result, test.expected)
			}
		})
	}
}

func TestError_WithContext(t *testing.T) {
	err := Integrity("aaaa", "bbbb", "http://repo/index.gz")

	if err.Context == nil {
		t.Fatal("Context should not be nil")
	}
	if err.Context["want"] != "aaaa" {
		t.Errorf("Context[want] = %v, want aaaa", err.Context["want"])
	}
	if err.Context["source"] != "http://repo/index.gz" {
		t.Errorf("Context[source] = %v, want http://repo/index.gz", err.Context["source"])
	}
}

func TestIsCategory(t *testing.T) {
	sourceErr := MalformedSource("::bad", fmt.Errorf("missing scheme"))
	cacheErr := CorruptCacheEntry("abcd", fmt.Errorf("short read"))
	standardErr := fmt.Errorf("standard error")
	wrapped := fmt.Errorf("register: %w", sourceErr)

	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		expected bool
	}{
		{"source error matches source category", sourceErr, CategorySource, true},
		{"source error doesn't match cache category", sourceErr, CategoryCache, false},
		{"cache error matches cache category", cacheErr, CategoryCache, true},
		{"wrapped error is unwrapped", wrapped, CategorySource, true},
		{"standard error doesn't match any category", standardErr, CategorySource, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsCategory(test.err, test.category)
			if result != test.expected {
				t.Errorf("IsCategory() = %v, want %v", result, test.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transport("http://x", fmt.Errorf("timeout"))) {
		t.Error("transport errors should be retryable")
	}
	if IsRetryable(Decode("Image", fmt.Errorf("bad header"))) {
		t.Error("decode errors should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := CorruptCacheEntry("abcd", cause)

	if !stdErrors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if GetCategory(fmt.Errorf("plain")) != CategoryInternal {
		t.Error("unclassified errors should report internal category")
	}
}

func TestCLIErrorAdapter_Report(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, nil)

	var buf bytes.Buffer
	code := adapter.Report(&buf, ConfigInvalid("workers", "must be positive"))
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	if buf.String() != "invalid configuration\n" {
		t.Errorf("message = %q", buf.String())
	}

	buf.Reset()
	code = adapter.Report(&buf, Transport("http://x", fmt.Errorf("refused")))
	if code != 8 {
		t.Errorf("exit code = %d, want 8", code)
	}
	if buf.String() != "transport: transport failure\n" {
		t.Errorf("message = %q", buf.String())
	}

	if adapter.Report(&buf, nil) != 0 {
		t.Error("nil error should report exit code 0")
	}
}
