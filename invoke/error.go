package invoke

import (
	"context"
	"strings"

	"github.com/promptarena/promptarena/errors"
)

// ErrorCode classifies an invocation failure.
type ErrorCode string

const (
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeRateLimited   ErrorCode = "rate_limited"
	ErrorCodeProvider      ErrorCode = "provider_error" // 5xx-class upstream failures
	ErrorCodeNetwork       ErrorCode = "network_error"
	ErrorCodeAuth          ErrorCode = "auth_error"
	ErrorCodeBadConfig     ErrorCode = "bad_model_config"
	ErrorCodeBadResponse   ErrorCode = "bad_response"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// InvocationError is a typed model-call failure. Retryable errors are assumed
// transient (network/provider hiccups); fatal errors indicate the job can
// never succeed as configured.
type InvocationError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	cause     error
}

func (e *InvocationError) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *InvocationError) Unwrap() error { return e.cause }

// Retryablef creates a retryable invocation error.
func Retryablef(code ErrorCode, cause error, format string, args ...interface{}) *InvocationError {
	return &InvocationError{Code: code, Message: errors.Newf(format, args...).Error(), Retryable: true, cause: cause}
}

// Fatalf creates a non-retryable invocation error.
func Fatalf(code ErrorCode, cause error, format string, args ...interface{}) *InvocationError {
	return &InvocationError{Code: code, Message: errors.Newf(format, args...).Error(), Retryable: false, cause: cause}
}

// IsRetryable reports whether an invocation failure is worth retrying.
// Typed errors answer directly; anything else is classified by message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Retryable
	}
	return classify(err).Retryable
}

// classify categorizes an untyped error by message pattern, mirroring how
// provider SDK errors tend to read. Unknown errors default to retryable so a
// transient blip never permanently kills a job on the first attempt.
func classify(err error) *InvocationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &InvocationError{Code: ErrorCodeTimeout, Message: err.Error(), Retryable: true, cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return &InvocationError{Code: ErrorCodeTimeout, Message: err.Error(), Retryable: true, cause: err}

	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &InvocationError{Code: ErrorCodeRateLimited, Message: err.Error(), Retryable: true, cause: err}

	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "eof"):
		return &InvocationError{Code: ErrorCodeNetwork, Message: err.Error(), Retryable: true, cause: err}

	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return &InvocationError{Code: ErrorCodeAuth, Message: err.Error(), Retryable: false, cause: err}

	case strings.Contains(msg, "invalid model") || strings.Contains(msg, "model not found") || strings.Contains(msg, "404"):
		return &InvocationError{Code: ErrorCodeBadConfig, Message: err.Error(), Retryable: false, cause: err}

	default:
		return &InvocationError{Code: ErrorCodeUnknown, Message: err.Error(), Retryable: true, cause: err}
	}
}
