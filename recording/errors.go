package recording

import (
	"strings"
)

// ErrorClass represents whether a capture error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the capture should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the capture should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ClassifyCaptureError classifies streamlink capture errors into retryable vs
// fatal categories. Only startup failures are ever retried; a capture that dies
// mid-broadcast keeps whatever it wrote.
//
// Fatal errors (non-retryable):
// - Authentication/authorization errors (subscriber-only, 403/401)
// - Invalid input errors (unsupported URL, no plugin for the URL)
// - DRM/protection errors
// - Geo-restricted content
//
// Retryable errors (transient):
// - Playlist not up yet (the HLS edge often lags the live flag by a few seconds)
// - Network errors (connection reset, timeout, DNS failures)
// - Server errors (500, 502, 503, 504)
// - Rate limiting (429, too many requests)
//
// Unknown errors are treated as retryable to avoid giving up too early.
func ClassifyCaptureError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	lower := strings.ToLower(err.Error())

	// Retryable server errors first, before more generic patterns.
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") {
		return ErrorClassRetryable
	}

	// The playlist edge lagging the live flag looks like "no streams found".
	// That clears within seconds, so it must be retryable and must be checked
	// before the generic not-found patterns below.
	if strings.Contains(lower, "no playable streams") ||
		strings.Contains(lower, "waiting for streams") {
		return ErrorClassRetryable
	}

	// Fatal: authentication and authorization.
	if strings.Contains(lower, "subscriber-only") ||
		strings.Contains(lower, "only available to subscribers") ||
		strings.Contains(lower, "login required") ||
		strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "unauthorized") {
		return ErrorClassFatal
	}

	// Fatal: the channel or URL itself is wrong.
	fatalInputPatterns := []string{
		"no plugin can handle url",
		"unable to find channel",
		"could not find a channel",
		"invalid url",
		"unsupported url",
	}
	for _, pattern := range fatalInputPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	// Fatal: DRM and geo restrictions.
	fatalContentPatterns := []string{
		"drm protected",
		"protected content",
		"encrypted content",
		"not available in your region",
		"not available from your location",
	}
	for _, pattern := range fatalContentPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	// Retryable: network issues.
	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	// Retryable: rate limiting.
	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyCaptureError(err) == ErrorClassRetryable
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyCaptureError(err) == ErrorClassFatal
}
