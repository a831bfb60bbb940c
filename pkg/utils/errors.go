package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed      = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")          // Wraps original error/status
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")          // Wraps original error/status
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)")       // Wraps original error/status
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrUnresolvable     = errors.New("reference cannot be resolved") // External, denylisted or malformed reference
	ErrUnavailable      = errors.New("reference unavailable")        // Origin returned nothing usable for the reference
	ErrParsing          = errors.New("parsing error")                // Wraps specific parsing error (HTML, CSS, URL)
	ErrFilesystem       = errors.New("filesystem error")             // Wraps os errors
	ErrDatabase         = errors.New("database error")               // Wraps badger errors
	ErrSemaphoreTimeout = errors.New("timeout acquiring semaphore")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
)

// WrapErrorf wraps err with a formatted message, returning nil when err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		// The last attempt's error is joined alongside the sentinel, so inspect the whole chain
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		errMsg := err.Error()
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "Timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 401 ") {
			return "HTTP_401"
		}
		if strings.Contains(errMsg, " 429 ") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrUnresolvable):
		return "Policy_Unresolvable"
	case errors.Is(err, ErrUnavailable):
		return "Content_Unavailable"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "CSS") {
			return "Content_ParsingCSS"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}

	return "Unknown"
}
