// Package resilience provides retry and circuit breaker patterns for
// provider calls. Retries cover transport-level flakiness; the circuit
// breaker stops a run from burning samples against a provider that is down.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/pkg/ollama"
	"github.com/sells-group/mapeval-cli/pkg/openai"
	"github.com/sells-group/mapeval-cli/pkg/waves"
)

// IsTransient reports whether an error is safe to retry: provider timeouts,
// retryable HTTP statuses, and common network-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perr *model.ProviderError
	if errors.As(err, &perr) && perr.Timeout {
		return true
	}

	if code, ok := httpStatus(err); ok {
		return IsTransientHTTPStatus(code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics catch wrapped transport errors, including the
	// Anthropic SDK's overload responses.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"overloaded",
		"rate limit",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// httpStatus extracts a status code from any of the HTTP client errors.
func httpStatus(err error) (int, bool) {
	var oe *openai.StatusError
	if errors.As(err, &oe) {
		return oe.Code, true
	}
	var le *ollama.StatusError
	if errors.As(err, &le) {
		return le.Code, true
	}
	var we *waves.StatusError
	if errors.As(err, &we) {
		return we.Code, true
	}
	return 0, false
}

// IsTransientHTTPStatus reports whether a status code indicates a
// server-side issue worth retrying.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
