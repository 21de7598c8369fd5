package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// FromUpstreamStatus classifies an upstream HTTP response into the
// taxonomy, carrying the upstream's own message through when it has one.
func FromUpstreamStatus(statusCode int, upstreamBody []byte) *APIError {
	msg := upstreamMessage(upstreamBody)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimited(orDefault(msg, "Rate limit exceeded"))
	case statusCode == http.StatusUnauthorized:
		return AuthExpired(orDefault(msg, "Upstream rejected the credential token"))
	case statusCode == http.StatusForbidden:
		return New(KindAuthExpired, http.StatusForbidden, "permission_denied", "permission_error",
			orDefault(msg, "Permission denied for this credential"))
	case statusCode == http.StatusBadRequest:
		return MalformedRequest(orDefault(msg, "Upstream rejected the request"))
	case statusCode == http.StatusNotFound:
		return New(KindFatal, http.StatusNotFound, "not_found", "invalid_request_error",
			orDefault(msg, "Model or resource not found"))
	case statusCode >= 500:
		return Transient(http.StatusBadGateway, orDefault(msg, fmt.Sprintf("Upstream error (HTTP %d)", statusCode)))
	default:
		return Fatal(statusCode, orDefault(msg, fmt.Sprintf("HTTP %d error", statusCode)))
	}
}

// FromNetworkError classifies transport-level failures. Context
// cancellation maps to 408 so accounting can tell client aborts apart
// from upstream faults.
func FromNetworkError(err error) *APIError {
	s := err.Error()
	switch {
	case strings.Contains(s, "context canceled"):
		return New(KindFatal, http.StatusRequestTimeout, "request_canceled", "timeout_error", "Request was canceled: "+s)
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return New(KindTransient, http.StatusGatewayTimeout, "timeout", "timeout_error", "Request timeout: "+s)
	case strings.Contains(s, "no such host") || strings.Contains(s, "name resolution"):
		return New(KindTransient, http.StatusBadGateway, "dns_error", "server_error", "DNS resolution error: "+s)
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "EOF"):
		return New(KindTransient, http.StatusBadGateway, "connection_error", "server_error", "Connection error: "+s)
	case strings.Contains(s, "tls") || strings.Contains(s, "certificate"):
		return New(KindTransient, http.StatusBadGateway, "tls_error", "server_error", "TLS error: "+s)
	default:
		return New(KindTransient, http.StatusBadGateway, "network_error", "server_error", "Network error: "+s)
	}
}

func upstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if errObj, ok := envelope["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
