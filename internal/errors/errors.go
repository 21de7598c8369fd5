// Package errors defines the gateway's error taxonomy and its rendering
// into the wire formats clients expect. Every failure that reaches a
// handler is an *APIError; everything else is a programming bug.
package errors

import (
	"fmt"
	"net/http"
)

// Kind classifies a failure by what the caller (or operator) can do about it.
type Kind string

const (
	KindMalformedRequest Kind = "malformed_request"
	KindUnauthorized     Kind = "unauthorized"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindRateLimited      Kind = "rate_limited"
	KindAuthExpired      Kind = "auth_expired"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
)

// APIError is the single error currency between dispatcher, reconstructor
// and handlers. HTTPStatus is what the gateway answers with; Code and Type
// feed the OpenAI envelope, Kind drives retry/failover decisions.
type APIError struct {
	Kind       Kind
	HTTPStatus int
	Code       string
	Type       string
	Message    string
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// New builds an APIError with an explicit status and classification.
func New(kind Kind, httpStatus int, code, errType, message string) *APIError {
	return &APIError{Kind: kind, HTTPStatus: httpStatus, Code: code, Type: errType, Message: message}
}

func (e *APIError) WithDetails(details map[string]interface{}) *APIError {
	e.Details = details
	return e
}

// MalformedRequest covers client-fixable parse and validation failures.
func MalformedRequest(message string) *APIError {
	return New(KindMalformedRequest, http.StatusBadRequest, "invalid_request_error", "invalid_request_error", message)
}

// Unauthorized covers failed gateway authentication.
func Unauthorized(message string) *APIError {
	if message == "" {
		message = "Invalid authentication credentials"
	}
	return New(KindUnauthorized, http.StatusUnauthorized, "invalid_api_key", "authentication_error", message)
}

// PoolExhausted signals that zero credentials are in active status.
func PoolExhausted() *APIError {
	return New(KindPoolExhausted, http.StatusServiceUnavailable, "no_available_credentials", "server_error",
		"No active credentials available to serve the request")
}

// RateLimited signals that retries and failover across the pool were
// exhausted while the upstream kept answering 429.
func RateLimited(message string) *APIError {
	if message == "" {
		message = "Upstream rate limit exceeded on all credentials"
	}
	return New(KindRateLimited, http.StatusTooManyRequests, "rate_limit_exceeded", "rate_limit_error", message)
}

// AuthExpired marks a credential whose token could not be refreshed.
// It degrades the credential; the request itself usually fails over.
func AuthExpired(message string) *APIError {
	return New(KindAuthExpired, http.StatusUnauthorized, "credential_auth_expired", "authentication_error", message)
}

// Transient covers upstream 5xx and network-level failures after the
// bounded retries ran out.
func Transient(httpStatus int, message string) *APIError {
	switch httpStatus {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
	default:
		httpStatus = http.StatusBadGateway
	}
	return New(KindTransient, httpStatus, "upstream_error", "server_error", message)
}

// Fatal covers everything that must not be retried.
func Fatal(httpStatus int, message string) *APIError {
	return New(KindFatal, httpStatus, "server_error", "server_error", message)
}

// Retryable reports whether the dispatcher may try the same request again,
// on this or another credential.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindAuthExpired, KindTransient:
		return true
	}
	return false
}

// RetryAfterSeconds suggests a client backoff for the final error body.
func (e *APIError) RetryAfterSeconds() int {
	if e.Details != nil {
		switch v := e.Details["retry_after"].(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	switch e.HTTPStatus {
	case http.StatusTooManyRequests:
		return 60
	case http.StatusServiceUnavailable:
		return 30
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return 15
	default:
		return 5
	}
}
