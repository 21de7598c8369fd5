package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaxonomyStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantKind   Kind
		wantStatus int
	}{
		{"malformed", MalformedRequest("bad json"), KindMalformedRequest, http.StatusBadRequest},
		{"unauthorized", Unauthorized(""), KindUnauthorized, http.StatusUnauthorized},
		{"pool exhausted", PoolExhausted(), KindPoolExhausted, http.StatusServiceUnavailable},
		{"rate limited", RateLimited(""), KindRateLimited, http.StatusTooManyRequests},
		{"auth expired", AuthExpired("invalid_grant"), KindAuthExpired, http.StatusUnauthorized},
		{"transient", Transient(0, "boom"), KindTransient, http.StatusBadGateway},
		{"transient unavailable", Transient(http.StatusServiceUnavailable, "no flow"), KindTransient, http.StatusServiceUnavailable},
		{"transient timeout", Transient(http.StatusGatewayTimeout, "slow"), KindTransient, http.StatusGatewayTimeout},
		{"transient coerced", Transient(http.StatusTeapot, "odd"), KindTransient, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantKind, tt.err.Kind)
			require.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
		})
	}
}

func TestRetryable(t *testing.T) {
	require.True(t, RateLimited("").Retryable())
	require.True(t, Transient(0, "x").Retryable())
	require.True(t, AuthExpired("x").Retryable())
	require.False(t, MalformedRequest("x").Retryable())
	require.False(t, PoolExhausted().Retryable())
	require.False(t, Fatal(500, "x").Retryable())
}

func TestToJSONOpenAIEnvelope(t *testing.T) {
	body := RateLimited("slow down").ToJSON(FormatOpenAI)

	var out OpenAIError
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "slow down", out.Error.Message)
	require.Equal(t, "rate_limit_error", out.Error.Type)
	require.Equal(t, "rate_limit_exceeded", out.Error.Code)
}

func TestToJSONGeminiEnvelope(t *testing.T) {
	body := PoolExhausted().ToJSON(FormatGemini)

	var out GeminiError
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, http.StatusServiceUnavailable, out.Error.Code)
	require.Equal(t, "UNAVAILABLE", out.Error.Status)
}

func TestFromUpstreamStatus(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		wantKind Kind
		wantMsg  string
	}{
		{429, `{"error":{"message":"quota exceeded"}}`, KindRateLimited, "quota exceeded"},
		{401, ``, KindAuthExpired, "Upstream rejected the credential token"},
		{403, `{"error":{"message":"blocked"}}`, KindAuthExpired, "blocked"},
		{500, ``, KindTransient, "Upstream error (HTTP 500)"},
		{503, ``, KindTransient, "Upstream error (HTTP 503)"},
		{400, `{"error":{"message":"bad contents"}}`, KindMalformedRequest, "bad contents"},
	}
	for _, tt := range tests {
		got := FromUpstreamStatus(tt.status, []byte(tt.body))
		require.Equal(t, tt.wantKind, got.Kind, "status %d", tt.status)
		require.Equal(t, tt.wantMsg, got.Message, "status %d", tt.status)
	}
}

func TestFromNetworkErrorClassification(t *testing.T) {
	canceled := FromNetworkError(contextCanceledErr{})
	require.Equal(t, KindFatal, canceled.Kind)
	require.Equal(t, http.StatusRequestTimeout, canceled.HTTPStatus)

	timeout := FromNetworkError(timeoutErr{})
	require.Equal(t, KindTransient, timeout.Kind)
	require.Equal(t, http.StatusGatewayTimeout, timeout.HTTPStatus)
}

type contextCanceledErr struct{}

func (contextCanceledErr) Error() string { return "Post \"https://x\": context canceled" }

type timeoutErr struct{}

func (timeoutErr) Error() string { return "dial tcp: i/o timeout" }
