package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gcliproxy/internal/credential"
)

const chatBody = `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"say something"}]}`

func TestRotationAdvancesEveryCall(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 1})

	for i := 0; i < 4; i++ {
		w := g.chat(t, chatBody)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// calls_per_rotation=1 means strict alternation between the two
	// credentials, starting at the first.
	assert.Equal(t, []string{
		"token-acct-01", "token-acct-02", "token-acct-01", "token-acct-02",
	}, g.upstream.bearers())
}

func TestRotationStickyBlocks(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 3})

	for i := 0; i < 5; i++ {
		w := g.chat(t, chatBody)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Three calls stick to the first credential before the cursor moves.
	assert.Equal(t, []string{
		"token-acct-01", "token-acct-01", "token-acct-01", "token-acct-02", "token-acct-02",
	}, g.upstream.bearers())
}

func TestUsageCountResetsWhenCursorReturns(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 2})

	for i := 0; i < 5; i++ {
		w := g.chat(t, chatBody)
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Calls 1-2 on acct-01, 3-4 on acct-02, call 5 wraps back to
	// acct-01 with a fresh block counter.
	for _, sum := range g.store.Snapshot() {
		switch sum.ID {
		case "acct-01.json":
			assert.Equal(t, int64(1), sum.UsageCount)
			assert.Equal(t, int64(3), sum.TotalRequests)
			assert.True(t, sum.AtCursor)
		case "acct-02.json":
			assert.Equal(t, int64(2), sum.UsageCount)
			assert.Equal(t, int64(2), sum.TotalRequests)
			assert.False(t, sum.AtCursor)
		}
	}
}

func TestRetry429SameCredentialThenSuccess(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, retry429Enabled: true, maxRetries429: 2})

	g.upstream.setRespond(func(w http.ResponseWriter, r *http.Request, call upstreamCall) {
		if len(g.upstream.callLog()) == 1 {
			respondJSON(w, http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exceeded"}}`)
			return
		}
		respondJSON(w, http.StatusOK, wrapResponse(`{"candidates":[{"content":{"parts":[{"text":"second try"}]},"finishReason":"STOP"}]}`))
	})

	w := g.chat(t, chatBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "second try", gjson.Get(w.Body.String(), "choices.0.message.content").String())

	// Both attempts landed on the same credential.
	require.Equal(t, []string{"token-acct-01", "token-acct-01"}, g.upstream.bearers())
}

func TestPersistent429FailsOverAndCoolsDown(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2})

	g.upstream.setRespond(func(w http.ResponseWriter, r *http.Request, call upstreamCall) {
		if call.Bearer == "token-acct-01" {
			respondJSON(w, http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exceeded"}}`)
			return
		}
		respondJSON(w, http.StatusOK, wrapResponse(`{"candidates":[{"content":{"parts":[{"text":"from the backup"}]},"finishReason":"STOP"}]}`))
	})

	w := g.chat(t, chatBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from the backup", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, []string{"token-acct-01", "token-acct-02"}, g.upstream.bearers())

	cred, ok := g.store.Pool().Get("acct-01.json")
	require.True(t, ok)
	assert.Equal(t, credential.StatusCoolingDown, cred.Status)
	assert.False(t, cred.CoolDownUntil.IsZero())
}

func TestAllCredentialsExhaustedSurfacesQuotaError(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2})

	g.upstream.setRespond(func(w http.ResponseWriter, r *http.Request, call upstreamCall) {
		respondJSON(w, http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exceeded"}}`)
	})

	w := g.chat(t, chatBody)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "error.message").String())
}

func TestPoolExhaustedWithoutCredentials(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2})
	require.NoError(t, g.store.Disable(context.Background(), "acct-01.json", "test"))
	require.NoError(t, g.store.Disable(context.Background(), "acct-02.json", "test"))

	w := g.chat(t, chatBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, len(g.upstream.callLog()))
}
