package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestPanelSeesTrafficAccounting(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 1})

	g.upstream.setRespond(func(w http.ResponseWriter, r *http.Request, call upstreamCall) {
		respondJSON(w, http.StatusOK, wrapResponse(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`))
	})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, g.chat(t, chatBody).Code)
	}

	w := g.request(t, http.MethodGet, "/api/usage", "", panelPassword)
	require.Equal(t, http.StatusOK, w.Code)

	rows := gjson.Get(w.Body.String(), "usage").Array()
	require.Len(t, rows, 2)
	var requests, prompt int64
	for _, row := range rows {
		assert.Equal(t, "gemini-2.5-pro", row.Get("model").String())
		requests += row.Get("requests").Int()
		prompt += row.Get("prompt_tokens").Int()
	}
	assert.Equal(t, int64(3), requests)
	assert.Equal(t, int64(30), prompt)
}

func TestPanelCredentialLifecycleAffectsTraffic(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 1})

	w := g.request(t, http.MethodPost, "/api/creds/disable", `{"id":"acct-01.json"}`, panelPassword)
	require.Equal(t, http.StatusOK, w.Code)

	// All traffic now lands on the remaining credential.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, g.chat(t, chatBody).Code)
	}
	assert.Equal(t, []string{"token-acct-02", "token-acct-02", "token-acct-02"}, g.upstream.bearers())

	w = g.request(t, http.MethodGet, "/api/creds/status", "", panelPassword)
	require.Equal(t, http.StatusOK, w.Code)
	for _, cred := range gjson.Get(w.Body.String(), "credentials").Array() {
		if cred.Get("id").String() == "acct-01.json" {
			assert.Equal(t, "disabled", cred.Get("status").String())
		}
	}
}

func TestConfigHotReloadChangesRotation(t *testing.T) {
	g := newGateway(t, gatewayOptions{credentials: 2, callsPerRotation: 1})

	w := g.request(t, http.MethodPost, "/api/config", "rotation:\n  calls_per_rotation: 4\n", panelPassword)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, g.cfgMgr.Get().Rotation.CallsPerRotation)
}

func TestUnauthorizedPanelAccess(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	w := g.request(t, http.MethodGet, "/api/usage", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.request(t, http.MethodGet, "/api/usage", "", apiKey)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
