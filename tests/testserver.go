// Package tests holds end-to-end tests that run the assembled gateway
// against a scripted Code Assist upstream.
package tests

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
	"gcliproxy/internal/oauth"
	"gcliproxy/internal/server"
	"gcliproxy/internal/storage"
	"gcliproxy/internal/upstream"
	"gcliproxy/internal/usage"
)

const (
	apiKey        = "sk-e2e-test"
	panelPassword = "panel-e2e-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// upstreamCall records one request the fake Code Assist API saw.
type upstreamCall struct {
	Action string
	Bearer string
	Body   []byte
}

// fakeUpstream is a scriptable Code Assist endpoint. Respond is invoked
// per request; swap it mid-test to script failure sequences.
type fakeUpstream struct {
	srv *httptest.Server

	mu      sync.Mutex
	calls   []upstreamCall
	respond func(w http.ResponseWriter, r *http.Request, call upstreamCall)
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.respond = func(w http.ResponseWriter, r *http.Request, call upstreamCall) {
		respondJSON(w, http.StatusOK, wrapResponse(`{"candidates":[{"content":{"role":"model","parts":[{"text":"default answer"}]},"finishReason":"STOP"}]}`))
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := strings.TrimPrefix(r.URL.Path, "/v1internal:")
		body, _ := io.ReadAll(r.Body)
		call := upstreamCall{
			Action: action,
			Bearer: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
			Body:   body,
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		respond := f.respond
		f.mu.Unlock()
		respond(w, r, call)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) setRespond(fn func(w http.ResponseWriter, r *http.Request, call upstreamCall)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeUpstream) callLog() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func (f *fakeUpstream) bearers() []string {
	log := f.callLog()
	out := make([]string, len(log))
	for i, c := range log {
		out[i] = c.Bearer
	}
	return out
}

// wrapResponse puts a generation payload into the v1internal response
// envelope the real API uses.
func wrapResponse(inner string) string {
	return `{"response":` + inner + `}`
}

func respondJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func respondSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		_, _ = io.WriteString(w, "data: "+e+"\n\n")
	}
}

// gateway is one fully assembled proxy instance wired to a fake
// upstream.
type gateway struct {
	engine   *gin.Engine
	upstream *fakeUpstream
	store    *credential.Store
	tracker  *usage.Tracker
	backend  storage.Backend
	cfgMgr   *config.Manager
	credsDir string
}

type gatewayOptions struct {
	credentials      int
	callsPerRotation int
	retry429Enabled  bool
	maxRetries429    int
}

func newGateway(t *testing.T, opts gatewayOptions) *gateway {
	t.Helper()
	if opts.credentials == 0 {
		opts.credentials = 2
	}
	if opts.callsPerRotation == 0 {
		opts.callsPerRotation = 1
	}

	up := newFakeUpstream(t)
	dir := t.TempDir()
	credsDir := filepath.Join(dir, "creds")
	require.NoError(t, os.MkdirAll(credsDir, 0o700))
	for i := 1; i <= opts.credentials; i++ {
		writeCredential(t, credsDir, fmt.Sprintf("acct-%02d", i))
	}

	cfgYAML := fmt.Sprintf(`
auth:
  api_password: %s
  panel_password: %s
rotation:
  calls_per_rotation: %d
retry:
  retry_429_enabled: %t
  retry_429_max_retries: %d
  retry_429_interval: 0
  retry_5xx_interval: 0
streaming:
  delay_ms: 0
upstream:
  code_assist_endpoint: %s
credentials:
  dir: %s
auto_ban:
  enabled: false
`, apiKey, panelPassword, opts.callsPerRotation, opts.retry429Enabled, opts.maxRetries429, up.srv.URL, credsDir)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))
	cfgMgr := config.NewManager(cfgPath)
	require.NoError(t, cfgMgr.Load())
	cfg := cfgMgr.Get()

	backend, err := storage.NewFileBackend(filepath.Join(dir, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	ctx := context.Background()
	store := credential.NewStore(ctx, credential.StoreOptions{
		Sources:          []credential.Source{credential.NewFileSource(credsDir)},
		States:           backend,
		CallsPerRotation: cfg.Rotation.CallsPerRotation,
		AutoBan: credential.NewAutoBanPolicy(
			cfg.AutoBan.Enabled,
			cfg.AutoBan.ErrorCodes,
			cfg.AutoBan.Threshold,
			cfg.AutoBan.Cooldown(),
		),
		FileDir: credsDir,
	})

	refresher := oauth.NewRefresher(store.Pool(), credsDir)
	limiter := credential.NewSlotLimiter(cfg.Rotation.MaxConcurrentPerCredential)
	client := upstream.NewClient(cfg.Upstream)
	dispatcher := upstream.NewDispatcher(store.Pool(), limiter, refresher, client, cfgMgr.Get)
	tracker := usage.NewTracker(backend)

	srv := server.New(cfgMgr, server.Dependencies{
		Store:      store,
		Dispatcher: dispatcher,
		Usage:      tracker,
		Version:    "e2e",
	})
	return &gateway{
		engine:   srv.Engine(),
		upstream: up,
		store:    store,
		tracker:  tracker,
		backend:  backend,
		cfgMgr:   cfgMgr,
		credsDir: credsDir,
	}
}

// writeCredential drops a credential file whose access token is valid
// far into the future, so no refresh traffic happens during tests. The
// bearer the upstream sees identifies the credential.
func writeCredential(t *testing.T, dir, name string) {
	t.Helper()
	body := fmt.Sprintf(`{
  "client_id": "cid",
  "client_secret": "sec",
  "refresh_token": "rt-%s",
  "access_token": "token-%s",
  "expiry": "2099-01-01T00:00:00Z",
  "project_id": "proj-%s"
}`, name, name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600))
}

func (g *gateway) request(t *testing.T, method, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	return w
}

func (g *gateway) chat(t *testing.T, body string) *httptest.ResponseRecorder {
	return g.request(t, http.MethodPost, "/v1/chat/completions", body, apiKey)
}

// sseDeltas reassembles the delta contents of an OpenAI SSE body.
func sseDeltas(t *testing.T, raw string) (content string, sawDone bool) {
	t.Helper()
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		payload := strings.TrimPrefix(line, "data: ")
		if payload == line {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		b.WriteString(gjson.Get(payload, "choices.0.delta.content").String())
	}
	return b.String(), sawDone
}
