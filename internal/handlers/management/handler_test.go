package management

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
	"gcliproxy/internal/storage"
	"gcliproxy/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func writeCredentialFile(t *testing.T, dir, name string) {
	t.Helper()
	body := fmt.Sprintf(`{"client_id":"cid","client_secret":"sec","refresh_token":"rt-%s","project_id":"proj-%s"}`, name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600))
}

type fixture struct {
	router  *gin.Engine
	store   *credential.Store
	tracker *usage.Tracker
	backend storage.Backend
	cfgMgr  *config.Manager
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeCredentialFile(t, dir, "alpha")
	writeCredentialFile(t, dir, "beta")

	backend, err := storage.NewFileBackend(filepath.Join(dir, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	ctx := context.Background()
	store := credential.NewStore(ctx, credential.StoreOptions{
		Sources:          []credential.Source{credential.NewFileSource(dir)},
		States:           backend,
		CallsPerRotation: 1,
		FileDir:          dir,
	})
	tracker := usage.NewTracker(backend)

	cfgMgr := config.NewManager(filepath.Join(dir, "config.yaml"))
	require.NoError(t, cfgMgr.Load())

	h := New(Options{
		Store:     store,
		ConfigMgr: cfgMgr,
		Usage:     tracker,
		Version:   "test",
	})
	r := gin.New()
	h.Register(r.Group("/api"))
	h.RegisterCallback(r)
	return &fixture{router: r, store: store, tracker: tracker, backend: backend, cfgMgr: cfgMgr, dir: dir}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCredentialStatusSnapshot(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/creds/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	creds := gjson.Get(w.Body.String(), "credentials").Array()
	require.Len(t, creds, 2)
	assert.Equal(t, "alpha.json", creds[0].Get("id").String())
	assert.Equal(t, "active", creds[0].Get("status").String())
}

func TestCredentialDisableEnableCycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/creds/disable", `{"id":"alpha.json"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cred, ok := f.store.Pool().Get("alpha.json")
	require.True(t, ok)
	assert.Equal(t, credential.StatusDisabled, cred.Status)

	w = f.do(http.MethodPost, "/api/creds/enable", `{"id":"alpha.json"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cred, ok = f.store.Pool().Get("alpha.json")
	require.True(t, ok)
	assert.Equal(t, credential.StatusActive, cred.Status)
}

func TestCredentialDeleteRemovesFile(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/creds/delete", `{"id":"beta.json"}`)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := f.store.Pool().Get("beta.json")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(f.dir, "beta.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestCredentialActionValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/creds/disable", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/creds/explode", `{"id":"alpha.json"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/creds/disable", `{"id":"missing.json"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadPicksUpNewFiles(t *testing.T) {
	f := newFixture(t)
	writeCredentialFile(t, f.dir, "gamma")

	w := f.do(http.MethodPost, "/api/creds/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3), gjson.Get(w.Body.String(), "credentials").Int())
	_, ok := f.store.Pool().Get("gamma.json")
	assert.True(t, ok)
}

func TestGetConfigRedactsPanelHash(t *testing.T) {
	f := newFixture(t)

	cfg := *f.cfgMgr.Get()
	cfg.Auth.PanelPasswordHash = "$2a$10$secret"
	require.NoError(t, f.cfgMgr.Save(&cfg))

	w := f.do(http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/yaml")

	var got config.Config
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &got))
	assert.Empty(t, got.Auth.PanelPasswordHash)
	assert.Equal(t, cfg.Server.Port, got.Server.Port)
}

func TestSaveConfigOverlaysAndPersists(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/config", "rotation:\n  calls_per_rotation: 5\n")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 5, f.cfgMgr.Get().Rotation.CallsPerRotation)
	// Untouched sections keep their values.
	assert.Equal(t, config.Default().Server.Port, f.cfgMgr.Get().Server.Port)

	data, err := os.ReadFile(filepath.Join(f.dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "calls_per_rotation: 5")
}

func TestSaveConfigRejectsBadYAML(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/config", "rotation: [not a map")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageEndpoints(t *testing.T) {
	f := newFixture(t)
	f.tracker.Record("alpha.json", "gemini-2.5-pro", true, 10, 4)
	f.tracker.Record("alpha.json", "gemini-2.5-pro", false, 0, 0)

	w := f.do(http.MethodGet, "/api/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := gjson.Get(w.Body.String(), "usage").Array()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Get("requests").Int())
	assert.Equal(t, int64(1), rows[0].Get("failures").Int())
	assert.Equal(t, int64(10), rows[0].Get("prompt_tokens").Int())

	w = f.do(http.MethodPost, "/api/usage/reset", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gjson.Get(w.Body.String(), "usage").Array())
}

func TestStatusOverview(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Disable(context.Background(), "beta.json", "test"))

	w := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "test", body.Get("version").String())
	assert.Equal(t, int64(2), body.Get("credentials_total").Int())
	assert.Equal(t, int64(1), body.Get("credentials_active").Int())
}

func TestOAuthEndpointsWithoutFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/oauth/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(http.MethodGet, "/oauth2/callback?code=x&state=y", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogStreamWithoutHub(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/logs/ws", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
