package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gcliproxy/internal/credential"
	apperrors "gcliproxy/internal/errors"
)

type tokenServer struct {
	*httptest.Server
	refreshes int32
	fail      func() (int, string)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		atomic.AddInt32(&ts.refreshes, 1)

		if ts.fail != nil {
			status, errCode := ts.fail()
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode})
			return
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "ya29.fresh",
			RefreshToken: "",
			ExpiresIn:    3600,
			TokenType:    "Bearer",
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newRefresherFixture(t *testing.T, ts *tokenServer, dir string) (*Refresher, *credential.Pool) {
	t.Helper()
	pool := credential.NewPool([]*credential.Credential{{
		ID:           "a.json",
		ProjectID:    "proj",
		Source:       filepath.Join(dir, "a.json"),
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "1//refresh",
		Status:       credential.StatusActive,
	}}, 10, credential.NewAutoBanPolicy(false, nil, 3, time.Minute))

	r := NewRefresher(pool, dir,
		WithTokenURL(ts.URL),
		WithHTTPClient(ts.Client()),
	)
	return r, pool
}

func TestRefresherRefreshesExpiredToken(t *testing.T) {
	ts := newTokenServer(t)
	dir := t.TempDir()
	r, pool := newRefresherFixture(t, ts, dir)

	lease, _ := pool.Get("a.json")
	token, err := r.AccessToken(context.Background(), lease)
	require.NoError(t, err)
	require.Equal(t, "ya29.fresh", token)

	updated, _ := pool.Get("a.json")
	require.Equal(t, "ya29.fresh", updated.AccessToken)
	require.True(t, updated.TokenExpiry.After(time.Now()))

	// The refreshed token lands in the credential file too.
	raw, err := os.ReadFile(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "ya29.fresh")
	require.Contains(t, string(raw), "1//refresh")
}

func TestRefresherSkipsValidToken(t *testing.T) {
	ts := newTokenServer(t)
	dir := t.TempDir()
	r, pool := newRefresherFixture(t, ts, dir)

	pool.UpdateToken("a.json", "ya29.current", time.Now().Add(time.Hour), "")
	lease, _ := pool.Get("a.json")

	token, err := r.AccessToken(context.Background(), lease)
	require.NoError(t, err)
	require.Equal(t, "ya29.current", token)
	require.EqualValues(t, 0, atomic.LoadInt32(&ts.refreshes))
}

func TestRefresherSharesConcurrentRefreshes(t *testing.T) {
	ts := newTokenServer(t)
	dir := t.TempDir()
	r, pool := newRefresherFixture(t, ts, dir)

	lease, _ := pool.Get("a.json")
	errs := make(chan error, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Refresh(context.Background(), lease)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// All callers either shared the flight or found the cached token.
	require.LessOrEqual(t, atomic.LoadInt32(&ts.refreshes), int32(2))
}

func TestRefresherMarksAuthExpiredOnInvalidGrant(t *testing.T) {
	ts := newTokenServer(t)
	ts.fail = func() (int, string) { return http.StatusBadRequest, "invalid_grant" }
	dir := t.TempDir()
	r, pool := newRefresherFixture(t, ts, dir)

	lease, _ := pool.Get("a.json")
	_, err := r.Refresh(context.Background(), lease)
	require.Error(t, err)

	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apperrors.KindAuthExpired, apiErr.Kind)

	got, _ := pool.Get("a.json")
	require.Equal(t, credential.StatusError, got.Status)
}

func TestRefresherTransientOnServerError(t *testing.T) {
	ts := newTokenServer(t)
	ts.fail = func() (int, string) { return http.StatusInternalServerError, "backend_error" }
	dir := t.TempDir()
	r, pool := newRefresherFixture(t, ts, dir)

	lease, _ := pool.Get("a.json")
	_, err := r.Refresh(context.Background(), lease)
	require.Error(t, err)

	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apperrors.KindTransient, apiErr.Kind)

	// A flaky token endpoint must not kill the credential.
	got, _ := pool.Get("a.json")
	require.Equal(t, credential.StatusActive, got.Status)
}
