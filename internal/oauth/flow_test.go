package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticProjects struct {
	projects []ProjectInfo
}

func (s *staticProjects) ListProjects(context.Context, string) ([]ProjectInfo, error) {
	return s.projects, nil
}

func newExchangeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		require.NotEmpty(t, r.Form.Get("code_verifier"), "PKCE verifier must be sent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-" + r.Form.Get("code"),
			"refresh_token": "refresh-" + r.Form.Get("code"),
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFlow(t *testing.T, srv *httptest.Server, projects ProjectLister) *Flow {
	t.Helper()
	return NewFlow("client-id", "client-secret", "http://localhost:7861/oauth2/callback",
		WithEndpoint(oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}),
		WithFlowHTTPClient(srv.Client()),
		WithProjectLister(projects),
	)
}

func TestStartAuthBuildsPKCEURL(t *testing.T) {
	srv := newExchangeServer(t)
	f := newTestFlow(t, srv, &staticProjects{})

	authURL, state, err := f.StartAuth("my-project", "")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, state, q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "my-project", q.Get("project"))
	require.Equal(t, 1, f.PendingSessions())
}

func TestExchangeMintsCredential(t *testing.T) {
	srv := newExchangeServer(t)
	f := newTestFlow(t, srv, &staticProjects{})

	_, state, err := f.StartAuth("my-project", "")
	require.NoError(t, err)

	cred, err := f.Exchange(context.Background(), "the-code", state, "")
	require.NoError(t, err)
	require.Equal(t, "my-project", cred.ProjectID)
	require.Equal(t, "access-the-code", cred.AccessToken)
	require.Equal(t, "refresh-the-code", cred.RefreshToken)
	require.Equal(t, "client-id", cred.ClientID)

	// The session is single-use.
	_, err = f.Exchange(context.Background(), "the-code", state, "")
	require.Error(t, err)
}

func TestExchangeDiscoversProject(t *testing.T) {
	srv := newExchangeServer(t)
	f := newTestFlow(t, srv, &staticProjects{projects: []ProjectInfo{
		{ProjectID: "alpha", Name: "Alpha", State: "ACTIVE"},
		{ProjectID: "my-default-proj", Name: "Default Project", State: "ACTIVE"},
	}})

	_, state, err := f.StartAuth("", "")
	require.NoError(t, err)

	cred, err := f.Exchange(context.Background(), "c", state, "")
	require.NoError(t, err)
	require.Equal(t, "my-default-proj", cred.ProjectID, "project containing 'default' wins")
}

func TestExchangeRejectsUnknownState(t *testing.T) {
	srv := newExchangeServer(t)
	f := newTestFlow(t, srv, &staticProjects{})

	_, err := f.Exchange(context.Background(), "c", "never-issued", "")
	require.Error(t, err)
}

func TestPickDefaultProject(t *testing.T) {
	require.Equal(t, "", PickDefaultProject(nil))
	require.Equal(t, "first", PickDefaultProject([]ProjectInfo{
		{ProjectID: "first"}, {ProjectID: "second"},
	}))
	require.Equal(t, "has-default", PickDefaultProject([]ProjectInfo{
		{ProjectID: "first"}, {ProjectID: "has-default"},
	}))
}
