package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func authEngine(password string) *gin.Engine {
	e := gin.New()
	e.Use(APIAuth(func() string { return password }))
	e.POST("/v1/chat/completions", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	e.POST("/v1beta/models/m:generateContent", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return e
}

func TestAPIAuthAcceptsEveryKeyLocation(t *testing.T) {
	t.Parallel()
	e := authEngine("sekrit")

	cases := []struct {
		name  string
		setup func(r *http.Request)
		url   string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekrit") }, "/v1/chat/completions"},
		{"raw authorization", func(r *http.Request) { r.Header.Set("Authorization", "sekrit") }, "/v1/chat/completions"},
		{"x-goog-api-key", func(r *http.Request) { r.Header.Set("x-goog-api-key", "sekrit") }, "/v1/chat/completions"},
		{"x-api-key", func(r *http.Request) { r.Header.Set("x-api-key", "sekrit") }, "/v1/chat/completions"},
		{"query", func(r *http.Request) {}, "/v1/chat/completions?key=sekrit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.url, nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			e.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestAPIAuthRejectsMissingAndWrongKey(t *testing.T) {
	t.Parallel()
	e := authEngine("sekrit")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_api_key", gjson.Get(w.Body.String(), "error.code").String())

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIAuthGeminiRoutesGetGeminiErrors(t *testing.T) {
	t.Parallel()
	e := authEngine("sekrit")

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := w.Body.String()
	require.Equal(t, int64(401), gjson.Get(body, "error.code").Int())
	require.Equal(t, "UNAUTHENTICATED", gjson.Get(body, "error.status").String())
}

func TestAPIAuthDisabledWithoutPassword(t *testing.T) {
	t.Parallel()
	e := authEngine("")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPanelAuthPlainAndHashed(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte("panel"), bcrypt.MinCost)
	require.NoError(t, err)

	for _, creds := range []PanelCredentials{
		{Password: "panel"},
		{PasswordHash: string(hash)},
		{Password: "ignored-when-hash-set", PasswordHash: string(hash)},
	} {
		creds := creds
		e := gin.New()
		e.Use(PanelAuth(func() PanelCredentials { return creds }))
		e.GET("/api/creds/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

		req := httptest.NewRequest(http.MethodGet, "/api/creds/status", nil)
		req.Header.Set("Authorization", "Bearer panel")
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/creds/status", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w = httptest.NewRecorder()
		e.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestPanelAuthRefusesWhenUnconfigured(t *testing.T) {
	t.Parallel()
	e := gin.New()
	e.Use(PanelAuth(func() PanelCredentials { return PanelCredentials{} }))
	e.GET("/api/creds/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/api/creds/status", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
