package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	t.Parallel()
	e := gin.New()
	e.Use(Recovery())
	e.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "internal server error", gjson.Get(w.Body.String(), "error.message").String())
}

func TestRequestIDMintedAndEchoed(t *testing.T) {
	t.Parallel()
	e := gin.New()
	e.Use(RequestID())
	e.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
	require.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflightAndManagementSkip(t *testing.T) {
	t.Parallel()
	e := gin.New()
	e.Use(CORS())
	e.GET("/v1/models", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	e.GET("/api/creds/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/v1/models", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/creds/status", nil)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()
	e := gin.New()
	e.Use(Metrics())
	e.GET("/v1/models", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}
