// Package middleware holds the gin middleware shared by every HTTP
// surface: authentication, rate limiting, request logging, panic
// recovery, request ids, CORS and Prometheus instrumentation.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	apperrors "gcliproxy/internal/errors"
)

// contextKeyAPIKey is where the accepted key lands for downstream
// handlers and the rate limiter.
const contextKeyAPIKey = "api_key"

// APIAuth guards the protocol surfaces. The key is accepted from
// Authorization: Bearer, x-goog-api-key, x-api-key, or ?key=, matching
// what OpenAI and Gemini client libraries actually send. password is
// read per request so config hot reloads apply immediately; an empty
// password disables the check.
func APIAuth(password func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		required := password()
		if required == "" {
			c.Next()
			return
		}

		provided := ExtractAPIKey(c)
		if provided == "" {
			abortUnauthorized(c, "API key not provided")
			return
		}
		if provided != required {
			abortUnauthorized(c, "Invalid API key")
			return
		}
		c.Set(contextKeyAPIKey, provided)
		c.Next()
	}
}

// PanelCredentials is the management-surface password, either plain or
// as a bcrypt hash. When both are set the hash wins.
type PanelCredentials struct {
	Password     string
	PasswordHash string
}

// PanelAuth guards /api and /metrics. Unlike APIAuth it refuses all
// requests when no password is configured: an open management surface
// is worse than a broken one.
func PanelAuth(creds func() PanelCredentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur := creds()
		if cur.Password == "" && cur.PasswordHash == "" {
			abortUnauthorized(c, "management password not configured")
			return
		}

		provided := ExtractAPIKey(c)
		if provided == "" {
			abortUnauthorized(c, "management password not provided")
			return
		}
		if cur.PasswordHash != "" {
			if bcrypt.CompareHashAndPassword([]byte(cur.PasswordHash), []byte(provided)) != nil {
				abortUnauthorized(c, "invalid management password")
				return
			}
		} else if provided != cur.Password {
			abortUnauthorized(c, "invalid management password")
			return
		}
		c.Set(contextKeyAPIKey, provided)
		c.Next()
	}
}

// ExtractAPIKey pulls the caller's key from the supported locations in
// precedence order.
func ExtractAPIKey(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
		return auth
	}
	if key := strings.TrimSpace(c.GetHeader("x-goog-api-key")); key != "" {
		return key
	}
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.Query("key"))
}

// abortUnauthorized renders the 401 in the protocol the route speaks:
// Gemini routes get the Gemini error envelope, everything else OpenAI.
func abortUnauthorized(c *gin.Context, message string) {
	apiErr := apperrors.Unauthorized(message)
	format := apperrors.FormatOpenAI
	if strings.Contains(c.Request.URL.Path, "/v1beta/") {
		format = apperrors.FormatGemini
	}
	c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON(format))
	c.Abort()
}
