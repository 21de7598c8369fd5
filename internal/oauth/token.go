// Package oauth talks to Google's OAuth endpoints: refreshing pool
// credentials, running the authorization-code flow that mints new ones,
// and the Code Assist onboarding that activates a project for them.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "gcliproxy/internal/errors"
)

const (
	// TokenURL is Google's OAuth token endpoint.
	TokenURL = "https://oauth2.googleapis.com/token"

	// DefaultClientID and DefaultClientSecret are the public gemini-cli
	// installed-app OAuth client, required for Code Assist quota. They
	// ship in the CLI's own source; an installed-app secret is not
	// confidential.
	DefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// DefaultScopes are the scopes the CLI requests.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
}

// tokenError is the token endpoint's failure payload.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refreshAccessToken exchanges a refresh token for a fresh access token.
// An invalid_grant answer means the refresh token itself is dead and the
// credential needs re-authorization.
func refreshAccessToken(ctx context.Context, client *http.Client, tokenURL, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.FromNetworkError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		if te.Error == "invalid_grant" || te.Error == "unauthorized_client" {
			return nil, apperrors.AuthExpired(fmt.Sprintf("refresh token rejected: %s", te.ErrorDescription))
		}
		if resp.StatusCode >= 500 {
			return nil, apperrors.Transient(http.StatusBadGateway,
				fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
		}
		return nil, apperrors.AuthExpired(fmt.Sprintf("token refresh failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access token")
	}
	return &tr, nil
}

// expiryFromNow converts the endpoint's relative expires_in to a wall
// clock instant.
func expiryFromNow(now time.Time, expiresIn int) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
