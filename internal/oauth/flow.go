package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"gcliproxy/internal/credential"
)

// sessionTTL bounds how long a started flow waits for its callback.
const sessionTTL = 10 * time.Minute

// authSession tracks one in-progress authorization, keyed by state.
type authSession struct {
	state        string
	codeVerifier string
	projectID    string
	createdAt    time.Time
}

// Flow runs the authorization-code flow with PKCE that mints new pool
// credentials through the management panel.
type Flow struct {
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	endpoint     oauth2.Endpoint
	httpClient   *http.Client
	projects     ProjectLister

	mu       sync.Mutex
	sessions map[string]*authSession
	now      func() time.Time
}

// FlowOption customizes a Flow.
type FlowOption func(*Flow)

// WithEndpoint overrides the auth/token endpoints, for tests.
func WithEndpoint(endpoint oauth2.Endpoint) FlowOption {
	return func(f *Flow) {
		if endpoint.AuthURL != "" && endpoint.TokenURL != "" {
			f.endpoint = endpoint
		}
	}
}

// WithFlowHTTPClient overrides the HTTP client used for the exchange.
func WithFlowHTTPClient(client *http.Client) FlowOption {
	return func(f *Flow) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithProjectLister overrides project discovery, for tests.
func WithProjectLister(pl ProjectLister) FlowOption {
	return func(f *Flow) {
		if pl != nil {
			f.projects = pl
		}
	}
}

// NewFlow builds a Flow. Empty clientID/clientSecret fall back to the
// public gemini-cli client; empty redirectURL must be set by the caller
// from the request host before StartAuth.
func NewFlow(clientID, clientSecret, redirectURL string, opts ...FlowOption) *Flow {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}
	f := &Flow{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		scopes:       append([]string(nil), DefaultScopes...),
		endpoint:     google.Endpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		projects:     NewProjectDetector(),
		sessions:     make(map[string]*authSession),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StartAuth begins a flow and returns the URL to send the user to.
// projectID may be empty; it is then discovered after the exchange.
func (f *Flow) StartAuth(projectID, redirectURL string) (authURL, state string, err error) {
	if redirectURL == "" {
		redirectURL = f.redirectURL
	}
	if redirectURL == "" {
		return "", "", fmt.Errorf("oauth redirect URL not configured")
	}

	state = uuid.New().String()
	verifier, err := randomVerifier()
	if err != nil {
		return "", "", fmt.Errorf("generate code verifier: %w", err)
	}

	f.mu.Lock()
	f.pruneLocked()
	f.sessions[state] = &authSession{
		state:        state,
		codeVerifier: verifier,
		projectID:    projectID,
		createdAt:    f.now(),
	}
	f.mu.Unlock()

	cfg := f.config(redirectURL)
	authURL = cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", challengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	if projectID != "" {
		authURL += "&project=" + url.QueryEscape(projectID)
	}

	log.WithFields(log.Fields{"state": state, "project": projectID}).Info("oauth flow started")
	return authURL, state, nil
}

// Exchange finishes a flow: trades the code for tokens, resolves the
// project when none was given, and returns a credential ready for the
// store.
func (f *Flow) Exchange(ctx context.Context, code, state, redirectURL string) (*credential.Credential, error) {
	f.mu.Lock()
	session, ok := f.sessions[state]
	if ok {
		delete(f.sessions, state)
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown or expired oauth state")
	}
	if redirectURL == "" {
		redirectURL = f.redirectURL
	}

	cfg := f.config(redirectURL)
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := cfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", session.codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	projectID := session.projectID
	if projectID == "" {
		projectID, err = f.discoverProject(ctx, token.AccessToken)
		if err != nil {
			return nil, err
		}
	}

	cred := &credential.Credential{
		ProjectID:    projectID,
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		TokenExpiry:  token.Expiry,
		Status:       credential.StatusActive,
	}
	log.WithField("project", projectID).Info("oauth flow completed")
	return cred, nil
}

// discoverProject lists the user's projects and picks one the way the
// CLI does: a project whose name or id mentions "default", else the
// first active one.
func (f *Flow) discoverProject(ctx context.Context, accessToken string) (string, error) {
	projects, err := f.projects.ListProjects(ctx, accessToken)
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	id := PickDefaultProject(projects)
	if id == "" {
		return "", fmt.Errorf("no active project found; pass a project id explicitly")
	}
	return id, nil
}

// PendingSessions reports how many flows await their callback.
func (f *Flow) PendingSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	return len(f.sessions)
}

func (f *Flow) config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       f.scopes,
		Endpoint:     f.endpoint,
	}
}

// pruneLocked drops sessions past their TTL. Caller holds f.mu.
func (f *Flow) pruneLocked() {
	cutoff := f.now().Add(-sessionTTL)
	for state, session := range f.sessions {
		if session.createdAt.Before(cutoff) {
			delete(f.sessions, state)
		}
	}
}

func randomVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 is BASE64URL(SHA256(verifier)).
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
