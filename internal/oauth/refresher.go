package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/credential"
	apperrors "gcliproxy/internal/errors"
)

// refreshMargin: a token with less than this left is refreshed before use.
const refreshMargin = 5 * time.Minute

// Refresher keeps pool credentials' access tokens fresh. Refreshes are
// serialized per credential; the refreshed token is written back to the
// pool and, for file-sourced credentials, to the credential file so it
// survives a restart.
type Refresher struct {
	pool     *credential.Pool
	files    *credential.FileSource
	client   *http.Client
	tokenURL string
	group    credential.RefreshGroup
	now      func() time.Time
}

// RefresherOption customizes a Refresher.
type RefresherOption func(*Refresher)

// WithTokenURL points the refresher at a different token endpoint.
func WithTokenURL(tokenURL string) RefresherOption {
	return func(r *Refresher) {
		if tokenURL != "" {
			r.tokenURL = tokenURL
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token calls.
func WithHTTPClient(client *http.Client) RefresherOption {
	return func(r *Refresher) {
		if client != nil {
			r.client = client
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRefresher builds a Refresher over the pool. fileDir may be empty
// when no credential files exist to write back to.
func NewRefresher(pool *credential.Pool, fileDir string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		pool:     pool,
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: TokenURL,
		now:      time.Now,
	}
	if fileDir != "" {
		r.files = credential.NewFileSource(fileDir)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AccessToken returns a usable bearer token for the leased credential,
// refreshing first when the cached one is absent or about to expire.
func (r *Refresher) AccessToken(ctx context.Context, lease *credential.Credential) (string, error) {
	if lease.TokenValid(refreshMargin) {
		return lease.AccessToken, nil
	}
	fresh, err := r.Refresh(ctx, lease)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// Refresh forces a token refresh for the credential. Concurrent callers
// for the same credential share one refresh. The caller's lease may be
// stale; the pool copy is consulted first in case another request
// already refreshed it.
func (r *Refresher) Refresh(ctx context.Context, lease *credential.Credential) (*credential.Credential, error) {
	return r.group.Do(ctx, lease.ID, func() (*credential.Credential, error) {
		current, ok := r.pool.Get(lease.ID)
		if !ok {
			current = lease
		}
		if current.TokenValid(refreshMargin) {
			return current, nil
		}

		tr, err := refreshAccessToken(ctx, r.client, r.tokenURL,
			current.ClientID, current.ClientSecret, current.RefreshToken)
		if err != nil {
			var apiErr *apperrors.APIError
			if errors.As(err, &apiErr) && apiErr.Kind == apperrors.KindAuthExpired {
				r.pool.MarkAuthExpired(current.ID, apiErr.Message)
			}
			return nil, err
		}

		expiry := expiryFromNow(r.now(), tr.ExpiresIn)
		r.pool.UpdateToken(current.ID, tr.AccessToken, expiry, tr.RefreshToken)

		updated, _ := r.pool.Get(current.ID)
		if updated == nil {
			updated = current.Clone()
			updated.AccessToken = tr.AccessToken
			updated.TokenExpiry = expiry
		}
		r.writeBack(updated)

		log.WithFields(log.Fields{
			"credential": current.ID,
			"expires_at": expiry.Format(time.RFC3339),
		}).Info("access token refreshed")
		return updated, nil
	})
}

// writeBack persists the refreshed token into the credential file so a
// restart does not burn another refresh. Env credentials have no file.
func (r *Refresher) writeBack(cred *credential.Credential) {
	if r.files == nil || cred.Source == "" || !isFileSource(cred) {
		return
	}
	if _, err := r.files.Save(cred, cred.ID); err != nil {
		log.WithError(err).WithField("credential", cred.ID).Warn("refreshed token not written back")
	}
}

func isFileSource(cred *credential.Credential) bool {
	return !strings.HasPrefix(cred.Source, "env:")
}
