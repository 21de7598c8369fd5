package credential

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// RefreshGroup serializes token refreshes per credential. Concurrent
// callers that find the same expired token share one upstream refresh
// instead of stampeding the token endpoint.
type RefreshGroup struct {
	group singleflight.Group
}

// Do runs fn for the credential unless a refresh for it is already in
// flight, in which case it waits for that one and shares its outcome.
// Waiting is abandoned when ctx is done; the in-flight refresh keeps
// running for the callers still attached to it.
func (g *RefreshGroup) Do(ctx context.Context, credID string, fn func() (*Credential, error)) (*Credential, error) {
	ch := g.group.DoChan(credID, func() (interface{}, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred, _ := res.Val.(*Credential)
		return cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops the in-flight entry so the next Do runs fn afresh.
func (g *RefreshGroup) Forget(credID string) {
	g.group.Forget(credID)
}
