// Package credential owns the credential pool: loading from sources,
// sticky round-robin rotation, status lifecycle, per-credential
// concurrency slots and refresh serialization.
package credential

import (
	"time"
)

// Status is a credential's lifecycle state. Only active credentials are
// eligible for selection.
type Status string

const (
	// StatusActive: eligible for rotation.
	StatusActive Status = "active"
	// StatusDisabled: taken out manually or by auto-ban; only an explicit
	// enable brings it back.
	StatusDisabled Status = "disabled"
	// StatusCoolingDown: temporarily out after quota pressure; recovers
	// by itself once CoolDownUntil passes.
	StatusCoolingDown Status = "cooling-down"
	// StatusError: token refresh failed permanently (invalid_grant and
	// friends); needs re-authorization.
	StatusError Status = "error"
)

// Credential is one OAuth identity against the upstream backend. All
// mutable fields are guarded by the owning Pool's lock; code outside this
// package only ever sees clones and snapshots.
type Credential struct {
	ID        string
	ProjectID string
	Source    string

	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenExpiry  time.Time

	Status        Status
	StatusReason  string
	CoolDownUntil time.Time

	// UsageCount counts calls in the current rotation block and resets
	// when the cursor returns to this credential.
	UsageCount    int64
	TotalRequests int64
	ErrorCount    int64
	Consecutive   int
	LastUsedAt    time.Time
	LastErrorAt   time.Time
}

// Clone returns an independent copy safe to use outside the pool lock.
func (c *Credential) Clone() *Credential {
	cp := *c
	return &cp
}

// TokenValid reports whether the cached access token is still usable,
// with margin of safety before the recorded expiry.
func (c *Credential) TokenValid(margin time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).Before(c.TokenExpiry)
}

// Summary is the read-only view served to the management surface.
type Summary struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id,omitempty"`
	Source        string    `json:"source"`
	Status        Status    `json:"status"`
	StatusReason  string    `json:"status_reason,omitempty"`
	UsageCount    int64     `json:"usage_count"`
	TotalRequests int64     `json:"total_requests"`
	ErrorCount    int64     `json:"error_count"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
	CoolDownUntil time.Time `json:"cool_down_until,omitempty"`
	AtCursor      bool      `json:"at_cursor"`
}

// State is the persisted slice of a credential: what must survive a
// restart so bans and counters are not forgotten.
type State struct {
	Status        Status    `json:"status"`
	StatusReason  string    `json:"status_reason,omitempty"`
	ErrorCount    int64     `json:"error_count"`
	TotalRequests int64     `json:"total_requests"`
	CoolDownUntil time.Time `json:"cool_down_until,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c *Credential) state() State {
	return State{
		Status:        c.Status,
		StatusReason:  c.StatusReason,
		ErrorCount:    c.ErrorCount,
		TotalRequests: c.TotalRequests,
		CoolDownUntil: c.CoolDownUntil,
		UpdatedAt:     time.Now(),
	}
}

func (c *Credential) applyState(st State) {
	if st.Status != "" {
		c.Status = st.Status
	}
	c.StatusReason = st.StatusReason
	c.ErrorCount = st.ErrorCount
	c.TotalRequests = st.TotalRequests
	c.CoolDownUntil = st.CoolDownUntil
	// A cool-down that already lapsed while we were down ends now.
	if c.Status == StatusCoolingDown && !c.CoolDownUntil.IsZero() && time.Now().After(c.CoolDownUntil) {
		c.Status = StatusActive
		c.StatusReason = ""
		c.CoolDownUntil = time.Time{}
	}
}
