package credential

import (
	"errors"
	"fmt"
	"time"

	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrExhausted is returned by Select when zero credentials are active.
var ErrExhausted = errors.New("credential pool exhausted: no active credentials")

// AutoBanPolicy controls automatic status transitions on upstream
// failures. BanCodes lists HTTP statuses that count toward a permanent
// ban; 429 never bans, it cools the credential down instead.
type AutoBanPolicy struct {
	Enabled   bool
	BanCodes  map[int]bool
	Threshold int
	CoolDown  time.Duration
}

func NewAutoBanPolicy(enabled bool, codes []int, threshold int, coolDown time.Duration) AutoBanPolicy {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	if threshold < 1 {
		threshold = 3
	}
	if coolDown <= 0 {
		coolDown = 5 * time.Minute
	}
	return AutoBanPolicy{Enabled: enabled, BanCodes: m, Threshold: threshold, CoolDown: coolDown}
}

// Pool holds the ordered credential set and the rotation cursor. The
// single mutex is the system's only serialization point for selection;
// it is held for O(1) bookkeeping only, never across network calls.
type Pool struct {
	mu               sync.Mutex
	creds            []*Credential
	cursor           int
	callCount        int64
	callsPerRotation int64
	autoBan          AutoBanPolicy

	// onStateChange, when set, is invoked outside the selection hot path
	// whenever a credential's persisted state changes.
	onStateChange func(id string, st State)
}

// NewPool builds a pool over creds in their given order. The order is
// fixed for the pool's lifetime; rotation only moves the cursor.
func NewPool(creds []*Credential, callsPerRotation int, autoBan AutoBanPolicy) *Pool {
	if callsPerRotation < 1 {
		callsPerRotation = 1
	}
	return &Pool{
		creds:            creds,
		callsPerRotation: int64(callsPerRotation),
		autoBan:          autoBan,
	}
}

// OnStateChange registers a callback fired after a credential's persisted
// state changes (status transitions, error counters). Called without the
// pool lock held.
func (p *Pool) OnStateChange(fn func(id string, st State)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// SetCallsPerRotation applies a new rotation block size on config reload.
func (p *Pool) SetCallsPerRotation(k int) {
	if k < 1 {
		k = 1
	}
	p.mu.Lock()
	p.callsPerRotation = int64(k)
	p.mu.Unlock()
}

// Select picks the credential for the next outbound call: the cursor
// credential until it has served callsPerRotation calls, then the next
// active one. Returns a clone; the pool keeps ownership of the original.
func (p *Pool) Select() (*Credential, error) {
	p.mu.Lock()

	idx, ok := p.firstActiveFrom(p.cursor)
	if !ok {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	if idx != p.cursor {
		p.moveCursor(idx)
	}

	cred := p.creds[p.cursor]
	cred.UsageCount++
	cred.TotalRequests++
	cred.LastUsedAt = time.Now()
	p.callCount++
	lease := cred.Clone()

	if p.callCount >= p.callsPerRotation {
		if next, ok := p.nextActiveAfter(p.cursor); ok {
			p.moveCursor(next)
		}
	}
	p.mu.Unlock()
	return lease, nil
}

// SelectOther picks an active credential different from excludeID, used
// by the dispatcher for failover. Rotation counters advance as for a
// normal selection so quota stays evenly spread.
func (p *Pool) SelectOther(excludeID string) (*Credential, error) {
	p.mu.Lock()
	start := p.cursor
	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		cred := p.creds[idx]
		p.recoverLocked(cred)
		if cred.Status != StatusActive || cred.ID == excludeID {
			continue
		}
		if idx != p.cursor {
			p.moveCursor(idx)
		}
		cred.UsageCount++
		cred.TotalRequests++
		cred.LastUsedAt = time.Now()
		p.callCount++
		lease := cred.Clone()
		if p.callCount >= p.callsPerRotation {
			if next, ok := p.nextActiveAfter(p.cursor); ok {
				p.moveCursor(next)
			}
		}
		p.mu.Unlock()
		return lease, nil
	}
	p.mu.Unlock()
	return nil, ErrExhausted
}

// RecordAttempt accounts for a retry against an already-leased
// credential. It advances the rotation counter the same way a fresh call
// would, so a credential burning retries still rotates out on schedule.
func (p *Pool) RecordAttempt(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred, idx := p.findLocked(id)
	if cred == nil {
		return
	}
	cred.TotalRequests++
	cred.UsageCount++
	if idx == p.cursor {
		p.callCount++
		if p.callCount >= p.callsPerRotation {
			if next, ok := p.nextActiveAfter(p.cursor); ok {
				p.moveCursor(next)
			}
		}
	}
}

// RecordSuccess resets the consecutive-failure streak.
func (p *Pool) RecordSuccess(id string) {
	p.mu.Lock()
	cred, _ := p.findLocked(id)
	if cred != nil {
		cred.Consecutive = 0
	}
	p.mu.Unlock()
}

// RecordFailure applies error accounting and the auto-ban policy for one
// failed upstream attempt. 429 cools the credential down; statuses in the
// ban list disable it once the consecutive threshold is crossed.
func (p *Pool) RecordFailure(id string, httpStatus int, reason string) {
	p.mu.Lock()
	cred, _ := p.findLocked(id)
	if cred == nil {
		p.mu.Unlock()
		return
	}
	cred.ErrorCount++
	cred.Consecutive++
	cred.LastErrorAt = time.Now()

	var changed *State
	switch {
	case httpStatus == 429:
		cred.Status = StatusCoolingDown
		cred.StatusReason = "quota exhausted (429)"
		cred.CoolDownUntil = time.Now().Add(p.autoBan.CoolDown)
		st := cred.state()
		changed = &st
		log.WithFields(log.Fields{"credential": id, "until": cred.CoolDownUntil.Format(time.RFC3339)}).
			Warn("credential cooling down after 429")
	case p.autoBan.Enabled && p.autoBan.BanCodes[httpStatus] && cred.Consecutive >= p.autoBan.Threshold:
		cred.Status = StatusError
		cred.StatusReason = fmt.Sprintf("auto-banned after %d consecutive HTTP %d", cred.Consecutive, httpStatus)
		st := cred.state()
		changed = &st
		log.WithFields(log.Fields{"credential": id, "status": httpStatus, "fails": cred.Consecutive}).
			Warn("credential auto-banned")
	default:
		if reason != "" {
			cred.StatusReason = reason
		}
		st := cred.state()
		changed = &st
	}
	cb := p.onStateChange
	p.mu.Unlock()

	if cb != nil && changed != nil {
		cb(id, *changed)
	}
}

// MarkAuthExpired flags a credential whose refresh token no longer works.
func (p *Pool) MarkAuthExpired(id, reason string) {
	p.setStatus(id, StatusError, reason)
}

// Disable removes a credential from rotation until explicitly enabled.
func (p *Pool) Disable(id, reason string) error {
	return p.setStatusChecked(id, StatusDisabled, reason)
}

// Enable returns a credential to rotation and clears its failure streak.
func (p *Pool) Enable(id string) error {
	p.mu.Lock()
	cred, _ := p.findLocked(id)
	if cred == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %q not found", id)
	}
	cred.Status = StatusActive
	cred.StatusReason = ""
	cred.Consecutive = 0
	cred.CoolDownUntil = time.Time{}
	st := cred.state()
	cb := p.onStateChange
	p.mu.Unlock()

	if cb != nil {
		cb(id, st)
	}
	return nil
}

// Remove deletes a credential from the pool, keeping the cursor on the
// same neighbour it pointed at.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	cred, idx := p.findLocked(id)
	if cred == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %q not found", id)
	}
	p.creds = append(p.creds[:idx], p.creds[idx+1:]...)
	switch {
	case len(p.creds) == 0:
		p.cursor = 0
		p.callCount = 0
	case idx < p.cursor:
		p.cursor--
	case idx == p.cursor:
		p.cursor = p.cursor % len(p.creds)
		p.callCount = 0
	}
	p.mu.Unlock()
	return nil
}

// Add appends a credential discovered after load (watcher, OAuth flow).
func (p *Pool) Add(cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.creds {
		if existing.ID == cred.ID {
			return
		}
	}
	if cred.Status == "" {
		cred.Status = StatusActive
	}
	p.creds = append(p.creds, cred)
}

// UpdateToken stores a refreshed access token on the pooled credential.
func (p *Pool) UpdateToken(id, accessToken string, expiry time.Time, refreshToken string) {
	p.mu.Lock()
	cred, _ := p.findLocked(id)
	if cred != nil {
		cred.AccessToken = accessToken
		cred.TokenExpiry = expiry
		if refreshToken != "" {
			cred.RefreshToken = refreshToken
		}
	}
	p.mu.Unlock()
}

// ApplyState overlays persisted state onto a pooled credential at load.
func (p *Pool) ApplyState(id string, st State) {
	p.mu.Lock()
	cred, _ := p.findLocked(id)
	if cred != nil {
		cred.applyState(st)
	}
	p.mu.Unlock()
}

// Get returns a clone of one credential for token refresh and handlers.
func (p *Pool) Get(id string) (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred, _ := p.findLocked(id)
	if cred == nil {
		return nil, false
	}
	return cred.Clone(), true
}

// ActiveCount reports how many credentials are currently selectable.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cred := range p.creds {
		p.recoverLocked(cred)
		if cred.Status == StatusActive {
			n++
		}
	}
	return n
}

// Len reports the total pool size regardless of status.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Snapshot lists status summaries in pool order.
func (p *Pool) Snapshot() []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Summary, 0, len(p.creds))
	for i, cred := range p.creds {
		p.recoverLocked(cred)
		out = append(out, Summary{
			ID:            cred.ID,
			ProjectID:     cred.ProjectID,
			Source:        cred.Source,
			Status:        cred.Status,
			StatusReason:  cred.StatusReason,
			UsageCount:    cred.UsageCount,
			TotalRequests: cred.TotalRequests,
			ErrorCount:    cred.ErrorCount,
			LastUsedAt:    cred.LastUsedAt,
			CoolDownUntil: cred.CoolDownUntil,
			AtCursor:      i == p.cursor,
		})
	}
	return out
}

// CursorID exposes the current cursor credential for observability.
func (p *Pool) CursorID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return ""
	}
	return p.creds[p.cursor].ID
}

func (p *Pool) setStatus(id string, status Status, reason string) {
	_ = p.setStatusChecked(id, status, reason)
}

func (p *Pool) setStatusChecked(id string, status Status, reason string) error {
	p.mu.Lock()
	cred, idx := p.findLocked(id)
	if cred == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %q not found", id)
	}
	cred.Status = status
	cred.StatusReason = reason
	// Keep the cursor on an active credential when possible.
	if idx == p.cursor && status != StatusActive {
		if next, ok := p.nextActiveAfter(p.cursor); ok {
			p.moveCursor(next)
		}
	}
	st := cred.state()
	cb := p.onStateChange
	p.mu.Unlock()

	if cb != nil {
		cb(id, st)
	}
	return nil
}

// moveCursor starts a new rotation block at idx. Caller holds p.mu.
func (p *Pool) moveCursor(idx int) {
	p.cursor = idx
	p.callCount = 0
	p.creds[idx].UsageCount = 0
}

// firstActiveFrom scans forward from idx (wrapping) for an active
// credential, recovering lapsed cool-downs on the way. Caller holds p.mu.
func (p *Pool) firstActiveFrom(idx int) (int, bool) {
	n := len(p.creds)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < n; i++ {
		j := (idx + i) % n
		p.recoverLocked(p.creds[j])
		if p.creds[j].Status == StatusActive {
			return j, true
		}
	}
	return 0, false
}

// nextActiveAfter scans from idx+1 (wrapping, may land back on idx when
// it is the only active credential). Caller holds p.mu.
func (p *Pool) nextActiveAfter(idx int) (int, bool) {
	n := len(p.creds)
	if n == 0 {
		return 0, false
	}
	for i := 1; i <= n; i++ {
		j := (idx + i) % n
		p.recoverLocked(p.creds[j])
		if p.creds[j].Status == StatusActive {
			return j, true
		}
	}
	return 0, false
}

// recoverLocked ends a lapsed cool-down. Caller holds p.mu.
func (p *Pool) recoverLocked(cred *Credential) {
	if cred.Status == StatusCoolingDown && !cred.CoolDownUntil.IsZero() && time.Now().After(cred.CoolDownUntil) {
		cred.Status = StatusActive
		cred.StatusReason = ""
		cred.CoolDownUntil = time.Time{}
		cred.Consecutive = 0
		log.WithField("credential", cred.ID).Info("credential recovered from cool-down")
	}
}

func (p *Pool) findLocked(id string) (*Credential, int) {
	for i, cred := range p.creds {
		if cred.ID == id {
			return cred, i
		}
	}
	return nil, -1
}
