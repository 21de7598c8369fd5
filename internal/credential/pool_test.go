package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(callsPerRotation int, ids ...string) *Pool {
	creds := make([]*Credential, 0, len(ids))
	for _, id := range ids {
		creds = append(creds, &Credential{ID: id, Status: StatusActive})
	}
	return NewPool(creds, callsPerRotation, NewAutoBanPolicy(false, nil, 3, time.Minute))
}

func selectIDs(t *testing.T, p *Pool, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cred, err := p.Select()
		require.NoError(t, err)
		out = append(out, cred.ID)
	}
	return out
}

func TestSelectRotatesInBlocks(t *testing.T) {
	p := newTestPool(2, "a", "b", "c")

	got := selectIDs(t, p, 12)
	want := []string{"a", "a", "b", "b", "c", "c", "a", "a", "b", "b", "c", "c"}
	require.Equal(t, want, got)
}

func TestSingleCallRotationAdvancesCursor(t *testing.T) {
	p := newTestPool(1, "a", "b")

	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "a", lease.ID)
	require.EqualValues(t, 1, lease.UsageCount)
	require.Equal(t, "b", p.CursorID())

	lease, err = p.Select()
	require.NoError(t, err)
	require.Equal(t, "b", lease.ID)
	require.Equal(t, "a", p.CursorID())
}

func TestSingleCredentialWrapsToItself(t *testing.T) {
	p := newTestPool(2, "only")

	got := selectIDs(t, p, 5)
	require.Equal(t, []string{"only", "only", "only", "only", "only"}, got)
}

func TestDisabledCredentialNeverSelected(t *testing.T) {
	p := newTestPool(3, "a", "b", "c")

	// One call into a's block, then it is pulled mid-block.
	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "a", lease.ID)
	require.NoError(t, p.Disable("a", "manual"))

	for _, id := range selectIDs(t, p, 6) {
		require.NotEqual(t, "a", id)
	}

	require.NoError(t, p.Enable("a"))
	seen := false
	for _, id := range selectIDs(t, p, 9) {
		if id == "a" {
			seen = true
			break
		}
	}
	require.True(t, seen, "re-enabled credential should rejoin rotation")
}

func TestSelectExhausted(t *testing.T) {
	p := newTestPool(1, "a", "b")
	require.NoError(t, p.Disable("a", "test"))
	require.NoError(t, p.Disable("b", "test"))

	_, err := p.Select()
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.Enable("b"))
	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "b", lease.ID)

	empty := newTestPool(1)
	_, err = empty.Select()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestRecordFailure429CoolsDownAndRecovers(t *testing.T) {
	creds := []*Credential{
		{ID: "a", Status: StatusActive},
		{ID: "b", Status: StatusActive},
	}
	p := NewPool(creds, 10, NewAutoBanPolicy(true, []int{401, 403}, 3, 30*time.Millisecond))

	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "a", lease.ID)

	p.RecordFailure("a", 429, "")
	got, ok := p.Get("a")
	require.True(t, ok)
	require.Equal(t, StatusCoolingDown, got.Status)
	require.False(t, got.CoolDownUntil.IsZero())

	lease, err = p.Select()
	require.NoError(t, err)
	require.Equal(t, "b", lease.ID)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, p.ActiveCount())
}

func TestRecordFailureAutoBansAfterThreshold(t *testing.T) {
	p := NewPool(
		[]*Credential{{ID: "a", Status: StatusActive}},
		10,
		NewAutoBanPolicy(true, []int{401}, 2, time.Minute),
	)

	p.RecordFailure("a", 401, "unauthorized")
	got, _ := p.Get("a")
	require.Equal(t, StatusActive, got.Status)

	p.RecordFailure("a", 401, "unauthorized")
	got, _ = p.Get("a")
	require.Equal(t, StatusError, got.Status)

	// Codes outside the ban list never ban, however many times they occur.
	p2 := NewPool(
		[]*Credential{{ID: "b", Status: StatusActive}},
		10,
		NewAutoBanPolicy(true, []int{401}, 2, time.Minute),
	)
	for i := 0; i < 5; i++ {
		p2.RecordFailure("b", 500, "server error")
	}
	got, _ = p2.Get("b")
	require.Equal(t, StatusActive, got.Status)
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	p := NewPool(
		[]*Credential{{ID: "a", Status: StatusActive}},
		10,
		NewAutoBanPolicy(true, []int{401}, 3, time.Minute),
	)

	p.RecordFailure("a", 401, "")
	p.RecordFailure("a", 401, "")
	p.RecordSuccess("a")
	p.RecordFailure("a", 401, "")

	got, _ := p.Get("a")
	require.Equal(t, StatusActive, got.Status, "streak must restart after a success")
}

func TestRecordAttemptAdvancesRotation(t *testing.T) {
	p := newTestPool(2, "a", "b")

	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "a", lease.ID)

	// A retry against the leased credential consumes rotation quota too.
	p.RecordAttempt("a")
	require.Equal(t, "b", p.CursorID())

	lease, err = p.Select()
	require.NoError(t, err)
	require.Equal(t, "b", lease.ID)
}

func TestSelectOtherSkipsExcluded(t *testing.T) {
	p := newTestPool(10, "a", "b", "c")

	lease, err := p.SelectOther("a")
	require.NoError(t, err)
	require.Equal(t, "b", lease.ID)

	require.NoError(t, p.Disable("b", "test"))
	require.NoError(t, p.Disable("c", "test"))
	_, err = p.SelectOther("a")
	require.ErrorIs(t, err, ErrExhausted)
}

func TestRemoveKeepsCursorConsistent(t *testing.T) {
	p := newTestPool(1, "a", "b", "c")

	lease, err := p.Select()
	require.NoError(t, err)
	require.Equal(t, "a", lease.ID)
	require.Equal(t, "b", p.CursorID())

	require.NoError(t, p.Remove("a"))
	require.Equal(t, "b", p.CursorID())

	got := selectIDs(t, p, 4)
	require.Equal(t, []string{"b", "c", "b", "c"}, got)
}

func TestOnStateChangeFiresOutsideLock(t *testing.T) {
	p := newTestPool(10, "a")

	var captured State
	p.OnStateChange(func(id string, st State) {
		// Re-entering the pool here would deadlock if the callback ran
		// under the lock.
		_, _ = p.Get(id)
		captured = st
	})

	p.RecordFailure("a", 429, "")
	require.Equal(t, StatusCoolingDown, captured.Status)
}

func TestUpdateTokenAndCloneIsolation(t *testing.T) {
	p := newTestPool(10, "a")
	expiry := time.Now().Add(time.Hour)

	p.UpdateToken("a", "ya29.fresh", expiry, "1//new-refresh")
	got, ok := p.Get("a")
	require.True(t, ok)
	require.Equal(t, "ya29.fresh", got.AccessToken)
	require.Equal(t, "1//new-refresh", got.RefreshToken)

	got.AccessToken = "mutated"
	again, _ := p.Get("a")
	require.Equal(t, "ya29.fresh", again.AccessToken, "Get must return clones")
}

func TestSetCallsPerRotationTakesEffect(t *testing.T) {
	p := newTestPool(3, "a", "b")

	got := selectIDs(t, p, 3)
	require.Equal(t, []string{"a", "a", "a"}, got)

	p.SetCallsPerRotation(1)
	got = selectIDs(t, p, 3)
	require.Equal(t, []string{"b", "a", "b"}, got)
}
