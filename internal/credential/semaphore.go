package credential

import (
	"context"
	"sync"
)

// SlotLimiter bounds how many requests may hold a given credential at
// once. Zero or negative capacity means unlimited.
type SlotLimiter struct {
	mu    sync.Mutex
	cap   int
	slots map[string]chan struct{}
}

func NewSlotLimiter(capacity int) *SlotLimiter {
	return &SlotLimiter{
		cap:   capacity,
		slots: make(map[string]chan struct{}),
	}
}

// Acquire takes a slot for the credential, blocking until one frees up
// or ctx is done. The returned release func must be called exactly once.
func (l *SlotLimiter) Acquire(ctx context.Context, credID string) (func(), error) {
	if l == nil || l.cap <= 0 {
		return func() {}, nil
	}
	ch := l.slotFor(credID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes a slot without blocking. ok is false when the
// credential is saturated.
func (l *SlotLimiter) TryAcquire(credID string) (func(), bool) {
	if l == nil || l.cap <= 0 {
		return func() {}, true
	}
	ch := l.slotFor(credID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, true
	default:
		return nil, false
	}
}

// InUse reports how many slots the credential currently holds.
func (l *SlotLimiter) InUse(credID string) int {
	if l == nil || l.cap <= 0 {
		return 0
	}
	l.mu.Lock()
	ch, ok := l.slots[credID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

// Forget drops the slot channel for a removed credential. Outstanding
// holders keep their releases; they drain into the abandoned channel.
func (l *SlotLimiter) Forget(credID string) {
	if l == nil || l.cap <= 0 {
		return
	}
	l.mu.Lock()
	delete(l.slots, credID)
	l.mu.Unlock()
}

func (l *SlotLimiter) slotFor(credID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[credID]
	if !ok {
		ch = make(chan struct{}, l.cap)
		l.slots[credID] = ch
	}
	return ch
}
