package redlock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultAutoExtendThreshold is how long before expiry a renewal fires when
// the caller does not specify a threshold.
const defaultAutoExtendThreshold = time.Second

type renewalState int

const (
	renewalIdle renewalState = iota
	renewalScheduled
	renewalRunning
	renewalStopped
)

// A Lock is the handle for one successful acquisition. It is safe for
// concurrent use; a single mutex serializes release, extension, the
// renewal timer, and accessor reads.
type Lock struct {
	locker *Locker

	keys  []string
	token string
	ttl   time.Duration

	mu        sync.Mutex
	expiresAt time.Time
	released  bool

	renewal          renewalState
	renewalTimer     *time.Timer
	renewalThreshold time.Duration
}

// Keys returns the canonicalized key set held by this lock.
func (l *Lock) Keys() []string {
	keys := make([]string, len(l.keys))
	copy(keys, l.keys)
	return keys
}

// ExpiresAt returns the instant at which the handle considers itself
// expired locally. Successful extensions advance it.
func (l *Lock) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Released reports whether Release has been called on this handle.
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Expired reports whether the handle's validity window has passed.
func (l *Lock) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().After(l.expiresAt)
}

// Valid reports whether the handle is still usable: not released and not
// expired.
func (l *Lock) Valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released && !time.Now().After(l.expiresAt)
}

// Release deletes the lock's keys from every server still holding them and
// reports whether at least one server deleted anything. Release is
// idempotent: once released, further calls return true without touching
// the servers. Transport failures are best-effort and surface as false,
// never as a panic or error.
func (l *Lock) Release(ctx context.Context) bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return true
	}
	l.released = true
	l.stopRenewalLocked()
	l.mu.Unlock()

	return l.locker.release(ctx, l.keys, l.token)
}

// Extend renews the lock for its original TTL. It reports whether a quorum
// of servers accepted the renewal; on success the expiry instant advances
// to now + TTL. Extending a released handle is an error.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	return l.ExtendFor(ctx, l.ttl)
}

// ExtendFor renews the lock for the given TTL instead of the original one.
func (l *Lock) ExtendFor(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		return false, fmt.Errorf("%w: ttl must be at least 1ms, got %s", ErrInvalidParameter, ttl)
	}

	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false, ErrReleased
	}
	l.mu.Unlock()

	if !l.locker.extend(ctx, l.keys, l.token, ttl) {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// A release may have raced the fan-out; the released flag wins and the
	// server-side state is cleaned up by the release script or by expiry.
	if !l.released {
		l.expiresAt = time.Now().Add(ttl)
	}
	return true, nil
}

// StartAutoExtend renews the lock in the background whenever its remaining
// validity drops below threshold (pass 0 for the default of one second).
// Renewal uses the original TTL and keeps rescheduling itself until the
// lock is released, ctx is canceled, or a renewal fails to reach a quorum.
// A failed renewal stops the loop with a warning but does not interrupt the
// caller: observe lock invalidity via Valid.
func (l *Lock) StartAutoExtend(ctx context.Context, threshold time.Duration) error {
	if threshold == 0 {
		threshold = defaultAutoExtendThreshold
	}
	if threshold < 0 {
		return fmt.Errorf("%w: auto-extend threshold must be positive, got %s", ErrInvalidParameter, threshold)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	if l.renewal == renewalScheduled || l.renewal == renewalRunning {
		return nil
	}

	l.renewalThreshold = threshold
	l.renewal = renewalScheduled
	l.scheduleRenewalLocked(ctx)
	return nil
}

// StopAutoExtend cancels any pending renewal. It is called implicitly by
// Release. A renewal already in flight completes but does not reschedule.
func (l *Lock) StopAutoExtend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopRenewalLocked()
}

func (l *Lock) stopRenewalLocked() {
	if l.renewalTimer != nil {
		l.renewalTimer.Stop()
		l.renewalTimer = nil
	}
	l.renewal = renewalStopped
}

// scheduleRenewalLocked arms the single renewal timer slot. When the lock
// is already inside the threshold window the timer fires immediately.
func (l *Lock) scheduleRenewalLocked(ctx context.Context) {
	wait := time.Until(l.expiresAt) - l.renewalThreshold
	if wait < 0 {
		wait = 0
	}
	l.renewalTimer = time.AfterFunc(wait, func() { l.renew(ctx) })
}

func (l *Lock) renew(ctx context.Context) {
	l.mu.Lock()
	// Stop or Release may have won the race with the timer firing.
	if l.renewal != renewalScheduled || l.released {
		l.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		l.renewal = renewalStopped
		l.mu.Unlock()
		return
	}
	l.renewal = renewalRunning
	l.mu.Unlock()

	ok, err := l.ExtendFor(ctx, l.ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewal != renewalRunning {
		// Stopped while the fan-out was in flight.
		return
	}
	if err != nil || !ok {
		l.renewal = renewalStopped
		l.locker.log.Warnw("auto-extension stopped: lock could not be renewed",
			"keys", l.keys,
			"error", err,
		)
		return
	}

	l.renewal = renewalScheduled
	l.scheduleRenewalLocked(ctx)
}
