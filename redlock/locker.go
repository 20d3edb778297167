// Package redlock implements a quorum-based distributed lock held across N
// independent redis servers, following the Redlock algorithm. A lock is
// considered held only when a strict majority of the servers granted it and
// the grants arrived quickly enough that the lock's remaining validity is
// still positive after correcting for clock drift.
//
// Each acquisition is identified by a cryptographically unpredictable token
// stored as the value of every locked key; only the holder of the token can
// release or extend the lock. Per-server operations run as atomic Lua
// scripts, so a multi-resource lock is acquired, released, and extended
// all-or-nothing on every server.
//
// The guarantees depend on bounded clock drift and bounded process pauses.
// There is no fencing: do not use these locks where a paused holder
// outliving its validity window would corrupt state.
//
// When backed by multiple redis servers, every process coordinating over
// the same server set must construct its Locker with the clients in the
// same order.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/CSenshi/redis-kit/logging"
)

var logger = logging.New("redlock")

var (
	// ErrInvalidParameter reports invalid caller input: empty or blank
	// keys, non-positive durations, out-of-range options.
	ErrInvalidParameter = errors.New("redlock: invalid parameter")

	// ErrNotAcquired is returned by Acquire when no quorum of servers
	// granted the lock within the configured retry budget.
	ErrNotAcquired = errors.New("redlock: lock not acquired")

	// ErrReleased is returned when operating on a handle that has already
	// been released.
	ErrReleased = errors.New("redlock: lock already released")
)

const (
	defaultDriftFactor   = 0.01
	defaultRetryDelay    = 200 * time.Millisecond
	defaultRetryJitter   = 100 * time.Millisecond
	defaultRetryAttempts = 3

	maxDriftFactor = 0.1
)

// A Locker acquires locks across a fixed set of redis servers. The zero
// value is not usable; construct with New.
type Locker struct {
	clients []redis.Cmdable
	quorum  int

	driftFactor   float64
	retryDelay    time.Duration
	retryJitter   time.Duration
	retryAttempts int
	tokenLength   int

	log *zap.SugaredLogger

	tokenGenerator func(int) (string, error) // test seam
}

// Option configures a Locker.
type Option interface {
	apply(*Locker) error
}

type optionFunc func(*Locker) error

func (fn optionFunc) apply(l *Locker) error {
	return fn(l)
}

// WithDriftFactor sets the fraction of the TTL reserved to compensate for
// clock drift between servers. Must be between 0 and 0.1.
func WithDriftFactor(factor float64) Option {
	return optionFunc(func(l *Locker) error {
		if factor < 0 || factor > maxDriftFactor {
			return fmt.Errorf("%w: drift factor must be in [0, %v], got %v", ErrInvalidParameter, maxDriftFactor, factor)
		}
		l.driftFactor = factor
		return nil
	})
}

// WithRetryDelay sets the base delay between acquisition attempts.
func WithRetryDelay(delay time.Duration) Option {
	return optionFunc(func(l *Locker) error {
		if delay < 0 {
			return fmt.Errorf("%w: retry delay must be non-negative, got %s", ErrInvalidParameter, delay)
		}
		l.retryDelay = delay
		return nil
	})
}

// WithRetryJitter sets the upper bound of the uniformly random jitter added
// to the delay between acquisition attempts.
func WithRetryJitter(jitter time.Duration) Option {
	return optionFunc(func(l *Locker) error {
		if jitter < 0 {
			return fmt.Errorf("%w: retry jitter must be non-negative, got %s", ErrInvalidParameter, jitter)
		}
		l.retryJitter = jitter
		return nil
	})
}

// WithRetryAttempts sets how many times acquisition is retried after the
// first attempt. Zero means a single attempt.
func WithRetryAttempts(attempts int) Option {
	return optionFunc(func(l *Locker) error {
		if attempts < 0 {
			return fmt.Errorf("%w: retry attempts must be non-negative, got %d", ErrInvalidParameter, attempts)
		}
		l.retryAttempts = attempts
		return nil
	})
}

// WithTokenLength sets the length in characters of generated lock tokens.
func WithTokenLength(length int) Option {
	return optionFunc(func(l *Locker) error {
		if length <= 0 {
			return fmt.Errorf("%w: token length must be positive, got %d", ErrInvalidParameter, length)
		}
		l.tokenLength = length
		return nil
	})
}

// New creates a Locker over the given servers. The quorum is fixed at
// construction to a strict majority of len(clients).
func New(clients []redis.Cmdable, opts ...Option) (*Locker, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("%w: at least one redis client is required", ErrInvalidParameter)
	}

	l := &Locker{
		clients:        clients,
		quorum:         len(clients)/2 + 1,
		driftFactor:    defaultDriftFactor,
		retryDelay:     defaultRetryDelay,
		retryJitter:    defaultRetryJitter,
		retryAttempts:  defaultRetryAttempts,
		tokenLength:    defaultTokenLength,
		tokenGenerator: generateToken,
	}
	for _, opt := range opts {
		if err := opt.apply(l); err != nil {
			return nil, err
		}
	}

	l.log = logger.Sugar().With("locker_id", ksuid.New().String())

	return l, nil
}

// Prepare preloads the lock scripts on every server. This allows later
// commands to use EVALSHA rather than straight EVAL. Calling Prepare is
// optional but recommended.
func (l *Locker) Prepare(ctx context.Context) error {
	for _, script := range []*redis.Script{acquireScript, releaseScript, extendScript} {
		for _, client := range l.clients {
			if err := script.Load(ctx, client).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Acquire attempts to lock a single key for the given TTL. It returns
// ErrNotAcquired when no quorum of servers granted the lock within the
// configured retry budget; that is an expected outcome, not a transport
// failure.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	return l.AcquireKeys(ctx, []string{key}, ttl)
}

// AcquireKeys attempts to lock a set of keys atomically for the given TTL.
// The key set is canonicalized first: duplicates are dropped (with a
// warning) and the remainder sorted, so two callers locking the same set in
// different orders contend on identical script invocations.
func (l *Locker) AcquireKeys(ctx context.Context, keys []string, ttl time.Duration) (*Lock, error) {
	canonical, err := l.canonicalizeKeys(keys)
	if err != nil {
		return nil, err
	}
	if ttl < time.Millisecond {
		return nil, fmt.Errorf("%w: ttl must be at least 1ms, got %s", ErrInvalidParameter, ttl)
	}

	for attempt := 0; ; attempt++ {
		// Every attempt gets a fresh token, including retries: a stale
		// token from a previous attempt may still be present on a minority
		// of servers.
		token, err := l.tokenGenerator(l.tokenLength)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		successes := l.fanOut(func(client redis.Cmdable) bool {
			return l.acquireInstance(ctx, client, canonical, token, ttl)
		})
		elapsed := time.Since(start)

		outcome := evaluateAttempt(successes, l.quorum, ttl, elapsed, l.driftFactor)
		if outcome.ok {
			return &Lock{
				locker:    l,
				keys:      canonical,
				token:     token,
				ttl:       ttl,
				expiresAt: time.Now().Add(outcome.validity),
			}, nil
		}

		l.log.Debugw("acquisition attempt rejected",
			"keys", canonical,
			"attempt", attempt,
			"reason", outcome.reason,
			"successes", successes,
			"quorum", l.quorum,
		)

		// Best-effort cleanup of partial grants before retrying or giving
		// up. Per-server results are ignored; keys we could not delete
		// expire on their own.
		l.fanOut(func(client redis.Cmdable) bool {
			return l.releaseInstance(ctx, client, canonical, token) == len(canonical)
		})

		if attempt >= l.retryAttempts {
			return nil, ErrNotAcquired
		}

		delay := l.retryDelay
		if l.retryJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(l.retryJitter)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// LockOption configures a single WithLock invocation.
type LockOption interface {
	applyLock(*lockOptions)
}

type lockOptions struct {
	autoExtendThreshold time.Duration
}

type lockOptionFunc func(*lockOptions)

func (fn lockOptionFunc) applyLock(opts *lockOptions) {
	fn(opts)
}

// WithAutoExtend renews the lock in the background for as long as the user
// function runs, each time its remaining validity drops below threshold.
func WithAutoExtend(threshold time.Duration) LockOption {
	return lockOptionFunc(func(opts *lockOptions) {
		opts.autoExtendThreshold = threshold
	})
}

// WithLock acquires the key, runs fn, and releases the lock on every exit
// path. Acquisition failure is promoted to an error naming the resource, so
// the critical section never runs without the lock.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error, opts ...LockOption) error {
	return l.WithLockKeys(ctx, []string{key}, ttl, fn, opts...)
}

// WithLockKeys is WithLock over a multi-resource key set.
func (l *Locker) WithLockKeys(ctx context.Context, keys []string, ttl time.Duration, fn func(context.Context) error, opts ...LockOption) error {
	var cfg lockOptions
	for _, opt := range opts {
		opt.applyLock(&cfg)
	}

	lock, err := l.AcquireKeys(ctx, keys, ttl)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return fmt.Errorf("failed to acquire lock for resource: %s: %w", describeKeys(keys), err)
		}
		return err
	}

	defer func() {
		lock.StopAutoExtend()
		// The release must run even when ctx was canceled along with fn,
		// and its failure must never mask fn's error.
		if !lock.Release(context.WithoutCancel(ctx)) {
			l.log.Warnw("failed to release lock", "keys", lock.Keys())
		}
	}()

	if cfg.autoExtendThreshold != 0 {
		if err := lock.StartAutoExtend(ctx, cfg.autoExtendThreshold); err != nil {
			return err
		}
	}

	return fn(ctx)
}

// release deletes the keys on every server still holding token. It reports
// true when at least one server deleted something: by the time a handle is
// released the keys may already have expired on some servers, and demanding
// a quorum here would misreport those releases as failures.
func (l *Locker) release(ctx context.Context, keys []string, token string) bool {
	return l.fanOut(func(client redis.Cmdable) bool {
		return l.releaseInstance(ctx, client, keys, token) >= 1
	}) >= 1
}

// extend refreshes the TTL on every server still holding token. Unlike
// release this requires a quorum: a handle that cannot refresh a majority
// of servers no longer holds the lock.
func (l *Locker) extend(ctx context.Context, keys []string, token string, ttl time.Duration) bool {
	return l.fanOut(func(client redis.Cmdable) bool {
		return l.extendInstance(ctx, client, keys, token, ttl)
	}) >= l.quorum
}

// fanOut runs op against every server concurrently, waits for all of them,
// and counts successes. It never short-circuits on failure: tolerating a
// minority of broken servers depends on observing every reply.
func (l *Locker) fanOut(op func(redis.Cmdable) bool) int {
	results := make([]bool, len(l.clients))

	var wg sync.WaitGroup
	for i, client := range l.clients {
		wg.Add(1)
		go func(i int, client redis.Cmdable) {
			defer wg.Done()
			results[i] = op(client)
		}(i, client)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	return successes
}

func (l *Locker) acquireInstance(ctx context.Context, client redis.Cmdable, keys []string, token string, ttl time.Duration) bool {
	reply, err := acquireScript.Run(ctx, client, keys, token, ttl.Milliseconds()).Int()
	if err != nil {
		l.log.Debugw("acquire script failed on server", "error", err)
		return false
	}
	return reply == 1
}

func (l *Locker) releaseInstance(ctx context.Context, client redis.Cmdable, keys []string, token string) int {
	reply, err := releaseScript.Run(ctx, client, keys, token).Int()
	if err != nil {
		l.log.Debugw("release script failed on server", "error", err)
		return 0
	}
	return reply
}

func (l *Locker) extendInstance(ctx context.Context, client redis.Cmdable, keys []string, token string, ttl time.Duration) bool {
	reply, err := extendScript.Run(ctx, client, keys, token, ttl.Milliseconds()).Int()
	if err != nil {
		l.log.Debugw("extend script failed on server", "error", err)
		return false
	}
	return reply == 1
}

func (l *Locker) canonicalizeKeys(keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: at least one key is required", ErrInvalidParameter)
	}

	seen := make(map[string]struct{}, len(keys))
	canonical := make([]string, 0, len(keys))
	var duplicates []string
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: keys must be non-empty", ErrInvalidParameter)
		}
		if _, ok := seen[key]; ok {
			duplicates = append(duplicates, key)
			continue
		}
		seen[key] = struct{}{}
		canonical = append(canonical, key)
	}

	if len(duplicates) > 0 {
		l.log.Warnw("dropped duplicate lock keys", "duplicates", duplicates)
	}

	sort.Strings(canonical)
	return canonical, nil
}

func describeKeys(keys []string) string {
	if len(keys) == 1 {
		return keys[0]
	}
	return "[" + strings.Join(keys, ", ") + "]"
}
