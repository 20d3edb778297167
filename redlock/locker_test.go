package redlock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CSenshi/redis-kit/test"
)

// mockQuorum builds n redismock clients for fan-out tests.
func mockQuorum(n int) ([]redis.Cmdable, []redismock.ClientMock) {
	clients := make([]redis.Cmdable, n)
	mocks := make([]redismock.ClientMock, n)
	for i := range clients {
		clients[i], mocks[i] = redismock.NewClientMock()
	}
	return clients, mocks
}

// newTestLocker builds a Locker with a fixed token and no retry sleeps, so
// mock expectations stay deterministic.
func newTestLocker(t *testing.T, clients []redis.Cmdable, token string, opts ...Option) *Locker {
	t.Helper()

	opts = append([]Option{WithRetryDelay(0), WithRetryJitter(0)}, opts...)
	locker, err := New(clients, opts...)
	require.NoError(t, err)
	locker.tokenGenerator = func(int) (string, error) { return token, nil }
	return locker
}

func expectationsWereMet(t *testing.T, mocks []redismock.ClientMock) {
	t.Helper()
	for i, mock := range mocks {
		assert.NoError(t, mock.ExpectationsWereMet(), "client %d", i)
	}
}

func TestNewRequiresClients(t *testing.T) {
	locker, err := New(nil)

	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.Nil(t, locker)
}

func TestNewValidatesOptions(t *testing.T) {
	clients, _ := mockQuorum(1)

	cases := []struct {
		name string
		opt  Option
	}{
		{"drift factor above bound", WithDriftFactor(0.11)},
		{"negative drift factor", WithDriftFactor(-0.01)},
		{"negative retry delay", WithRetryDelay(-time.Millisecond)},
		{"negative retry jitter", WithRetryJitter(-time.Millisecond)},
		{"negative retry attempts", WithRetryAttempts(-1)},
		{"zero token length", WithTokenLength(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(clients, tc.opt)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestNewDerivesStrictMajorityQuorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		clients, _ := mockQuorum(n)
		locker, err := New(clients)
		require.NoError(t, err)
		assert.Equal(t, want, locker.quorum, "n=%d", n)
	}
}

func TestAcquireValidatesParameters(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "giraffe")

	_, err := locker.AcquireKeys(ctx, nil, time.Second)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = locker.Acquire(ctx, "   ", time.Second)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = locker.Acquire(ctx, "somekey", 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	// Parameter failures never reach a server.
	expectationsWereMet(t, mocks)
}

func TestAcquireReturnsLockWhenServerGrants(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "giraffe")

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "giraffe", int64(5000)).SetVal(int64(1))

	lock, err := locker.Acquire(ctx, "somekey", 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, []string{"somekey"}, lock.Keys())
	assert.True(t, lock.Valid())
	assert.False(t, lock.Released())
	assert.WithinDuration(t, time.Now().Add(5*time.Second), lock.ExpiresAt(), 200*time.Millisecond)
	expectationsWereMet(t, mocks)
}

func TestAcquireToleratesMinorityFailure(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(3)
	locker := newTestLocker(t, clients, "elephant")

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "elephant", int64(5000)).SetVal(int64(1))
	mocks[1].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "elephant", int64(5000)).SetErr(errors.New("kaboom"))
	mocks[2].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "elephant", int64(5000)).SetVal(int64(1))

	lock, err := locker.Acquire(ctx, "somekey", 5*time.Second)

	require.NoError(t, err)
	require.NotNil(t, lock)
	expectationsWereMet(t, mocks)
}

func TestAcquireWithoutQuorumCleansUpAndFails(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(3)
	locker := newTestLocker(t, clients, "moose", WithRetryAttempts(0))

	for i, granted := range []int64{1, 0, 0} {
		mocks[i].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "moose", int64(5000)).SetVal(granted)
		// Every server gets a best-effort cleanup release, including the
		// ones that said no.
		mocks[i].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "moose").SetVal(granted)
	}

	lock, err := locker.Acquire(ctx, "somekey", 5*time.Second)

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Nil(t, lock)
	expectationsWereMet(t, mocks)
}

func TestAcquireUsesFreshTokenPerRetry(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "", WithRetryAttempts(1))

	generated := 0
	locker.tokenGenerator = func(length int) (string, error) {
		generated++
		return fmt.Sprintf("token-%d", generated), nil
	}

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "token-1", int64(5000)).SetVal(int64(0))
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "token-1").SetVal(int64(0))
	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "token-2", int64(5000)).SetVal(int64(0))
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "token-2").SetVal(int64(0))

	_, err := locker.Acquire(ctx, "somekey", 5*time.Second)

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Equal(t, 2, generated)
	expectationsWereMet(t, mocks)
}

func TestAcquireCanonicalizesKeys(t *testing.T) {
	ctx := test.Context(t)

	core, logs := observer.New(zap.WarnLevel)
	restore := swapLogger(zap.New(core))
	defer restore()

	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "platypus")

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"alpha", "beta", "zebra"}, "platypus", int64(5000)).SetVal(int64(1))

	lock, err := locker.AcquireKeys(ctx, []string{"zebra", "alpha", "beta", "alpha"}, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "zebra"}, lock.Keys())
	expectationsWereMet(t, mocks)

	// The dropped duplicate is surfaced to the user as a warning.
	entries := logs.FilterMessage("dropped duplicate lock keys").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []interface{}{"alpha"}, entries[0].ContextMap()["duplicates"])
}

func TestWithLockRunsFunctionAndReleases(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "giraffe")

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "giraffe", int64(1000)).SetVal(int64(1))
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "giraffe").SetVal(int64(1))

	ran := false
	err := locker.WithLock(ctx, "somekey", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, ran)
	expectationsWereMet(t, mocks)
}

func TestWithLockReturnsFunctionErrorAfterReleasing(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "giraffe")

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "giraffe", int64(1000)).SetVal(int64(1))
	// Release fails, but the function's error must win.
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "giraffe").SetErr(errors.New("kaboom"))

	boom := errors.New("boom")
	err := locker.WithLock(ctx, "somekey", time.Second, func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "kaboom")
	expectationsWereMet(t, mocks)
}

func TestWithLockReportsAcquisitionFailure(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "moose", WithRetryAttempts(0))

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"somekey"}, "moose", int64(1000)).SetVal(int64(0))
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"somekey"}, "moose").SetVal(int64(0))

	err := locker.WithLock(ctx, "somekey", time.Second, func(ctx context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorContains(t, err, "failed to acquire lock for resource: somekey")
	expectationsWereMet(t, mocks)
}

func TestWithLockNamesResourcesInOriginalOrder(t *testing.T) {
	ctx := test.Context(t)
	clients, mocks := mockQuorum(1)
	locker := newTestLocker(t, clients, "moose", WithRetryAttempts(0))

	mocks[0].ExpectEvalSha(acquireScript.Hash(), []string{"alpha", "zebra"}, "moose", int64(1000)).SetVal(int64(0))
	mocks[0].ExpectEvalSha(releaseScript.Hash(), []string{"alpha", "zebra"}, "moose").SetVal(int64(0))

	err := locker.WithLockKeys(ctx, []string{"zebra", "alpha"}, time.Second, func(ctx context.Context) error {
		return nil
	})

	// The message preserves the caller's ordering even though the lock
	// itself uses the canonicalized one.
	assert.ErrorContains(t, err, "failed to acquire lock for resource: [zebra, alpha]")
	expectationsWereMet(t, mocks)
}

// swapLogger points the package logger at a test logger and returns a
// restore func. Lockers capture the logger at construction, so swap before
// calling New.
func swapLogger(replacement *zap.Logger) func() {
	old := logger
	logger = replacement
	return func() { logger = old }
}
