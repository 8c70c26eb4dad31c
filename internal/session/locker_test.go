package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan Lock, 1)
	go func() {
		lock, err := locker.Acquire(ctx, "k")
		if err == nil {
			acquired <- lock
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should wait for the first holder")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx))

	select {
	case second, ok := <-acquired:
		require.True(t, ok)
		require.NoError(t, second.Release(ctx))
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
	require.Zero(t, locker.held())
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	a, err := locker.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := locker.Acquire(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, locker.held())

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
	require.Zero(t, locker.held())
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, held.Release(ctx))
	require.Error(t, held.Release(ctx))
	require.Zero(t, locker.held())
}

func TestLocalLockerHonoursCancellation(t *testing.T) {
	locker := NewLocalLocker(time.Minute)

	held, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAdvisoryHandlersSerialiseRequests(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeAdvisory, Locker: locker})
	ctx := context.Background()

	first := store.Handler()
	_, err := first.Read(ctx, sidA)
	require.NoError(t, err)

	done := make(chan []byte, 1)
	go func() {
		second := store.Handler()
		data, err := second.Read(ctx, sidA)
		if err == nil {
			_ = second.Close(ctx)
		}
		done <- data
	}()

	require.NoError(t, first.Write(ctx, sidA, []byte(`{"step":1}`)))
	require.NoError(t, first.Close(ctx))

	select {
	case data := <-done:
		require.JSONEq(t, `{"step":1}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("second request never acquired the session")
	}
}

func TestTransactionalHandlersSerialiseRequestsOnSQLite(t *testing.T) {
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeTransaction, LockTimeout: time.Second})
	require.True(t, store.rowLocksIgnored())
	ctx := context.Background()

	first := store.Handler()
	_, err := first.Read(ctx, sidA)
	require.NoError(t, err)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		second := store.Handler()
		data, err := second.Read(ctx, sidA)
		if err == nil {
			err = second.Write(ctx, sidA, []byte(`{"step":2}`))
		}
		if err == nil {
			err = second.Close(ctx)
		}
		done <- result{data: data, err: err}
	}()

	select {
	case res := <-done:
		t.Fatalf("second request ran while the first held the session: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Write(ctx, sidA, []byte(`{"step":1}`)))
	require.NoError(t, first.Close(ctx))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.JSONEq(t, `{"step":1}`, string(res.data))
	case <-time.After(2 * time.Second):
		t.Fatal("second request never acquired the session")
	}

	check := store.Handler()
	data, err := check.Read(ctx, sidA)
	require.NoError(t, err)
	require.JSONEq(t, `{"step":2}`, string(data))
	require.NoError(t, check.Close(ctx))
}

func TestTransactionalAbortReleasesSession(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeTransaction, Locker: locker})
	ctx := context.Background()

	first := store.Handler()
	_, err := first.Read(ctx, sidA)
	require.NoError(t, err)
	require.Equal(t, 1, locker.held())
	require.NoError(t, first.Abort(ctx))
	require.Zero(t, locker.held())

	second := store.Handler()
	_, err = second.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, second.Close(ctx))
	require.Zero(t, locker.held())
}

func TestTransactionalReadTimesOutBehindHolder(t *testing.T) {
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeTransaction, LockTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	first := store.Handler()
	_, err := first.Read(ctx, sidA)
	require.NoError(t, err)
	defer first.Close(ctx)

	_, err = store.Handler().Read(ctx, sidA)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockNameIsBounded(t *testing.T) {
	require.Equal(t, "session:"+sidA, lockName(sidA))

	long := lockName(strings.Repeat("x", 100))
	require.LessOrEqual(t, len(long), 64)
	require.True(t, strings.HasPrefix(long, "session:"))
}
