package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

func newTestManager() *Manager {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.QueueTimeout = 200 * time.Millisecond
	return NewManager(cfg, nil, nil)
}

func TestAcquire_NonOverlappingSectionLocksCoexist(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	r1 := &model.LockRange{Start: 0, End: 10}
	r2 := &model.LockRange{Start: 20, End: 30}

	res1, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeSection, r1, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res1.Success)

	res2, err := mgr.Acquire(ctx, "doc-1", "bob", "s2", model.LockExclusive, model.ScopeSection, r2, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res2.Success)
}

func TestAcquire_OverlappingSectionLocksConflict(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	r1 := &model.LockRange{Start: 0, End: 10}
	r2 := &model.LockRange{Start: 5, End: 15}

	res1, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeSection, r1, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res1.Success)

	res2, err := mgr.Acquire(ctx, "doc-1", "bob", "s2", model.LockExclusive, model.ScopeSection, r2, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.False(t, res2.Success)
	require.Len(t, res2.ConflictLocks, 1)
}

func TestAcquire_QueuedWaiterGrantedAfterRelease(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	res1, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeDocument, nil, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res1.Success)

	done := make(chan *Result, 1)
	go func() {
		res2, _ := mgr.Acquire(ctx, "doc-1", "bob", "s2", model.LockExclusive, model.ScopeDocument, nil, "", time.Minute, true, nil)
		done <- res2
	}()

	time.Sleep(30 * time.Millisecond)
	require.True(t, mgr.Release(res1.Lock.ID, "alice"))

	select {
	case res2 := <-done:
		require.NotNil(t, res2)
		require.True(t, res2.Success)
	case <-time.After(time.Second):
		t.Fatal("queued waiter never granted")
	}
}

func TestCanEdit_SameUserAndSharedLocksDoNotBlock(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	res, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockShared, model.ScopeDocument, nil, "", time.Minute, false, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.True(t, mgr.CanEdit("doc-1", "alice", nil, ""))
	require.True(t, mgr.CanEdit("doc-1", "bob", nil, ""))
}

func TestExtend_ClampedToMaxLockDuration(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	mgr.cfg.MaxLockDuration = 100 * time.Millisecond
	ctx := context.Background()

	res, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeDocument, nil, "", 10*time.Millisecond, false, nil)
	require.NoError(t, err)
	require.True(t, mgr.Extend(res.Lock.ID, "alice", time.Hour))

	mgr.mu.Lock()
	l := mgr.locks[res.Lock.ID]
	maxExpiry := l.AcquiredAt.Add(mgr.cfg.MaxLockDuration)
	mgr.mu.Unlock()
	require.False(t, l.ExpiresAt.After(maxExpiry.Add(time.Millisecond)))
}

func TestReleaseSessionLocks_BulkReleasesAll(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	r1 := &model.LockRange{Start: 0, End: 5}
	r2 := &model.LockRange{Start: 10, End: 15}
	_, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeSection, r1, "", time.Minute, false, nil)
	require.NoError(t, err)
	_, err = mgr.Acquire(ctx, "doc-2", "alice", "s1", model.LockExclusive, model.ScopeSection, r2, "", time.Minute, false, nil)
	require.NoError(t, err)

	require.Equal(t, 2, mgr.ReleaseSessionLocks("s1"))
	require.Empty(t, mgr.GetDocumentLocks("doc-1"))
	require.Empty(t, mgr.GetDocumentLocks("doc-2"))
}

func TestSweepExpiredLocks_RemovesLockAndFiresCallback(t *testing.T) {
	mgr := newTestManager()
	defer mgr.Stop()
	ctx := context.Background()

	var expiredCount int
	mgr.SetObservers(nil, nil, func(l *model.Lock) { expiredCount++ })

	res, err := mgr.Acquire(ctx, "doc-1", "alice", "s1", model.LockExclusive, model.ScopeDocument, nil, "", 10*time.Millisecond, false, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		_, stillHeld := mgr.locks[res.Lock.ID]
		return !stillHeld
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, expiredCount)
}
