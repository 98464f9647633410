package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.NewInMemoryStorage(storage.DefaultConfig(), nil, nil)
	return NewManager(DefaultConfig(), store, nil, nil)
}

func TestCreateSnapshot_FirstIsFull(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	snap, err := mgr.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, "MANUAL", nil)
	require.NoError(t, err)
	require.Equal(t, "FULL", string(snap.Type))
}

func TestCreateSnapshot_DeltaReconstructs(t *testing.T) {
	mgr := newTestManager(t)
	mgr.cfg.DeltaThreshold = 0.5
	ctx := context.Background()

	s1, err := mgr.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, "MANUAL", nil)
	require.NoError(t, err)

	s2, err := mgr.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, "MANUAL", nil)
	require.NoError(t, err)
	require.Equal(t, "DELTA", string(s2.Type))
	require.Equal(t, s1.ID, *s2.BaseSnapshotID)

	restored, err := mgr.RestoreSnapshot(ctx, s2.ID)
	require.NoError(t, err)
	require.Equal(t, "hello world!", string(restored))
}

func TestDeleteSnapshot_ForbiddenWithLiveDependents(t *testing.T) {
	mgr := newTestManager(t)
	mgr.cfg.DeltaThreshold = 0.5
	ctx := context.Background()

	s1, err := mgr.CreateSnapshot(ctx, "doc-1", []byte("hello world"), 1, "MANUAL", nil)
	require.NoError(t, err)
	_, err = mgr.CreateSnapshot(ctx, "doc-1", []byte("hello world!"), 2, "MANUAL", nil)
	require.NoError(t, err)

	err = mgr.DeleteSnapshot(ctx, s1.ID)
	require.Error(t, err)
}

func TestRollbackToVersion(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.CreateSnapshot(ctx, "doc-1", []byte("v1"), 1, "MANUAL", nil)
	require.NoError(t, err)
	_, err = mgr.CreateSnapshot(ctx, "doc-1", []byte("v2"), 2, "MANUAL", nil)
	require.NoError(t, err)

	content, err := mgr.RollbackToVersion(ctx, "doc-1", 1)
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))
}
