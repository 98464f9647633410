package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/access"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/conflict"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/lock"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/session"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/snapshot"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/storage"
)

type harness struct {
	coord     *Coordinator
	sessions  *session.Manager
	locks     *lock.Manager
	access    *access.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	locks := lock.NewManager(lock.DefaultConfig(), nil, nil)
	sessions := session.NewManager(session.DefaultConfig(), locks, nil, nil)
	conflicts := conflict.NewManager(conflict.DefaultConfig(), nil, nil)
	checker := access.NewPermissionChecker(nil, nil)
	accessCtl := access.NewController(checker, nil, nil)
	store := storage.NewInMemoryStorage(storage.DefaultConfig(), nil, nil)
	snapshots := snapshot.NewManager(snapshot.DefaultConfig(), store, nil, nil)

	coord := New(DefaultConfig(), sessions, locks, conflicts, accessCtl, snapshots, nil, nil)
	t.Cleanup(func() {
		locks.Stop()
		sessions.Stop()
	})
	return &harness{coord: coord, sessions: sessions, locks: locks, access: accessCtl}
}

func TestApplyOperation_DeniesWithoutWritePermission(t *testing.T) {
	h := newHarness(t)
	h.access.CreateDocument("doc-1", "owner", model.PermissionNone)
	sess := h.sessions.CreateSession("intruder", "client-1", nil)
	h.coord.SeedDocument("doc-1", []byte("hello"), 1)

	pos := 5
	result, err := h.coord.ApplyOperation(context.Background(), "doc-1", sess.ID, Operation{
		ID: "op-1", Type: "insert", Position: &pos, Payload: map[string]interface{}{"text": "!"},
	}, 1)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "permission_denied", result.Reason)
}

func TestApplyOperation_AppliesInsertAndBumpsVersion(t *testing.T) {
	h := newHarness(t)
	h.access.CreateDocument("doc-1", "alice", model.PermissionNone)
	sess := h.sessions.CreateSession("alice", "client-1", nil)
	h.coord.SeedDocument("doc-1", []byte("hello"), 1)

	pos := 5
	result, err := h.coord.ApplyOperation(context.Background(), "doc-1", sess.ID, Operation{
		ID: "op-1", Type: "insert", Position: &pos, Payload: map[string]interface{}{"text": "!"},
	}, 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 2, result.NewVersion)
}

func TestApplyOperation_DeniedByConflictingLock(t *testing.T) {
	h := newHarness(t)
	h.access.CreateDocument("doc-1", "alice", model.PermissionNone)
	h.access.Checker().Grant("bob", "doc-1", model.PermissionWrite, "alice")
	sessAlice := h.sessions.CreateSession("alice", "client-1", nil)
	sessBob := h.sessions.CreateSession("bob", "client-2", nil)
	h.coord.SeedDocument("doc-1", []byte("hello"), 1)

	res, err := h.locks.Acquire(context.Background(), "doc-1", "alice", sessAlice.ID, model.LockExclusive, model.ScopeDocument, nil, "", 0, false, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	pos := 0
	result, err := h.coord.ApplyOperation(context.Background(), "doc-1", sessBob.ID, Operation{
		ID: "op-1", Type: "insert", Position: &pos, Payload: map[string]interface{}{"text": "x"},
	}, 1)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "lock_violation", result.Reason)
}

type recordingObserver struct {
	NoopObserver
	applied   int
	acquired  int
	sessions  int
}

func (o *recordingObserver) OnOperationApplied(_ context.Context, _, _ string, _ Operation, _ int64) {
	o.applied++
}

func (o *recordingObserver) OnLockAcquired(_ context.Context, _ *model.Lock) {
	o.acquired++
}

func (o *recordingObserver) OnSessionCreated(_ context.Context, _ *model.Session) {
	o.sessions++
}

func TestAddObserver_ReceivesSessionLockAndOperationEvents(t *testing.T) {
	h := newHarness(t)
	h.access.CreateDocument("doc-1", "alice", model.PermissionNone)
	h.coord.SeedDocument("doc-1", []byte("hello"), 1)

	obs := &recordingObserver{}
	h.coord.AddObserver(obs)

	sess := h.sessions.CreateSession("alice", "client-1", nil)
	require.Equal(t, 1, obs.sessions)

	res, err := h.locks.Acquire(context.Background(), "doc-1", "alice", sess.ID, model.LockExclusive, model.ScopeDocument, nil, "", 0, false, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, obs.acquired)

	pos := 5
	result, err := h.coord.ApplyOperation(context.Background(), "doc-1", sess.ID, Operation{
		ID: "op-1", Type: "insert", Position: &pos, Payload: map[string]interface{}{"text": "!"},
	}, 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, obs.applied)
}

func TestApplyOperation_VersionMismatchDetectsAndResolvesConflict(t *testing.T) {
	h := newHarness(t)
	h.access.CreateDocument("doc-1", "alice", model.PermissionNone)
	sess := h.sessions.CreateSession("alice", "client-1", nil)
	h.coord.SeedDocument("doc-1", []byte("hello"), 3)

	pos := 0
	result, err := h.coord.ApplyOperation(context.Background(), "doc-1", sess.ID, Operation{
		ID: "op-1", Type: "insert", Position: &pos, Payload: map[string]interface{}{"text": "x"},
	}, 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Conflict)
	require.Equal(t, model.ConflictResolved, result.Conflict.State)
}
