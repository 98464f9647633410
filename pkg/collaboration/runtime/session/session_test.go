package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

type fakeLockReleaser struct {
	released []string
}

func (f *fakeLockReleaser) ReleaseSessionLocks(sessionID string) int {
	f.released = append(f.released, sessionID)
	return 0
}

func newTestManager() (*Manager, *fakeLockReleaser) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	locks := &fakeLockReleaser{}
	return NewManager(cfg, locks, nil, nil), locks
}

func TestCreateSession_ExceedingCapTerminatesOldest(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Stop()
	mgr.cfg.MaxSessionsPerUser = 2

	s1 := mgr.CreateSession("alice", "client-1", nil)
	time.Sleep(time.Millisecond)
	mgr.CreateSession("alice", "client-2", nil)
	time.Sleep(time.Millisecond)
	mgr.CreateSession("alice", "client-3", nil)

	_, stillExists := mgr.GetSession(s1.ID)
	require.False(t, stillExists)
	require.Len(t, mgr.GetUserSessions("alice"), 2)
}

func TestJoinDocument_EnforcesMaxDocumentsPerSession(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Stop()
	mgr.cfg.MaxDocumentsPerSession = 1

	s := mgr.CreateSession("alice", "client-1", nil)
	require.NoError(t, mgr.JoinDocument(s.ID, "doc-1"))
	require.Error(t, mgr.JoinDocument(s.ID, "doc-2"))
}

func TestLeaveDocument_DropsTransientState(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Stop()

	s := mgr.CreateSession("alice", "client-1", nil)
	require.NoError(t, mgr.JoinDocument(s.ID, "doc-1"))
	require.NoError(t, mgr.SaveSessionData(s.ID, "doc-1", "cursor", 42))

	require.NoError(t, mgr.LeaveDocument(s.ID, "doc-1"))

	_, ok := mgr.GetSessionData(s.ID, "doc-1", "cursor")
	require.False(t, ok)
	_, hasDoc := s.Documents["doc-1"]
	require.False(t, hasDoc)
}

func TestTerminateSession_ReleasesLocksAndFiresCallback(t *testing.T) {
	mgr, locks := newTestManager()
	defer mgr.Stop()

	var terminatedReason string
	mgr.SetObservers(nil, func(s *model.Session, reason string) { terminatedReason = reason })

	s := mgr.CreateSession("alice", "client-1", nil)
	require.True(t, mgr.TerminateSession(s.ID, "user_requested"))

	require.Contains(t, locks.released, s.ID)
	require.Equal(t, "user_requested", terminatedReason)
	_, ok := mgr.GetSession(s.ID)
	require.False(t, ok)
}

func TestReconnectSession_RebindsClientID(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Stop()

	s := mgr.CreateSession("alice", "client-1", nil)
	require.True(t, mgr.DisconnectSession(s.ID))

	reconnected, err := mgr.ReconnectSession(s.ID, "client-2")
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, reconnected.State)

	found, ok := mgr.GetSessionByClient("client-2")
	require.True(t, ok)
	require.Equal(t, s.ID, found.ID)
}

func TestSweepIdle_TransitionsActiveToIdle(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.Stop()
	mgr.cfg.IdleTimeout = 10 * time.Millisecond

	s := mgr.CreateSession("alice", "client-1", nil)
	require.Eventually(t, func() bool {
		got, _ := mgr.GetSession(s.ID)
		return got.State == model.SessionIdle
	}, time.Second, 10*time.Millisecond)
}
