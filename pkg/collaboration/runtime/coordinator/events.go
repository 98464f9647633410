package coordinator

import (
	"context"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

// EventObserver is the unified callback surface from spec.md §6, with one
// method per event. The Coordinator invokes observers synchronously but
// recovers from panics so a misbehaving observer never propagates into
// ApplyOperation's own control flow.
type EventObserver interface {
	OnSessionCreated(ctx context.Context, s *model.Session)
	OnSessionTerminated(ctx context.Context, s *model.Session, reason string)
	OnLockAcquired(ctx context.Context, l *model.Lock)
	OnLockReleased(ctx context.Context, l *model.Lock)
	OnLockExpired(ctx context.Context, l *model.Lock)
	OnConflictDetected(ctx context.Context, c *model.Conflict)
	OnConflictResolved(ctx context.Context, c *model.Conflict)
	OnSnapshotCreated(ctx context.Context, s *model.Snapshot)
	OnAccessGranted(ctx context.Context, userID, documentID string, perms model.Permission)
	OnInvitationSent(ctx context.Context, inv *model.Invitation)
	OnOperationApplied(ctx context.Context, documentID, userID string, op Operation, newVersion int64)
}

// NoopObserver implements EventObserver with no-op methods; embedding it
// lets a caller override only the events it cares about.
type NoopObserver struct{}

func (NoopObserver) OnSessionCreated(context.Context, *model.Session)                    {}
func (NoopObserver) OnSessionTerminated(context.Context, *model.Session, string)         {}
func (NoopObserver) OnLockAcquired(context.Context, *model.Lock)                         {}
func (NoopObserver) OnLockReleased(context.Context, *model.Lock)                         {}
func (NoopObserver) OnLockExpired(context.Context, *model.Lock)                          {}
func (NoopObserver) OnConflictDetected(context.Context, *model.Conflict)                 {}
func (NoopObserver) OnConflictResolved(context.Context, *model.Conflict)                 {}
func (NoopObserver) OnSnapshotCreated(context.Context, *model.Snapshot)                  {}
func (NoopObserver) OnAccessGranted(context.Context, string, string, model.Permission)   {}
func (NoopObserver) OnInvitationSent(context.Context, *model.Invitation)                 {}
func (NoopObserver) OnOperationApplied(context.Context, string, string, Operation, int64) {}

// AddObserver registers obs to receive every event the Coordinator's
// wired components raise. Safe to call concurrently with dispatch.
func (c *Coordinator) AddObserver(obs EventObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, obs)
}

// notify runs fn against every registered observer, recovering individual
// panics so one broken observer cannot take down dispatch for the rest or
// escape into the caller.
func (c *Coordinator) notify(fn func(EventObserver)) {
	c.obsMu.RLock()
	observers := append([]EventObserver(nil), c.observers...)
	c.obsMu.RUnlock()

	for _, obs := range observers {
		c.notifyOne(obs, fn)
	}
}

func (c *Coordinator) notifyOne(obs EventObserver, fn func(EventObserver)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("collaboration event observer panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn(obs)
}

// wireObservers bridges each component's narrow SetObservers callback into
// the unified EventObserver dispatch, so AddObserver is the single
// registration point an embedding application needs.
func (c *Coordinator) wireObservers() {
	c.sessions.SetObservers(
		func(s *model.Session) {
			c.notify(func(o EventObserver) { o.OnSessionCreated(context.Background(), s) })
		},
		func(s *model.Session, reason string) {
			c.notify(func(o EventObserver) { o.OnSessionTerminated(context.Background(), s, reason) })
		},
	)
	c.locks.SetObservers(
		func(l *model.Lock) {
			c.notify(func(o EventObserver) { o.OnLockAcquired(context.Background(), l) })
		},
		func(l *model.Lock) {
			c.notify(func(o EventObserver) { o.OnLockReleased(context.Background(), l) })
		},
		func(l *model.Lock) {
			c.notify(func(o EventObserver) { o.OnLockExpired(context.Background(), l) })
		},
	)
	c.conflicts.SetObservers(
		func(conf *model.Conflict) {
			c.notify(func(o EventObserver) { o.OnConflictDetected(context.Background(), conf) })
		},
		func(conf *model.Conflict) {
			c.notify(func(o EventObserver) { o.OnConflictResolved(context.Background(), conf) })
		},
	)
	c.snapshots.SetObservers(func(s *model.Snapshot) {
		c.notify(func(o EventObserver) { o.OnSnapshotCreated(context.Background(), s) })
	})
	c.access.SetObservers(
		func(userID, documentID string, perms model.Permission) {
			c.notify(func(o EventObserver) { o.OnAccessGranted(context.Background(), userID, documentID, perms) })
		},
		func(inv *model.Invitation) {
			c.notify(func(o EventObserver) { o.OnInvitationSent(context.Background(), inv) })
		},
	)
}
