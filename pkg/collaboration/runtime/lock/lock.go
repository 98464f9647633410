// Package lock implements C5 from the collaboration runtime spec: the
// multi-scope, multi-type lock manager with queued fair acquisition,
// expiry sweeping, and per-session/per-user cascading release. Grounded
// on agent-api/app/collaboration/locking.py (LockManager, LockQueue,
// conflicts_with) and, for the Go-side sweeper-goroutine and struct-field
// idiom, on pkg/services/document_lock_service.go.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Config holds LockManager (C5) tunables, per spec.md §6.
type Config struct {
	DefaultTimeout     time.Duration
	MaxLockDuration    time.Duration
	MaxLocksPerUser    int
	MaxLocksPerDocument int
	EnableQueuing      bool
	QueueTimeout       time.Duration
	HeartbeatInterval  time.Duration
	MaxQueueLength     int // backpressure soft cap, spec.md §5
}

// DefaultConfig mirrors LockConfig's defaults in locking.py.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      5 * time.Minute,
		MaxLockDuration:     time.Hour,
		MaxLocksPerUser:     50,
		MaxLocksPerDocument: 100,
		EnableQueuing:       true,
		QueueTimeout:        30 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxQueueLength:      1024,
	}
}

// Result is the outcome of an Acquire call.
type Result struct {
	Success       bool
	Lock          *model.Lock
	ConflictLocks []*model.Lock
	WaitTimeMs    int64
}

// Stats mirrors locking.py's get_stats().
type Stats struct {
	ActiveLocks   int
	ByType        map[model.LockType]int
	ByScope       map[model.LockScope]int
	QueueLengths  map[string]int
	LocksGranted  int64
	LocksDenied   int64
	LocksExpired  int64
}

type waiter struct {
	request   model.Lock // fields reused to describe the pending request
	signal    chan struct{}
	done      bool
	createdAt time.Time
}

// Manager is the LockManager (C5) implementation.
type Manager struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu sync.Mutex

	locks          map[string]*model.Lock   // lock_id -> lock
	byDocument     map[string]map[string]bool // document_id -> set of lock_id
	byUser         map[string]map[string]bool // user_id -> set of lock_id
	bySession      map[string]map[string]bool // session_id -> set of lock_id
	queues         map[string][]*waiter        // document_id -> FIFO waiters

	granted, denied, expired int64

	onLockAcquired func(*model.Lock)
	onLockReleased func(*model.Lock)
	onLockExpired  func(*model.Lock)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a lock Manager and starts its expiry/queue sweepers.
func NewManager(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		locks:      make(map[string]*model.Lock),
		byDocument: make(map[string]map[string]bool),
		byUser:     make(map[string]map[string]bool),
		bySession:  make(map[string]map[string]bool),
		queues:     make(map[string][]*waiter),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// SetObservers wires the on_lock_* callbacks from spec.md §6.
func (m *Manager) SetObservers(onAcquired, onReleased, onExpired func(*model.Lock)) {
	m.onLockAcquired = onAcquired
	m.onLockReleased = onReleased
	m.onLockExpired = onExpired
}

// conflictsWith implements spec.md §4.5's conflict predicate exactly.
func conflictsWith(a, b *model.Lock) bool {
	if a.Scope != model.ScopeDocument && b.Scope != model.ScopeDocument {
		if a.Scope == model.ScopeSection && b.Scope == model.ScopeSection {
			if a.Range != nil && b.Range != nil && !a.Range.Overlaps(*b.Range) {
				return false
			}
		} else if a.Scope == model.ScopeField && b.Scope == model.ScopeField {
			if a.FieldName != b.FieldName {
				return false
			}
		}
	}
	return typeConflicts(a.Type, b.Type)
}

func typeConflicts(a, b model.LockType) bool {
	if a == model.LockShared && b == model.LockShared {
		return false
	}
	isIntent := func(t model.LockType) bool {
		return t == model.LockIntentExclusive || t == model.LockIntentShared
	}
	if isIntent(a) && isIntent(b) {
		return false
	}
	return true
}

func (m *Manager) countActiveLocked(index map[string]map[string]bool, key string) int {
	return len(index[key])
}

func (m *Manager) scanConflictsLocked(documentID, userID string, candidate *model.Lock) []*model.Lock {
	var conflicts []*model.Lock
	for id := range m.byDocument[documentID] {
		existing := m.locks[id]
		if existing == nil || existing.State != model.LockAcquired {
			continue
		}
		if existing.UserID == userID {
			continue
		}
		if conflictsWith(existing, candidate) {
			conflicts = append(conflicts, existing)
		}
	}
	return conflicts
}

func (m *Manager) addIndicesLocked(l *model.Lock) {
	if m.byDocument[l.DocumentID] == nil {
		m.byDocument[l.DocumentID] = make(map[string]bool)
	}
	m.byDocument[l.DocumentID][l.ID] = true
	if m.byUser[l.UserID] == nil {
		m.byUser[l.UserID] = make(map[string]bool)
	}
	m.byUser[l.UserID][l.ID] = true
	if m.bySession[l.SessionID] == nil {
		m.bySession[l.SessionID] = make(map[string]bool)
	}
	m.bySession[l.SessionID][l.ID] = true
}

func (m *Manager) removeIndicesLocked(l *model.Lock) {
	delete(m.byDocument[l.DocumentID], l.ID)
	delete(m.byUser[l.UserID], l.ID)
	delete(m.bySession[l.SessionID], l.ID)
}

// Acquire implements spec.md §4.5's Acquire contract.
func (m *Manager) Acquire(ctx context.Context, documentID, userID, sessionID string, lockType model.LockType, scope model.LockScope, lockRange *model.LockRange, field string, timeout time.Duration, wait bool, metadata map[string]interface{}) (*Result, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()

	if m.countActiveLocked(m.byUser, userID) >= m.cfg.MaxLocksPerUser {
		m.mu.Unlock()
		m.denied++
		return nil, &rterrors.CapacityExceededError{Resource: "locks_per_user", Limit: m.cfg.MaxLocksPerUser}
	}
	if m.countActiveLocked(m.byDocument, documentID) >= m.cfg.MaxLocksPerDocument {
		m.mu.Unlock()
		m.denied++
		return nil, &rterrors.CapacityExceededError{Resource: "locks_per_document", Limit: m.cfg.MaxLocksPerDocument}
	}

	candidate := &model.Lock{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		UserID:     userID,
		SessionID:  sessionID,
		Type:       lockType,
		Scope:      scope,
		Range:      lockRange,
		FieldName:  field,
		Metadata:   metadata,
	}

	conflicts := m.scanConflictsLocked(documentID, userID, candidate)
	if len(conflicts) == 0 {
		m.commitLocked(candidate, timeout)
		m.mu.Unlock()
		return &Result{Success: true, Lock: candidate}, nil
	}

	if !wait || !m.cfg.EnableQueuing {
		m.mu.Unlock()
		m.denied++
		return &Result{Success: false, ConflictLocks: conflicts}, nil
	}

	if len(m.queues[documentID]) >= m.cfg.MaxQueueLength {
		m.mu.Unlock()
		return nil, &rterrors.CapacityExceededError{Resource: "lock_queue", Limit: m.cfg.MaxQueueLength}
	}

	w := &waiter{request: *candidate, signal: make(chan struct{}, 1), createdAt: time.Now()}
	m.queues[documentID] = append(m.queues[documentID], w)
	m.mu.Unlock()

	start := time.Now()
	queueTimeout := m.cfg.QueueTimeout
	select {
	case <-w.signal:
	case <-time.After(queueTimeout):
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.removeWaiterLocked(documentID, w)
	conflicts = m.scanConflictsLocked(documentID, userID, candidate)
	waitMs := time.Since(start).Milliseconds()
	if len(conflicts) > 0 {
		m.mu.Unlock()
		m.denied++
		return &Result{Success: false, ConflictLocks: conflicts, WaitTimeMs: waitMs}, nil
	}
	m.commitLocked(candidate, timeout)
	m.mu.Unlock()
	return &Result{Success: true, Lock: candidate, WaitTimeMs: waitMs}, nil
}

func (m *Manager) removeWaiterLocked(documentID string, target *waiter) {
	q := m.queues[documentID]
	for i, w := range q {
		if w == target {
			m.queues[documentID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (m *Manager) commitLocked(l *model.Lock, timeout time.Duration) {
	if timeout > m.cfg.MaxLockDuration {
		timeout = m.cfg.MaxLockDuration
	}
	now := time.Now()
	l.State = model.LockAcquired
	l.AcquiredAt = now
	l.ExpiresAt = now.Add(timeout)
	m.locks[l.ID] = l
	m.addIndicesLocked(l)
	m.granted++
	m.metrics.IncrementCounterWithLabels("collab.lock.acquired", 1, map[string]string{"type": string(l.Type), "scope": string(l.Scope)})
	if m.onLockAcquired != nil {
		m.onLockAcquired(l)
	}
}

// Release implements spec.md §4.5's Release contract.
func (m *Manager) Release(lockID, userID string) bool {
	m.mu.Lock()
	l, ok := m.locks[lockID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if userID != "" && l.UserID != userID {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	l.State = model.LockReleased
	l.ReleasedAt = &now
	m.removeIndicesLocked(l)
	delete(m.locks, lockID)
	documentID := l.DocumentID
	m.mu.Unlock()

	m.signalNextWaiter(documentID)
	m.metrics.IncrementCounterWithLabels("collab.lock.released", 1, nil)
	if m.onLockReleased != nil {
		m.onLockReleased(l)
	}
	return true
}

func (m *Manager) signalNextWaiter(documentID string) {
	m.mu.Lock()
	q := m.queues[documentID]
	var next *waiter
	for _, w := range q {
		if !w.done {
			next = w
			break
		}
	}
	if next != nil {
		next.done = true
	}
	m.mu.Unlock()
	if next != nil {
		select {
		case next.signal <- struct{}{}:
		default:
		}
	}
}

// ReleaseSessionLocks bulk-releases every lock owned by a session.
func (m *Manager) ReleaseSessionLocks(sessionID string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id, "")
	}
	return len(ids)
}

// ReleaseUserLocks bulk-releases every lock owned by a user.
func (m *Manager) ReleaseUserLocks(userID string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id, "")
	}
	return len(ids)
}

// Extend implements spec.md §4.5's Extend contract.
func (m *Manager) Extend(lockID, userID string, extension time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok || l.State != model.LockAcquired || l.UserID != userID {
		return false
	}
	if extension <= 0 {
		extension = m.cfg.DefaultTimeout
	}
	maxExpiry := l.AcquiredAt.Add(m.cfg.MaxLockDuration)
	newExpiry := time.Now().Add(extension)
	if newExpiry.After(maxExpiry) {
		newExpiry = maxExpiry
	}
	l.ExpiresAt = newExpiry
	return true
}

// IsLocked reports whether position (for SECTION) or field (for FIELD)
// is covered by any ACQUIRED lock on documentID.
func (m *Manager) IsLocked(documentID string, position *int, field string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byDocument[documentID] {
		l := m.locks[id]
		if l == nil || l.State != model.LockAcquired {
			continue
		}
		switch l.Scope {
		case model.ScopeDocument:
			return true
		case model.ScopeSection:
			if position != nil && l.Range != nil && l.Range.Contains(*position) {
				return true
			}
		case model.ScopeField:
			if field != "" && l.FieldName == field {
				return true
			}
		}
	}
	return false
}

// CanEdit reports whether userID may edit, treating SHARED and same-user
// locks as non-blocking, per spec.md §4.5.
func (m *Manager) CanEdit(documentID, userID string, position *int, field string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byDocument[documentID] {
		l := m.locks[id]
		if l == nil || l.State != model.LockAcquired {
			continue
		}
		if l.UserID == userID || l.Type == model.LockShared {
			continue
		}
		switch l.Scope {
		case model.ScopeDocument:
			return false
		case model.ScopeSection:
			if position != nil && l.Range != nil && l.Range.Contains(*position) {
				return false
			}
		case model.ScopeField:
			if field != "" && l.FieldName == field {
				return false
			}
		}
	}
	return true
}

// GetDocumentLocks returns all ACQUIRED locks on a document.
func (m *Manager) GetDocumentLocks(documentID string) []*model.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Lock
	for id := range m.byDocument[documentID] {
		out = append(out, m.locks[id])
	}
	return out
}

// GetUserLocks returns all ACQUIRED locks held by a user.
func (m *Manager) GetUserLocks(userID string) []*model.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Lock
	for id := range m.byUser[userID] {
		out = append(out, m.locks[id])
	}
	return out
}

// GetQueueLength returns the number of waiters on a document.
func (m *Manager) GetQueueLength(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[documentID])
}

// Stats returns LockManager activity counters (supplemented from
// locking.py's get_stats()).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		ActiveLocks:  len(m.locks),
		ByType:       make(map[model.LockType]int),
		ByScope:      make(map[model.LockScope]int),
		QueueLengths: make(map[string]int),
		LocksGranted: m.granted,
		LocksDenied:  m.denied,
		LocksExpired: m.expired,
	}
	for _, l := range m.locks {
		s.ByType[l.Type]++
		s.ByScope[l.Scope]++
	}
	for doc, q := range m.queues {
		s.QueueLengths[doc] = len(q)
	}
	return s
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpiredLocks()
			m.sweepExpiredWaiters()
		}
	}
}

func (m *Manager) sweepExpiredLocks() {
	m.mu.Lock()
	var expiredLocks []*model.Lock
	for id, l := range m.locks {
		if l.IsExpired() {
			l.State = model.LockExpiredS
			now := time.Now()
			l.ReleasedAt = &now
			m.removeIndicesLocked(l)
			delete(m.locks, id)
			m.expired++
			expiredLocks = append(expiredLocks, l)
		}
	}
	m.mu.Unlock()

	for _, l := range expiredLocks {
		m.logger.Debug("lock expired", map[string]interface{}{"lock_id": l.ID, "document_id": l.DocumentID, "user_id": l.UserID})
		m.signalNextWaiter(l.DocumentID)
		if m.onLockExpired != nil {
			m.onLockExpired(l)
		}
	}
}

func (m *Manager) sweepExpiredWaiters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.QueueTimeout)
	for doc, q := range m.queues {
		var remaining []*waiter
		for _, w := range q {
			if w.createdAt.Before(cutoff) && !w.done {
				select {
				case w.signal <- struct{}{}:
				default:
				}
				continue
			}
			remaining = append(remaining, w)
		}
		m.queues[doc] = remaining
	}
}

// Stop halts the expiry/queue sweepers.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
