// Package session implements C4 from the collaboration runtime spec: the
// session lifecycle state machine, per-user/per-document caps, and the
// idle/expiry sweepers. Grounded on pkg/services/session_service.go and
// pkg/models/session.go for the Go-side shape, and on
// agent-api/app/collaboration (the session.py counterpart was not
// retrieved, so the state machine follows spec.md §4.4 literally).
package session

import (
	"sync"
	"time"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Config holds SessionManager (C4) tunables, per spec.md §6.
type Config struct {
	SessionTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxSessionsPerUser  int
	MaxDocumentsPerSession int
	SweepInterval       time.Duration
}

// DefaultConfig mirrors the Python original's SessionConfig defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:         30 * time.Minute,
		IdleTimeout:            5 * time.Minute,
		MaxSessionsPerUser:     10,
		MaxDocumentsPerSession: 20,
		SweepInterval:          30 * time.Second,
	}
}

// LockReleaser is the narrow Coordinator-facing dependency used to
// release a terminated session's locks, per spec.md §4.4 invariant (d).
type LockReleaser interface {
	ReleaseSessionLocks(sessionID string) int
}

// Manager is the SessionManager (C4) implementation.
type Manager struct {
	cfg     Config
	locks   LockReleaser
	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.Mutex
	sessions    map[string]*model.Session
	byClient    map[string]string   // client_id -> session_id
	byUser      map[string][]string // user_id -> ordered session_ids (creation order)
	byDocument  map[string]map[string]bool

	onSessionCreated   func(*model.Session)
	onSessionTerminated func(*model.Session, string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a SessionManager and starts its idle/expiry sweeper.
func NewManager(cfg Config, locks LockReleaser, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	m := &Manager{
		cfg:        cfg,
		locks:      locks,
		logger:     logger,
		metrics:    metrics,
		sessions:   make(map[string]*model.Session),
		byClient:   make(map[string]string),
		byUser:     make(map[string][]string),
		byDocument: make(map[string]map[string]bool),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// SetObservers wires the on_session_* callbacks from spec.md §6.
func (m *Manager) SetObservers(onCreated func(*model.Session), onTerminated func(*model.Session, string)) {
	m.onSessionCreated = onCreated
	m.onSessionTerminated = onTerminated
}

// CreateSession implements spec.md §4.4's CreateSession, enforcing
// invariant (a): creating beyond max_sessions_per_user terminates the
// oldest live session for that user.
func (m *Manager) CreateSession(userID, clientID string, deviceInfo map[string]interface{}) *model.Session {
	m.mu.Lock()
	if existing := m.byUser[userID]; len(existing) >= m.cfg.MaxSessionsPerUser {
		oldest := existing[0]
		m.mu.Unlock()
		m.TerminateSession(oldest, "session_limit_exceeded")
		m.mu.Lock()
	}

	s := model.NewSession(userID, clientID, m.cfg.SessionTimeout)
	m.sessions[s.ID] = s
	m.byClient[clientID] = s.ID
	m.byUser[userID] = append(m.byUser[userID], s.ID)
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("collab.session.created", 1, nil)
	if m.onSessionCreated != nil {
		m.onSessionCreated(s)
	}
	return s
}

// GetSession looks up a session by ID.
func (m *Manager) GetSession(id string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetSessionByClient looks up a session by its current client_id.
func (m *Manager) GetSessionByClient(clientID string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// GetUserSessions lists all live sessions for a user, oldest first.
func (m *Manager) GetUserSessions(userID string) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byUser[userID]
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// UpdateActivity bumps last_activity and reverts IDLE to ACTIVE per the
// state machine in spec.md §4.4.
func (m *Manager) UpdateActivity(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.LastActivity = time.Now()
	if s.State == model.SessionIdle {
		s.State = model.SessionActive
	}
	return true
}

// JoinDocument adds doc to the session's joined set, enforcing
// invariant (b): at most max_documents_per_session.
func (m *Manager) JoinDocument(sessionID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "session", ID: sessionID}
	}
	if _, already := s.Documents[documentID]; !already && len(s.Documents) >= m.cfg.MaxDocumentsPerSession {
		return &rterrors.CapacityExceededError{Resource: "documents_per_session", Limit: m.cfg.MaxDocumentsPerSession}
	}
	s.Documents[documentID] = struct{}{}
	if m.byDocument[documentID] == nil {
		m.byDocument[documentID] = make(map[string]bool)
	}
	m.byDocument[documentID][sessionID] = true
	return nil
}

// LeaveDocument drops transient per-document state for (session, doc),
// per invariant (c).
func (m *Manager) LeaveDocument(sessionID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "session", ID: sessionID}
	}
	delete(s.Documents, documentID)
	delete(s.SessionData, documentID)
	delete(m.byDocument[documentID], sessionID)
	return nil
}

// GetDocumentSessions lists sessions currently joined to a document.
func (m *Manager) GetDocumentSessions(documentID string) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Session
	for id := range m.byDocument[documentID] {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// DisconnectSession transitions a session to DISCONNECTED without removing it.
func (m *Manager) DisconnectSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.State = model.SessionDisconnected
	return true
}

// ReconnectSession transitions a DISCONNECTED, non-expired session back
// to ACTIVE, optionally rebinding its client_id.
func (m *Manager) ReconnectSession(id, newClientID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &rterrors.NotFoundError{Kind: "session", ID: id}
	}
	if s.State != model.SessionDisconnected {
		return nil, &rterrors.InvalidInputError{Field: "state", Reason: "session is not disconnected"}
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, &rterrors.InvalidInputError{Field: "state", Reason: "session has expired"}
	}
	if newClientID != "" && newClientID != s.ClientID {
		delete(m.byClient, s.ClientID)
		s.ClientID = newClientID
		m.byClient[newClientID] = s.ID
	}
	s.State = model.SessionActive
	s.LastActivity = time.Now()
	return s, nil
}

// TerminateSession unconditionally removes a session, releasing its
// locks via the Coordinator-facing LockReleaser and firing the
// termination callback, per invariant (d).
func (m *Manager) TerminateSession(id, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	delete(m.byClient, s.ClientID)
	m.removeFromUserIndexLocked(s.UserID, id)
	for doc := range s.Documents {
		delete(m.byDocument[doc], id)
	}
	m.mu.Unlock()

	if m.locks != nil {
		m.locks.ReleaseSessionLocks(id)
	}
	s.State = model.SessionTerminated
	m.metrics.IncrementCounterWithLabels("collab.session.terminated", 1, map[string]string{"reason": reason})
	if m.onSessionTerminated != nil {
		m.onSessionTerminated(s, reason)
	}
	return true
}

func (m *Manager) removeFromUserIndexLocked(userID, sessionID string) {
	ids := m.byUser[userID]
	for i, id := range ids {
		if id == sessionID {
			m.byUser[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// TerminateUserSessions terminates every live session for a user.
func (m *Manager) TerminateUserSessions(userID, reason string) int {
	m.mu.Lock()
	ids := append([]string(nil), m.byUser[userID]...)
	m.mu.Unlock()
	count := 0
	for _, id := range ids {
		if m.TerminateSession(id, reason) {
			count++
		}
	}
	return count
}

// SaveSessionData stores a (session, doc, key) -> value entry, used for
// cursor position and other transient per-document client state.
func (m *Manager) SaveSessionData(sessionID, documentID, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return &rterrors.NotFoundError{Kind: "session", ID: sessionID}
	}
	if s.SessionData[documentID] == nil {
		s.SessionData[documentID] = make(map[string]map[string]interface{})
	}
	if s.SessionData[documentID][key] == nil {
		s.SessionData[documentID][key] = make(map[string]interface{})
	}
	s.SessionData[documentID][key]["value"] = value
	return nil
}

// GetSessionData retrieves a previously saved (session, doc, key) value.
func (m *Manager) GetSessionData(sessionID, documentID, key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	entry, ok := s.SessionData[documentID][key]
	if !ok {
		return nil, false
	}
	v, ok := entry["value"]
	return v, ok
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	for _, s := range m.sessions {
		if s.State == model.SessionActive && s.LastActivity.Before(cutoff) {
			s.State = model.SessionIdle
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	var expired []string
	now := time.Now()
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		m.TerminateSession(id, "expired")
	}
}

// Stop halts the idle/expiry sweeper.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
