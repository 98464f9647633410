// Package conflict implements C6 from the collaboration runtime spec: a
// registry of detection predicates plus pluggable resolution handlers for
// the conflicts they raise. Grounded on
// agent-api/app/collaboration/conflict.py (ConflictDetector,
// ConflictResolver, the resolution strategy dispatch table).
package conflict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Config holds ConflictManager (C6) tunables, per spec.md §6.
type Config struct {
	MaxConflictsPerDocument int
	ResolutionTimeout       time.Duration
	DefaultStrategy         model.ResolutionStrategy
	RetentionPeriod         time.Duration
	// ConcurrentEditThreshold is the max timestamp gap between two
	// operations still considered concurrent, per spec.md §4.6's
	// threshold_ms=1000 default.
	ConcurrentEditThreshold time.Duration
}

// DefaultConfig mirrors conflict.py's ConflictConfig defaults.
func DefaultConfig() Config {
	return Config{
		MaxConflictsPerDocument: 500,
		ResolutionTimeout:       10 * time.Second,
		DefaultStrategy:         model.StrategyMerge,
		RetentionPeriod:         7 * 24 * time.Hour,
		ConcurrentEditThreshold: time.Second,
	}
}

// Handler resolves a detected Conflict and returns the chosen winning
// operation (or a synthesized merge result) as a generic payload.
type Handler func(ctx context.Context, c *model.Conflict) (map[string]interface{}, error)

// Manager is the ConflictManager (C6) implementation.
type Manager struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.Mutex
	conflicts map[string]*model.Conflict
	byDocument *lru.Cache[string, []string] // document_id -> ordered conflict IDs, capacity-bounded

	handlers map[model.ResolutionStrategy]Handler

	onConflictDetected func(*model.Conflict)
	onConflictResolved func(*model.Conflict)
}

// NewManager constructs a ConflictManager with the built-in resolution
// handlers registered (LAST_WRITER_WINS, FIRST_WRITER_WINS, MERGE, REJECT).
// MANUAL and CUSTOM are reached only through ManualResolve or a caller-
// registered handler, mirroring conflict.py's dispatch table.
func NewManager(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	cache, _ := lru.New[string, []string](4096)
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		conflicts:  make(map[string]*model.Conflict),
		byDocument: cache,
		handlers:   make(map[model.ResolutionStrategy]Handler),
	}
	m.handlers[model.StrategyLastWriterWins] = m.resolveLastWriterWins
	m.handlers[model.StrategyFirstWriterWins] = m.resolveFirstWriterWins
	m.handlers[model.StrategyMerge] = m.resolveMerge
	m.handlers[model.StrategyReject] = m.resolveReject
	return m
}

// SetObservers wires the on_conflict_* callbacks from spec.md §6.
func (m *Manager) SetObservers(onDetected, onResolved func(*model.Conflict)) {
	m.onConflictDetected = onDetected
	m.onConflictResolved = onResolved
}

// RegisterHandler installs or overrides a resolution handler, used for
// CUSTOM strategies supplied by the embedding application.
func (m *Manager) RegisterHandler(strategy model.ResolutionStrategy, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[strategy] = h
}

// conflictID computes the content-addressed ID from spec.md §4.6:
// "conflict_" + SHA-256(document_id + sorted operation IDs)[:12].
func conflictID(documentID string, ops []model.ConflictingOperation) string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(documentID))
	for _, id := range ids {
		h.Write([]byte(id))
	}
	digest := hex.EncodeToString(h.Sum(nil))
	return "conflict_" + digest[:12]
}

func severityFor(t model.ConflictType) model.ConflictSeverity {
	switch t {
	case model.ConflictDeleteUpdate, model.ConflictStructureChange, model.ConflictVersionMismatch:
		return model.SeverityHigh
	case model.ConflictConcurrentEdit, model.ConflictLockViolation:
		return model.SeverityMedium
	case model.ConflictPermissionChg:
		return model.SeverityCritical
	default:
		return model.SeverityLow
	}
}

func (m *Manager) record(documentID string, t model.ConflictType, ops []model.ConflictingOperation) *model.Conflict {
	id := conflictID(documentID, ops)

	m.mu.Lock()
	if existing, ok := m.conflicts[id]; ok {
		m.mu.Unlock()
		return existing
	}
	c := &model.Conflict{
		ID:         id,
		DocumentID: documentID,
		Type:       t,
		Severity:   severityFor(t),
		State:      model.ConflictDetected,
		Operations: ops,
		DetectedAt: time.Now(),
	}
	m.conflicts[id] = c
	ids, _ := m.byDocument.Get(documentID)
	ids = append(ids, id)
	if len(ids) > m.cfg.MaxConflictsPerDocument {
		evicted := ids[0]
		ids = ids[1:]
		delete(m.conflicts, evicted)
	}
	m.byDocument.Add(documentID, ids)
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("collab.conflict.detected", 1, map[string]string{"type": string(t)})
	if m.onConflictDetected != nil {
		m.onConflictDetected(c)
	}
	return c
}

// DetectConcurrentEdit raises a CONCURRENT_EDIT conflict for the pairwise
// primitive from spec.md §4.6: fires only when the two operations'
// timestamps are within ConcurrentEditThreshold of each other, they share
// the same base version, and their affected ranges overlap. Only the
// first two entries of ops are compared; the slice form exists so the
// resulting Conflict.Operations records every operation the caller
// considers part of the same edit window.
func (m *Manager) DetectConcurrentEdit(documentID string, ops []model.ConflictingOperation) *model.Conflict {
	if len(ops) < 2 {
		return nil
	}
	op1, op2 := ops[0], ops[1]

	gap := op1.Timestamp.Sub(op2.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	threshold := m.cfg.ConcurrentEditThreshold
	if threshold <= 0 {
		threshold = time.Second
	}
	if gap > threshold {
		return nil
	}
	if op1.Version != op2.Version {
		return nil
	}
	if !rangesOverlap(op1, op2) {
		return nil
	}
	return m.record(documentID, model.ConflictConcurrentEdit, ops)
}

// DetectVersionMismatch raises a VERSION_MISMATCH conflict when an
// operation's declared base version does not equal the document's
// current version.
func (m *Manager) DetectVersionMismatch(documentID string, op model.ConflictingOperation, currentVersion int64) *model.Conflict {
	if op.Version == currentVersion {
		return nil
	}
	return m.record(documentID, model.ConflictVersionMismatch, []model.ConflictingOperation{op})
}

// DetectDeleteUpdate raises a DELETE_UPDATE conflict per spec.md §4.6:
// fires only when deleteOp is a "delete" operation, updateOp is one of
// insert/replace/retain, and their affected ranges overlap.
func (m *Manager) DetectDeleteUpdate(documentID string, deleteOp, updateOp model.ConflictingOperation) *model.Conflict {
	delType, ok := operationType(deleteOp)
	if !ok || delType != "delete" {
		return nil
	}
	updType, ok := operationType(updateOp)
	if !ok {
		return nil
	}
	switch updType {
	case "insert", "replace", "retain":
	default:
		return nil
	}
	if !rangesOverlap(deleteOp, updateOp) {
		return nil
	}
	return m.record(documentID, model.ConflictDeleteUpdate, []model.ConflictingOperation{deleteOp, updateOp})
}

// operationType reads the "type" key from an operation's opaque payload.
func operationType(op model.ConflictingOperation) (string, bool) {
	if op.Operation == nil {
		return "", false
	}
	t, ok := op.Operation["type"].(string)
	return t, ok
}

// operationRange derives the half-open byte range [start, end) an
// operation affects from its opaque payload, per spec.md §4.6's
// "position"/"pos" and "length"/"count"/"len(text)" fields. ok is false
// when the payload carries no position information.
func operationRange(op model.ConflictingOperation) (start, end int, ok bool) {
	if op.Operation == nil {
		return 0, 0, false
	}
	pos, posOK := intField(op.Operation, "position", "pos")
	if !posOK {
		return 0, 0, false
	}
	length, lenOK := intField(op.Operation, "length", "count")
	if !lenOK {
		if text, ok := op.Operation["text"].(string); ok {
			length = len(text)
		}
	}
	if length < 0 {
		length = 0
	}
	return pos, pos + length, true
}

func intField(m map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

// rangesOverlap reports whether two operations' affected ranges
// intersect. When either operation's payload carries no position data,
// overlap cannot be ruled out, so the pair is treated as overlapping.
func rangesOverlap(op1, op2 model.ConflictingOperation) bool {
	s1, e1, ok1 := operationRange(op1)
	s2, e2, ok2 := operationRange(op2)
	if !ok1 || !ok2 {
		return true
	}
	return s1 < e2 && s2 < e1
}

// Resolve drives a detected Conflict through RESOLVING to RESOLVED/FAILED
// using the handler registered for strategy, bounded by ResolutionTimeout.
func (m *Manager) Resolve(ctx context.Context, conflictID string, strategy model.ResolutionStrategy, resolverID string) (*model.Conflict, error) {
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return nil, &rterrors.NotFoundError{Kind: "conflict", ID: conflictID}
	}
	if c.State == model.ConflictResolved {
		m.mu.Unlock()
		return c, nil
	}
	handler, ok := m.handlers[strategy]
	c.State = model.ConflictResolving
	c.ResolutionStrategy = strategy
	m.mu.Unlock()

	if !ok {
		m.failLocked(c)
		return nil, fmt.Errorf("no resolution handler registered for strategy %s", strategy)
	}

	resCtx, cancel := context.WithTimeout(ctx, m.cfg.ResolutionTimeout)
	defer cancel()

	type handlerOutcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan handlerOutcome, 1)
	go func() {
		result, err := handler(resCtx, c)
		done <- handlerOutcome{result, err}
	}()

	var result map[string]interface{}
	select {
	case <-resCtx.Done():
		m.failLocked(c)
		return nil, &rterrors.TimeoutError{Operation: "conflict_resolution"}
	case outcome := <-done:
		if outcome.err != nil {
			m.failLocked(c)
			return nil, outcome.err
		}
		result = outcome.result
	}

	m.mu.Lock()
	now := time.Now()
	c.State = model.ConflictResolved
	c.ResolvedAt = &now
	c.ResolverID = resolverID
	c.ResolutionResult = result
	m.mu.Unlock()

	m.metrics.IncrementCounterWithLabels("collab.conflict.resolved", 1, map[string]string{"strategy": string(strategy)})
	if m.onConflictResolved != nil {
		m.onConflictResolved(c)
	}
	return c, nil
}

func (m *Manager) failLocked(c *model.Conflict) {
	m.mu.Lock()
	c.State = model.ConflictFailed
	m.mu.Unlock()
	m.metrics.IncrementCounterWithLabels("collab.conflict.failed", 1, nil)
}

// ManualResolve bypasses the handler registry entirely: an operator
// supplies the resolution result directly. Supplemented from
// conflict.py's manual-override path (no handler dispatch, no timeout).
func (m *Manager) ManualResolve(conflictID, resolverID string, result map[string]interface{}) (*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return nil, &rterrors.NotFoundError{Kind: "conflict", ID: conflictID}
	}
	now := time.Now()
	c.State = model.ConflictResolved
	c.ResolutionStrategy = model.StrategyManual
	c.ResolvedAt = &now
	c.ResolverID = resolverID
	c.ResolutionResult = result
	if m.onConflictResolved != nil {
		defer m.onConflictResolved(c)
	}
	return c, nil
}

func (m *Manager) resolveLastWriterWins(_ context.Context, c *model.Conflict) (map[string]interface{}, error) {
	winner := c.Operations[0]
	for _, op := range c.Operations[1:] {
		if op.Timestamp.After(winner.Timestamp) {
			winner = op
		}
	}
	return map[string]interface{}{"winner_operation_id": winner.ID, "operation": winner.Operation}, nil
}

func (m *Manager) resolveFirstWriterWins(_ context.Context, c *model.Conflict) (map[string]interface{}, error) {
	winner := c.Operations[0]
	for _, op := range c.Operations[1:] {
		if op.Timestamp.Before(winner.Timestamp) {
			winner = op
		}
	}
	return map[string]interface{}{"winner_operation_id": winner.ID, "operation": winner.Operation}, nil
}

// resolveMerge is the default MERGE handler from spec.md §9's Open
// Question: wraps all operations as sequential entries rather than
// attempting semantic content merging, since no merge algorithm is
// specified and guessing one was explicitly disallowed.
func (m *Manager) resolveMerge(_ context.Context, c *model.Conflict) (map[string]interface{}, error) {
	wrapped := make([]map[string]interface{}, len(c.Operations))
	for i, op := range c.Operations {
		wrapped[i] = map[string]interface{}{
			"operation_id": op.ID,
			"operation":    op.Operation,
			"timestamp":    op.Timestamp,
		}
	}
	return map[string]interface{}{"merged_operations": wrapped}, nil
}

func (m *Manager) resolveReject(_ context.Context, c *model.Conflict) (map[string]interface{}, error) {
	return map[string]interface{}{"rejected_operation_ids": operationIDs(c.Operations)}, nil
}

func operationIDs(ops []model.ConflictingOperation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

// DefaultStrategyOf returns the configured default resolution strategy,
// used by the Coordinator to auto-resolve VERSION_MISMATCH conflicts.
func (m *Manager) DefaultStrategyOf() model.ResolutionStrategy {
	return m.cfg.DefaultStrategy
}

// GetConflict looks up a conflict by ID.
func (m *Manager) GetConflict(id string) (*model.Conflict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	return c, ok
}

// GetDocumentConflicts lists conflicts recorded for a document, oldest first.
func (m *Manager) GetDocumentConflicts(documentID string) []*model.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, _ := m.byDocument.Get(documentID)
	out := make([]*model.Conflict, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.conflicts[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// CleanupOldConflicts removes conflicts whose ResolvedAt is older than
// RetentionPeriod, per spec.md §4.6. Only RESOLVED conflicts carry a
// ResolvedAt, so FAILED conflicts are not removed.
func (m *Manager) CleanupOldConflicts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.cfg.RetentionPeriod)
	removed := 0
	for id, c := range m.conflicts {
		if c.State != model.ConflictResolved && c.State != model.ConflictFailed {
			continue
		}
		if c.ResolvedAt != nil && c.ResolvedAt.Before(cutoff) {
			delete(m.conflicts, id)
			removed++
		}
	}
	return removed
}
