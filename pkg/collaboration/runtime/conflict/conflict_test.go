package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
)

func TestDetectConcurrentEdit_LastWriterWins(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()

	earlier := model.ConflictingOperation{ID: "op-1", UserID: "alice", Version: 5, Timestamp: time.Now()}
	later := model.ConflictingOperation{ID: "op-2", UserID: "bob", Version: 5, Timestamp: time.Now().Add(time.Second)}

	c := mgr.DetectConcurrentEdit("doc-1", []model.ConflictingOperation{earlier, later})
	require.NotNil(t, c)
	require.Equal(t, model.ConflictDetected, c.State)

	resolved, err := mgr.Resolve(ctx, c.ID, model.StrategyLastWriterWins, "system")
	require.NoError(t, err)
	require.Equal(t, model.ConflictResolved, resolved.State)
	require.Equal(t, "op-2", resolved.ResolutionResult["winner_operation_id"])
}

func TestDetectConcurrentEdit_DedupesByContentAddress(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	ops := []model.ConflictingOperation{
		{ID: "op-1", Timestamp: time.Now()},
		{ID: "op-2", Timestamp: time.Now()},
	}
	c1 := mgr.DetectConcurrentEdit("doc-1", ops)
	c2 := mgr.DetectConcurrentEdit("doc-1", ops)
	require.Equal(t, c1.ID, c2.ID)
	require.Len(t, mgr.GetDocumentConflicts("doc-1"), 1)
}

func TestResolveMerge_WrapsAllOperations(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	ctx := context.Background()
	ops := []model.ConflictingOperation{
		{ID: "op-1", Timestamp: time.Now()},
		{ID: "op-2", Timestamp: time.Now()},
	}
	c := mgr.DetectConcurrentEdit("doc-1", ops)
	resolved, err := mgr.Resolve(ctx, c.ID, model.StrategyMerge, "system")
	require.NoError(t, err)
	merged, ok := resolved.ResolutionResult["merged_operations"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, merged, 2)
}

func TestManualResolve_BypassesHandlerRegistry(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	ops := []model.ConflictingOperation{{ID: "op-1", Timestamp: time.Now()}, {ID: "op-2", Timestamp: time.Now()}}
	c := mgr.DetectConcurrentEdit("doc-1", ops)

	resolved, err := mgr.ManualResolve(c.ID, "operator-1", map[string]interface{}{"decision": "kept op-1"})
	require.NoError(t, err)
	require.Equal(t, model.ConflictResolved, resolved.State)
	require.Equal(t, model.StrategyManual, resolved.ResolutionStrategy)
}

func TestDetectVersionMismatch_NoConflictWhenVersionsMatch(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	op := model.ConflictingOperation{ID: "op-1", Version: 3}
	require.Nil(t, mgr.DetectVersionMismatch("doc-1", op, 3))
	require.NotNil(t, mgr.DetectVersionMismatch("doc-1", op, 4))
}

func TestSeverityMapping_ConcurrentEditMediumVersionMismatchHigh(t *testing.T) {
	require.Equal(t, model.SeverityMedium, severityFor(model.ConflictConcurrentEdit))
	require.Equal(t, model.SeverityHigh, severityFor(model.ConflictVersionMismatch))
}

func TestDetectConcurrentEdit_NoConflictWhenVersionsDiffer(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	now := time.Now()
	op1 := model.ConflictingOperation{ID: "op-1", Version: 1, Timestamp: now,
		Operation: map[string]interface{}{"position": 0, "length": 5}}
	op2 := model.ConflictingOperation{ID: "op-2", Version: 2, Timestamp: now,
		Operation: map[string]interface{}{"position": 2, "length": 5}}
	require.Nil(t, mgr.DetectConcurrentEdit("doc-1", []model.ConflictingOperation{op1, op2}))
}

func TestDetectConcurrentEdit_NoConflictWhenTimestampsFarApart(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	op1 := model.ConflictingOperation{ID: "op-1", Version: 1, Timestamp: time.Now(),
		Operation: map[string]interface{}{"position": 0, "length": 5}}
	op2 := model.ConflictingOperation{ID: "op-2", Version: 1, Timestamp: op1.Timestamp.Add(5 * time.Second),
		Operation: map[string]interface{}{"position": 2, "length": 5}}
	require.Nil(t, mgr.DetectConcurrentEdit("doc-1", []model.ConflictingOperation{op1, op2}))
}

func TestDetectConcurrentEdit_NoConflictWhenRangesDontOverlap(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	now := time.Now()
	op1 := model.ConflictingOperation{ID: "op-1", Version: 1, Timestamp: now,
		Operation: map[string]interface{}{"position": 0, "length": 5}}
	op2 := model.ConflictingOperation{ID: "op-2", Version: 1, Timestamp: now,
		Operation: map[string]interface{}{"position": 100, "length": 5}}
	require.Nil(t, mgr.DetectConcurrentEdit("doc-1", []model.ConflictingOperation{op1, op2}))
}

func TestDetectConcurrentEdit_ConflictsWhenRangesOverlap(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	now := time.Now()
	op1 := model.ConflictingOperation{ID: "op-1", Version: 1, Timestamp: now,
		Operation: map[string]interface{}{"position": 0, "length": 10}}
	op2 := model.ConflictingOperation{ID: "op-2", Version: 1, Timestamp: now,
		Operation: map[string]interface{}{"position": 5, "length": 5}}
	c := mgr.DetectConcurrentEdit("doc-1", []model.ConflictingOperation{op1, op2})
	require.NotNil(t, c)
	require.Equal(t, model.SeverityMedium, c.Severity)
}

func TestDetectDeleteUpdate_RequiresDeleteAndUpdateTypesAndOverlap(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, nil)
	del := model.ConflictingOperation{ID: "op-1",
		Operation: map[string]interface{}{"type": "delete", "position": 0, "length": 10}}
	insertOverlap := model.ConflictingOperation{ID: "op-2",
		Operation: map[string]interface{}{"type": "insert", "position": 5, "length": 1}}
	insertNoOverlap := model.ConflictingOperation{ID: "op-3",
		Operation: map[string]interface{}{"type": "insert", "position": 50, "length": 1}}
	notUpdate := model.ConflictingOperation{ID: "op-4",
		Operation: map[string]interface{}{"type": "delete", "position": 5, "length": 1}}

	require.NotNil(t, mgr.DetectDeleteUpdate("doc-1", del, insertOverlap))
	require.Nil(t, mgr.DetectDeleteUpdate("doc-2", del, insertNoOverlap))
	require.Nil(t, mgr.DetectDeleteUpdate("doc-3", del, notUpdate))
}

func TestResolve_HandlerPastDeadlineTransitionsToFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolutionTimeout = 10 * time.Millisecond
	mgr := NewManager(cfg, nil, nil)
	mgr.RegisterHandler(model.StrategyCustom, func(ctx context.Context, c *model.Conflict) (map[string]interface{}, error) {
		<-ctx.Done()
		<-time.After(50 * time.Millisecond)
		return map[string]interface{}{"ignored": true}, nil
	})

	ops := []model.ConflictingOperation{{ID: "op-1", Timestamp: time.Now()}, {ID: "op-2", Timestamp: time.Now()}}
	c := mgr.DetectConcurrentEdit("doc-1", ops)
	require.NotNil(t, c)

	_, err := mgr.Resolve(context.Background(), c.ID, model.StrategyCustom, "system")
	require.Error(t, err)

	failed, ok := mgr.GetConflict(c.ID)
	require.True(t, ok)
	require.Equal(t, model.ConflictFailed, failed.State)
}
