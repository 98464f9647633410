package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Manager composes a primary (authoritative) and an optional secondary
// (best-effort) Backend, per spec.md §4.1 "StorageManager wrapper". The
// secondary is called through a circuit breaker (github.com/sony/gobreaker,
// grounded on ServiceConfig.CircuitBreaker in
// pkg/services/base_service.go) so a flapping secondary does not add
// latency to every fallback read.
type Manager struct {
	primary   Backend
	secondary Backend
	breaker   *gobreaker.CircuitBreaker

	logger  observability.Logger
	metrics observability.MetricsClient

	reads, writes, deletes, fallbackReads, errs int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ManagerConfig configures a Manager's backends and retention sweeper. The
// circuit-breaker settings are fixed by the constructor.
type ManagerConfig struct {
	Primary         Backend
	Secondary       Backend
	CleanupInterval time.Duration
	MaxAge          time.Duration
	Logger          observability.Logger
	Metrics         observability.MetricsClient
}

// NewManager constructs a Manager and, if CleanupInterval > 0, starts the
// retention sweeper (spec.md §4.1 "Retention sweeper").
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	m := &Manager{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    logger,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "collab-storage-secondary",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
		}),
	}

	if cfg.CleanupInterval > 0 && cfg.MaxAge > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(cfg.CleanupInterval, cfg.MaxAge)
	}

	return m
}

// Save writes to the primary (authoritative) and, best-effort, the
// secondary.
func (m *Manager) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]interface{}) (*model.StorageMetadata, error) {
	md, err := m.primary.Save(ctx, id, content, version, custom)
	atomic.AddInt64(&m.writes, 1)
	if err != nil {
		atomic.AddInt64(&m.errs, 1)
		return nil, err
	}

	if m.secondary != nil {
		if _, sErr := m.breaker.Execute(func() (interface{}, error) {
			return m.secondary.Save(ctx, id, content, version, custom)
		}); sErr != nil {
			m.logger.Warn("secondary storage write failed", map[string]interface{}{
				"document_id": id,
				"error":       sErr.Error(),
			})
		}
	}

	m.metrics.IncrementCounterWithLabels("collab.storage.manager.writes", 1, nil)
	return md, nil
}

// Load reads from the primary; on NotFound or error it falls back to the
// secondary and repairs the primary on a secondary hit.
func (m *Manager) Load(ctx context.Context, id string) ([]byte, *model.StorageMetadata, error) {
	atomic.AddInt64(&m.reads, 1)

	content, md, err := m.primary.Load(ctx, id)
	if err == nil {
		return content, md, nil
	}

	if m.secondary == nil {
		atomic.AddInt64(&m.errs, 1)
		return nil, nil, err
	}

	res, sErr := m.breaker.Execute(func() (interface{}, error) {
		c, md, err := m.secondary.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		return [2]interface{}{c, md}, nil
	})
	if sErr != nil {
		atomic.AddInt64(&m.errs, 1)
		return nil, nil, err
	}

	pair := res.([2]interface{})
	content = pair[0].([]byte)
	md = pair[1].(*model.StorageMetadata)
	atomic.AddInt64(&m.fallbackReads, 1)

	// Repair primary by re-saving the content recovered from secondary.
	if _, repairErr := m.primary.Save(ctx, id, content, md.Version, md.Custom); repairErr != nil {
		m.logger.Warn("failed to repair primary after fallback read", map[string]interface{}{
			"document_id": id,
			"error":       repairErr.Error(),
		})
	}

	return content, md, nil
}

// Delete removes id from both backends.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	atomic.AddInt64(&m.deletes, 1)
	existed, err := m.primary.Delete(ctx, id)
	if m.secondary != nil {
		if _, sErr := m.secondary.Delete(ctx, id); sErr != nil {
			m.logger.Warn("secondary storage delete failed", map[string]interface{}{
				"document_id": id,
				"error":       sErr.Error(),
			})
		}
	}
	if err != nil {
		atomic.AddInt64(&m.errs, 1)
	}
	return existed, err
}

// Exists delegates to the primary.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	return m.primary.Exists(ctx, id)
}

// List delegates to the primary.
func (m *Manager) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return m.primary.List(ctx, prefix, limit)
}

// GetMetadata delegates to the primary.
func (m *Manager) GetMetadata(ctx context.Context, id string) (*model.StorageMetadata, error) {
	return m.primary.GetMetadata(ctx, id)
}

// GetStats returns the manager's activity counters (spec.md §4.1).
func (m *Manager) GetStats() Stats {
	return Stats{
		Reads:         atomic.LoadInt64(&m.reads),
		Writes:        atomic.LoadInt64(&m.writes),
		Deletes:       atomic.LoadInt64(&m.deletes),
		FallbackReads: atomic.LoadInt64(&m.fallbackReads),
		Errors:        atomic.LoadInt64(&m.errs),
	}
}

func (m *Manager) cleanupLoop(interval, maxAge time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n, err := m.primary.Cleanup(context.Background(), maxAge); err != nil {
				m.logger.Warn("storage cleanup failed", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				m.logger.Info("storage cleanup removed stale documents", map[string]interface{}{"count": n})
			}
		}
	}
}

// Stop halts the retention sweeper.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}
