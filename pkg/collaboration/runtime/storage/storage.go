// Package storage implements C1 from the collaboration runtime spec: a
// byte-level persistence contract with checksum, compression, and
// pluggable primary/secondary backends. Grounded on
// agent-api/app/collaboration/storage.py (StorageBackend, InMemoryStorage,
// FileStorage, StorageManager) and on the teacher's service-layer
// conventions (pkg/services/document_lock_service.go) for observability
// wiring.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/model"
	"github.com/S-Corkum/devops-mcp/pkg/collaboration/runtime/rterrors"
	"github.com/S-Corkum/devops-mcp/pkg/observability"
)

// Config holds Storage (C1) tunables, per spec.md §6.
type Config struct {
	MaxDocumentSize      int64
	MaxTotalSize         int64
	CompressionEnabled    bool
	CompressionThreshold int64
	ChecksumEnabled       bool
	AutoCleanup           bool
	CleanupInterval       time.Duration
	MaxAge                time.Duration
}

// DefaultConfig mirrors StorageConfig's defaults in storage.py.
func DefaultConfig() Config {
	return Config{
		MaxDocumentSize:      10 * 1024 * 1024,
		MaxTotalSize:         1024 * 1024 * 1024,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		ChecksumEnabled:      true,
		AutoCleanup:          false,
		CleanupInterval:      time.Hour,
	}
}

// Stats reports StorageManager activity counters.
type Stats struct {
	Reads        int64
	Writes       int64
	Deletes      int64
	FallbackReads int64
	Errors       int64
}

// Backend is the contract every storage implementation satisfies.
type Backend interface {
	Save(ctx context.Context, id string, content []byte, version int64, custom map[string]interface{}) (*model.StorageMetadata, error)
	Load(ctx context.Context, id string) ([]byte, *model.StorageMetadata, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	GetMetadata(ctx context.Context, id string) (*model.StorageMetadata, error)
	// Cleanup removes entries older than maxAge; backends without a
	// notion of age-based cleanup return (0, nil).
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

type record struct {
	stored    []byte // bytes as persisted (possibly compressed)
	checksum  string
	metadata  model.StorageMetadata
}

// InMemoryStorage is a process-local Backend, grounded on
// storage.py's InMemoryStorage.
type InMemoryStorage struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.RWMutex
	documents map[string]*record
	totalSize int64
}

// NewInMemoryStorage constructs an InMemoryStorage backend.
func NewInMemoryStorage(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *InMemoryStorage {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &InMemoryStorage{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		documents: make(map[string]*record),
	}
}

func compress(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(content []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Save persists content under id, per spec.md §4.1 Behaviours (a)-(d).
func (s *InMemoryStorage) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]interface{}) (*model.StorageMetadata, error) {
	if int64(len(content)) > s.cfg.MaxDocumentSize {
		return nil, &rterrors.CapacityExceededError{Resource: "document_size", Limit: int(s.cfg.MaxDocumentSize)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, had := s.documents[id]
	var previousStoredSize int64
	if had {
		previousStoredSize = int64(len(existing.stored))
	}

	prospective := s.totalSize - previousStoredSize
	stored := content
	compressed := false
	if s.cfg.CompressionEnabled && int64(len(content)) > s.cfg.CompressionThreshold {
		c, err := compress(content)
		if err != nil {
			return nil, errors.Wrap(err, "compress content")
		}
		stored = c
		compressed = true
	}

	if prospective+int64(len(stored)) > s.cfg.MaxTotalSize {
		return nil, &rterrors.CapacityExceededError{Resource: "total_storage", Limit: int(s.cfg.MaxTotalSize)}
	}

	sum := ""
	if s.cfg.ChecksumEnabled {
		sum = checksum(stored)
	}

	now := time.Now()
	createdAt := now
	if had {
		createdAt = existing.metadata.CreatedAt
	}

	md := model.StorageMetadata{
		DocumentID:  id,
		Version:     version,
		ContentHash: sum,
		Size:        int64(len(content)),
		Compressed:  compressed,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
		Custom:      custom,
	}

	s.documents[id] = &record{stored: stored, checksum: sum, metadata: md}
	s.totalSize = prospective + int64(len(stored))

	s.metrics.IncrementCounterWithLabels("collab.storage.writes", 1, map[string]string{"backend": "memory"})
	return &md, nil
}

// Load retrieves content, verifying checksum if enabled.
func (s *InMemoryStorage) Load(ctx context.Context, id string) ([]byte, *model.StorageMetadata, error) {
	s.mu.RLock()
	rec, ok := s.documents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, &rterrors.NotFoundError{Kind: "document", ID: id}
	}

	if s.cfg.ChecksumEnabled && rec.checksum != "" {
		if checksum(rec.stored) != rec.checksum {
			return nil, nil, &rterrors.CorruptionError{DocumentID: id}
		}
	}

	content := rec.stored
	if rec.metadata.Compressed {
		d, err := decompress(rec.stored)
		if err != nil {
			return nil, nil, errors.Wrap(err, "decompress content")
		}
		content = d
	}

	mdCopy := rec.metadata
	s.metrics.IncrementCounterWithLabels("collab.storage.reads", 1, map[string]string{"backend": "memory"})
	return content, &mdCopy, nil
}

// Delete removes a document, returning whether it existed.
func (s *InMemoryStorage) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[id]
	if !ok {
		return false, nil
	}
	s.totalSize -= int64(len(rec.stored))
	delete(s.documents, id)
	return true, nil
}

// Exists reports whether id is present.
func (s *InMemoryStorage) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.documents[id]
	return ok, nil
}

// List returns ids matching prefix, in sorted order, capped at limit.
func (s *InMemoryStorage) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.documents {
		if prefix == "" || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetMetadata returns the current metadata for id without loading content.
func (s *InMemoryStorage) GetMetadata(ctx context.Context, id string) (*model.StorageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.documents[id]
	if !ok {
		return nil, &rterrors.NotFoundError{Kind: "document", ID: id}
	}
	mdCopy := rec.metadata
	return &mdCopy, nil
}

// Cleanup deletes documents whose UpdatedAt is older than maxAge.
func (s *InMemoryStorage) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.documents {
		if rec.metadata.UpdatedAt.Before(cutoff) {
			s.totalSize -= int64(len(rec.stored))
			delete(s.documents, id)
			removed++
		}
	}
	return removed, nil
}

// FileStorage is a disk-backed Backend, grounded on storage.py's
// FileStorage: each document is kept under a root directory as a content
// file plus a metadata sidecar file, with a safe (hex-encoded) filename.
type FileStorage struct {
	root    string
	cfg     Config
	logger  observability.Logger
	mu      sync.Mutex
}

// NewFileStorage constructs a FileStorage rooted at dir.
func NewFileStorage(dir string, cfg Config, logger observability.Logger) (*FileStorage, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage root")
	}
	return &FileStorage{root: dir, cfg: cfg, logger: logger}, nil
}

func (f *FileStorage) pathFor(id string) string {
	return filepath.Join(f.root, hex.EncodeToString([]byte(id))+".blob")
}

func (f *FileStorage) metaPathFor(id string) string {
	return filepath.Join(f.root, hex.EncodeToString([]byte(id))+".meta")
}

// Save writes content to disk.
func (f *FileStorage) Save(ctx context.Context, id string, content []byte, version int64, custom map[string]interface{}) (*model.StorageMetadata, error) {
	if int64(len(content)) > f.cfg.MaxDocumentSize {
		return nil, &rterrors.CapacityExceededError{Resource: "document_size", Limit: int(f.cfg.MaxDocumentSize)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	createdAt := time.Now()
	if existing, err := f.GetMetadata(ctx, id); err == nil {
		createdAt = existing.CreatedAt
	}

	if err := os.WriteFile(f.pathFor(id), content, 0o644); err != nil {
		return nil, errors.Wrap(err, "write document blob")
	}

	md := model.StorageMetadata{
		DocumentID:  id,
		Version:     version,
		ContentHash: checksum(content),
		Size:        int64(len(content)),
		CreatedAt:   createdAt,
		UpdatedAt:   time.Now(),
		Custom:      custom,
	}
	if err := writeMetaFile(f.metaPathFor(id), &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Load reads content from disk, verifying checksum if enabled.
func (f *FileStorage) Load(ctx context.Context, id string) ([]byte, *model.StorageMetadata, error) {
	content, err := os.ReadFile(f.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &rterrors.NotFoundError{Kind: "document", ID: id}
		}
		return nil, nil, errors.Wrap(err, "read document blob")
	}
	md, err := readMetaFile(f.metaPathFor(id))
	if err != nil {
		return nil, nil, err
	}
	if f.cfg.ChecksumEnabled && md.ContentHash != "" && checksum(content) != md.ContentHash {
		return nil, nil, &rterrors.CorruptionError{DocumentID: id}
	}
	return content, md, nil
}

// Delete removes the blob and its metadata sidecar.
func (f *FileStorage) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existed := false
	if _, err := os.Stat(f.pathFor(id)); err == nil {
		existed = true
	}
	_ = os.Remove(f.pathFor(id))
	_ = os.Remove(f.metaPathFor(id))
	return existed, nil
}

// Exists reports whether id's blob is present on disk.
func (f *FileStorage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(f.pathFor(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List scans the root directory for matching document ids.
func (f *FileStorage) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, errors.Wrap(err, "list storage root")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		hexID := strings.TrimSuffix(name, ".meta")
		raw, err := hex.DecodeString(hexID)
		if err != nil {
			continue
		}
		id := string(raw)
		if prefix == "" || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetMetadata reads just the metadata sidecar.
func (f *FileStorage) GetMetadata(ctx context.Context, id string) (*model.StorageMetadata, error) {
	md, err := readMetaFile(f.metaPathFor(id))
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, &rterrors.NotFoundError{Kind: "document", ID: id}
		}
		return nil, err
	}
	return md, nil
}

// Cleanup removes blobs older than maxAge.
func (f *FileStorage) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := f.List(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, id := range ids {
		md, err := f.GetMetadata(ctx, id)
		if err != nil {
			continue
		}
		if md.UpdatedAt.Before(cutoff) {
			if _, err := f.Delete(ctx, id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
