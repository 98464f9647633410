package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStorage_RoundTrip(t *testing.T) {
	s := NewInMemoryStorage(DefaultConfig(), nil, nil)
	ctx := context.Background()

	md, err := s.Save(ctx, "doc-1", []byte("hello world"), 1, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), md.Version)

	content, md2, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), content)
	require.Equal(t, md.CreatedAt, md2.CreatedAt)
}

func TestInMemoryStorage_CreatedAtPreservedAcrossOverwrite(t *testing.T) {
	s := NewInMemoryStorage(DefaultConfig(), nil, nil)
	ctx := context.Background()

	md1, err := s.Save(ctx, "doc-1", []byte("v1"), 1, nil)
	require.NoError(t, err)

	md2, err := s.Save(ctx, "doc-1", []byte("v2, longer content"), 2, nil)
	require.NoError(t, err)

	require.Equal(t, md1.CreatedAt, md2.CreatedAt)
	require.True(t, md2.UpdatedAt.Equal(md2.UpdatedAt))
}

func TestInMemoryStorage_CompressionAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 4
	s := NewInMemoryStorage(cfg, nil, nil)
	ctx := context.Background()

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}

	md, err := s.Save(ctx, "doc-1", big, 1, nil)
	require.NoError(t, err)
	require.True(t, md.Compressed)

	content, _, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, big, content)
}

func TestInMemoryStorage_CorruptionDetected(t *testing.T) {
	s := NewInMemoryStorage(DefaultConfig(), nil, nil)
	ctx := context.Background()

	_, err := s.Save(ctx, "doc-1", []byte("hello"), 1, nil)
	require.NoError(t, err)

	rec := s.documents["doc-1"]
	rec.stored = []byte("tampered")

	_, _, err = s.Load(ctx, "doc-1")
	require.Error(t, err)
}

func TestInMemoryStorage_MaxDocumentSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDocumentSize = 4
	s := NewInMemoryStorage(cfg, nil, nil)

	_, err := s.Save(context.Background(), "doc-1", []byte("too big"), 1, nil)
	require.Error(t, err)
}

func TestManager_FallbackReadRepairsPrimary(t *testing.T) {
	primary := NewInMemoryStorage(DefaultConfig(), nil, nil)
	secondary := NewInMemoryStorage(DefaultConfig(), nil, nil)
	ctx := context.Background()

	_, err := secondary.Save(ctx, "doc-1", []byte("from secondary"), 3, nil)
	require.NoError(t, err)

	mgr := NewManager(ManagerConfig{Primary: primary, Secondary: secondary})

	content, md, err := mgr.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("from secondary"), content)
	require.Equal(t, int64(3), md.Version)

	require.Equal(t, int64(1), mgr.GetStats().FallbackReads)

	// Primary should now have been repaired.
	repaired, _, err := primary.Load(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("from secondary"), repaired)
}

func TestManager_DeleteBothBackends(t *testing.T) {
	primary := NewInMemoryStorage(DefaultConfig(), nil, nil)
	secondary := NewInMemoryStorage(DefaultConfig(), nil, nil)
	ctx := context.Background()

	mgr := NewManager(ManagerConfig{Primary: primary, Secondary: secondary})
	_, err := mgr.Save(ctx, "doc-1", []byte("x"), 1, nil)
	require.NoError(t, err)

	existed, err := mgr.Delete(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, existed)

	existsPrimary, _ := primary.Exists(ctx, "doc-1")
	existsSecondary, _ := secondary.Exists(ctx, "doc-1")
	require.False(t, existsPrimary)
	require.False(t, existsSecondary)
}
