package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/muxhq/mux/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "mux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func testRecord(t *testing.T, project, name string) *Record {
	t.Helper()
	rec := &Record{
		ProjectPath: project,
		Name:        name,
		Branch:      name,
		TrunkBranch: "main",
		Path:        "/ws/" + name,
		Status:      StatusCreating,
	}
	cfg := runtime.Config{Kind: runtime.KindLocal, SrcBaseDir: "~/.mux/src"}
	require.NoError(t, rec.SetRuntime(cfg))
	return rec
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "/repo/proj", "feature-x")
	require.NoError(t, s.Create(ctx, rec))
	require.NotEmpty(t, rec.ID, "Create must assign an ID")
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", got.Name)
	assert.Equal(t, "/repo/proj", got.ProjectPath)
	assert.Equal(t, StatusCreating, got.Status)

	cfg, err := got.Runtime()
	require.NoError(t, err)
	assert.Equal(t, runtime.KindLocal, cfg.Kind)
	assert.Equal(t, "~/.mux/src", cfg.SrcBaseDir)
}

func TestStore_GetByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "/repo/proj", "feature-x")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.GetByName(ctx, "/repo/proj", "feature-x")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = s.GetByName(ctx, "/repo/other", "feature-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DuplicateNameRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testRecord(t, "/repo/proj", "feature-x")))
	assert.Error(t, s.Create(ctx, testRecord(t, "/repo/proj", "feature-x")),
		"duplicate (project, name) must be rejected")

	// The same name under a different project is fine.
	assert.NoError(t, s.Create(ctx, testRecord(t, "/repo/other", "feature-x")))
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		rec := testRecord(t, "/repo/proj", name)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, rec))
	}
	require.NoError(t, s.Create(ctx, testRecord(t, "/repo/other", "d")))

	recs, err := s.List(ctx, "/repo/proj")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, "c", recs[0].Name)
	assert.Equal(t, "a", recs[2].Name)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_UpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "/repo/proj", "feature-x")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, StatusReady))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", StatusReady), ErrNotFound)
}

func TestStore_Rename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "/repo/proj", "feature-x")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Rename(ctx, rec.ID, "feature-y", "/ws/feature-y"))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature-y", got.Name)
	assert.Equal(t, "/ws/feature-y", got.Path)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "/repo/proj", "feature-x")
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.ID))

	_, err := s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, rec.ID), ErrNotFound)
}
