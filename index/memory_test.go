package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/fs"
)

func TestUpsertFileIdempotentAndMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)

	f1, err := m.UpsertFile(ctx, fs.File{Acq: "2025/02/21", Name: "meta.txt", SizeB: 52, MD5Sum: "abc"})
	require.NoError(t, err)
	require.NotZero(t, f1.ID)

	// Re-registering the identical file is a no-op, not a second row.
	f2, err := m.UpsertFile(ctx, fs.File{Acq: "2025/02/21", Name: "meta.txt", SizeB: 52, MD5Sum: "abc"})
	require.NoError(t, err)
	require.Equal(t, f1.ID, f2.ID)

	// A conflicting re-registration is refused, not silently applied.
	_, err = m.UpsertFile(ctx, fs.File{Acq: "2025/02/21", Name: "meta.txt", SizeB: 99, MD5Sum: "def"})
	require.Error(t, err)
	var mismatch *ErrFileMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestArchiveCopyCountExcludesRequestingNode(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)
	m.PutNode(fs.Node{Name: "archive1", StorageType: fs.StorageArchive, Active: true})
	m.PutNode(fs.Node{Name: "archive2", StorageType: fs.StorageArchive, Active: true})
	m.PutNode(fs.Node{Name: "field1", StorageType: fs.StorageField, Active: true})

	f, err := m.UpsertFile(ctx, fs.File{Acq: "a", Name: "f", SizeB: 1, MD5Sum: "x"})
	require.NoError(t, err)

	require.NoError(t, m.SetCopyState(ctx, f.ID, "archive1", fs.Healthy, 1))
	require.NoError(t, m.SetCopyState(ctx, f.ID, "archive2", fs.Healthy, 1))
	require.NoError(t, m.SetCopyState(ctx, f.ID, "field1", fs.Healthy, 1))

	count, err := m.ArchiveCopyCount(ctx, f.ID, "archive1")
	require.NoError(t, err)
	require.Equal(t, 1, count) // only archive2 counts; archive1 excluded, field1 not archive-type
}
