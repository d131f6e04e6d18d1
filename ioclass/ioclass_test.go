package ioclass

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/importer"
	"github.com/radiocosmology/alpenhornd/index"
)

var testClassDefaults = config.ClassDefaults{VerifyOnPull: true, ConcurrentPulls: 2}

func TestDefaultCheckInitWritesMarker(t *testing.T) {
	dir := t.TempDir()
	store := index.NewMemory(1)
	node := fs.Node{Name: "n1", Root: dir, IOClass: "default"}
	d := NewDefault(store, node, importer.NewEngine(store, nil), "host-a", testClassDefaults)

	status, err := d.CheckInit(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, fs.NotInitialised, status)

	status, err = d.CheckInit(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, fs.Initialised, status)
}

func TestDefaultCheckDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025", "f.dat"), []byte("hello world"), 0o644))

	store := index.NewMemory(1)
	node := fs.Node{Name: "n1", Root: dir}
	d := NewDefault(store, node, importer.NewEngine(store, nil), "host-a", testClassDefaults)

	f := fs.File{ID: 1, Acq: "2025", Name: "f.dat", SizeB: int64(len("hello world")), MD5Sum: "5eb63bbbe01eeed093cb22bb8f5acdc3"}
	state, err := d.Check(context.Background(), node, f)
	require.NoError(t, err)
	require.Equal(t, fs.Healthy, state)

	f.MD5Sum = "deadbeefdeadbeefdeadbeefdeadbeef"
	state, err = d.Check(context.Background(), node, f)
	require.NoError(t, err)
	require.Equal(t, fs.Corrupt, state)
}

func TestDeleteRefusesBelowTwoArchiveCopies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	path := filepath.Join(dir, "2025", "f.dat")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	store := index.NewMemory(1)
	node := fs.Node{Name: "n1", Root: dir, StorageType: fs.StorageArchive}
	store.PutNode(node)
	d := NewDefault(store, node, importer.NewEngine(store, nil), "host-a", testClassDefaults)

	f := fs.File{ID: 7, Acq: "2025", Name: "f.dat", SizeB: 4}
	require.NoError(t, store.SetCopyState(context.Background(), f.ID, "n1", fs.Healthy, 4))

	require.NoError(t, d.Delete(context.Background(), node, f))

	_, err := os.Stat(path)
	require.NoError(t, err, "file must survive when fewer than two other archive copies exist")
}

func TestDeleteProceedsWithTwoOtherArchiveCopies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	path := filepath.Join(dir, "2025", "f.dat")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	store := index.NewMemory(1)
	node := fs.Node{Name: "n1", Root: dir, StorageType: fs.StorageArchive}
	store.PutNode(node)
	store.PutNode(fs.Node{Name: "n2", StorageType: fs.StorageArchive})
	store.PutNode(fs.Node{Name: "n3", StorageType: fs.StorageArchive})
	d := NewDefault(store, node, importer.NewEngine(store, nil), "host-a", testClassDefaults)

	f := fs.File{ID: 8, Acq: "2025", Name: "f.dat", SizeB: 4}
	ctx := context.Background()
	require.NoError(t, store.SetCopyState(ctx, f.ID, "n1", fs.Healthy, 4))
	require.NoError(t, store.SetCopyState(ctx, f.ID, "n2", fs.Healthy, 4))
	require.NoError(t, store.SetCopyState(ctx, f.ID, "n3", fs.Healthy, 4))

	require.NoError(t, d.Delete(ctx, node, f))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	copy, ok := store.CopyState(f.ID, "n1")
	require.True(t, ok)
	require.Equal(t, fs.Removed, copy.State)
}

func TestRegistryRejectsUnknownClass(t *testing.T) {
	r := NewRegistry()
	store := index.NewMemory(1)
	_, err := r.NewNodeIO(store, fs.Node{IOClass: "nonexistent"}, importer.NewEngine(store, nil), "host-a", testClassDefaults)
	require.Error(t, err)
}

func TestRegistryBuildsDefault(t *testing.T) {
	r := NewRegistry()
	store := index.NewMemory(1)
	nio, err := r.NewNodeIO(store, fs.Node{IOClass: "default", Root: t.TempDir()}, importer.NewEngine(store, nil), "host-a", testClassDefaults)
	require.NoError(t, err)
	require.NotNil(t, nio)

	gio, err := r.NewGroupIO("default", store, fs.Node{Root: t.TempDir()}, importer.NewEngine(store, nil), "host-a", testClassDefaults)
	require.NoError(t, err)
	require.True(t, gio.Idle())
}
