package fsroot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	ok, err := r.CheckMarker("n1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.WriteMarker("n1"))

	ok, err = r.CheckMarker("n1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.CheckMarker("other")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashMatchesKnownContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello world"), 0o644))
	r := New(dir)
	sum, err := r.Hash("f.txt")
	require.NoError(t, err)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", sum)
}

func TestAtomicRenameAndRemoveEmptyParents(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	require.NoError(t, r.MkdirParents("staging/.tmp123"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staging", ".tmp123"), []byte("x"), 0o644))

	require.NoError(t, r.AtomicRename("staging/.tmp123", "2025/02/21/meta.txt"))

	exists, err := r.Exists("2025/02/21/meta.txt")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.RemoveFile("2025/02/21/meta.txt"))
	require.NoError(t, r.RemoveEmptyParentsUpToRoot("2025/02/21/meta.txt"))

	_, err = os.Stat(filepath.Join(dir, "2025"))
	require.True(t, os.IsNotExist(err), "empty parent directories should be pruned up to the root")

	// the root itself must survive
	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestAbsRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	_, err := r.abs("../../etc/passwd")
	require.Error(t, err)
}

func TestIsLockFile(t *testing.T) {
	name, ok := IsLockFile(".meta.txt.lock")
	require.True(t, ok)
	require.Equal(t, "meta.txt", name)

	_, ok = IsLockFile("meta.txt")
	require.False(t, ok)

	_, ok = IsLockFile(".meta.txt")
	require.False(t, ok)
}
