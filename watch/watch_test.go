package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/worker"
)

func TestCatchUpFindsPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025/02/21"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025/02/21/meta.txt"), []byte("x"), 0o644))

	var mu sync.Mutex
	var imported []string
	pool := worker.NewPool(2)
	defer pool.Stop(time.Second)

	w := NewWatcher("n1", fsroot.New(dir), pool, func(node, rel string) {
		mu.Lock()
		imported = append(imported, rel)
		mu.Unlock()
	}, nil)

	w.catchUp()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, imported, "2025/02/21/meta.txt")
}

func TestCatchUpSkipsHiddenAndLockFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".meta.txt.lock"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.txt"), []byte("x"), 0o644))

	var imported []string
	pool := worker.NewPool(1)
	defer pool.Stop(time.Second)

	w := NewWatcher("n1", fsroot.New(dir), pool, func(node, rel string) {
		imported = append(imported, rel)
	}, nil)

	w.catchUp()
	require.Equal(t, []string{"meta.txt"}, imported)
}

func TestLockFileSuppressesImportUntilRemoved(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var imported []string
	pool := worker.NewPool(1)
	defer pool.Stop(time.Second)

	w := NewWatcher("n1", fsroot.New(dir), pool, func(node, rel string) {
		mu.Lock()
		imported = append(imported, rel)
		mu.Unlock()
	}, nil)
	w.Interval = 20 * time.Millisecond
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".meta.txt.lock"), []byte(""), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.txt"), []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	require.NotContains(t, imported, "meta.txt", "import must stay suppressed while the lock file exists")
	mu.Unlock()

	require.NoError(t, os.Remove(filepath.Join(dir, ".meta.txt.lock")))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, imported, "meta.txt")
}
