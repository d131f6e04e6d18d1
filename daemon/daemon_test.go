package daemon

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/ioclass"
)

func testConfig(hostname string) *config.Config {
	cfg := &config.Config{}
	cfg.Daemon.Hostname = hostname
	cfg.Daemon.Workers = 2
	cfg.Daemon.UpdateInterval = 50 * time.Millisecond
	cfg.Daemon.ShutdownGrace = time.Second
	cfg.Daemon.VerifyPerTickCap = 10
	cfg.Daemon.ImportBatchSize = 10
	cfg.Daemon.CopyBatchSize = 10
	return cfg
}

func TestTickImportsPendingRequest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ALPENHORN_NODE"), []byte("archive1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2025/02/21"), 0o755))
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(filepath.Join(root, "2025/02/21/meta.txt"), content, 0o644))
	sum := md5.Sum(content)

	store := index.NewMemory(1)
	store.PutNode(fs.Node{
		Name: "archive1", Group: "archive", Active: true, IOClass: "default",
		StorageType: fs.StorageArchive, Root: root, DaemonHost: "host1",
	})
	store.AddImportRequest(fs.ImportRequest{Path: "2025/02/21/meta.txt", Node: "archive1", RegisterNew: true})

	detectors, err := extension.Load([]string{"generic"}, ioclass.NewRegistry())
	require.NoError(t, err)
	classes := ioclass.NewRegistry()

	d := New(testConfig("host1"), store, detectors, classes)
	d.tick(context.Background())

	time.Sleep(200 * time.Millisecond)

	f, ok, err := store.FileByPath(context.Background(), "2025/02/21", "meta.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hex.EncodeToString(sum[:]), f.MD5Sum)

	_, ok = store.CopyState(f.ID, "archive1")
	require.True(t, ok)

	d.Shutdown()
}

func TestTickWithNoActiveNodes(t *testing.T) {
	store := index.NewMemory(1)
	detectors, err := extension.Load([]string{"generic"}, ioclass.NewRegistry())
	require.NoError(t, err)

	d := New(testConfig("host1"), store, detectors, ioclass.NewRegistry())
	// no nodes registered; tick must not panic even with nothing to do.
	d.tick(context.Background())
	d.Shutdown()
}
