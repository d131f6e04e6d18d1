package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
)

func fakeLookup(available map[string]string) Lookup {
	return func(name string) (string, error) {
		if p, ok := available[name]; ok {
			return p, nil
		}
		return "", fmt.Errorf("%s: not found", name)
	}
}

func TestResolveToolPrefersBBCPForRemote(t *testing.T) {
	p := &Puller{LookPath: fakeLookup(map[string]string{"bbcp": "/usr/bin/bbcp", "rsync": "/usr/bin/rsync"})}
	tool, _ := p.resolveTool(false)
	require.Equal(t, ToolBBCP, tool)
}

func TestResolveToolFallsBackToRsync(t *testing.T) {
	p := &Puller{LookPath: fakeLookup(map[string]string{"rsync": "/usr/bin/rsync"})}
	tool, _ := p.resolveTool(false)
	require.Equal(t, ToolRsync, tool)
}

func TestResolveToolUsesCPForLocal(t *testing.T) {
	p := &Puller{LookPath: fakeLookup(map[string]string{"cp": "/bin/cp", "rsync": "/usr/bin/rsync"})}
	tool, _ := p.resolveTool(true)
	require.Equal(t, ToolCP, tool)
}

func TestTempNameIsHiddenSibling(t *testing.T) {
	name := tempName("2025/02/21/meta.txt")
	require.Equal(t, "2025/02/21", filepath.Dir(name))
	base := filepath.Base(name)
	require.True(t, len(base) > 0 && base[0] == '.')
}

func TestPullLocalCPVerifiesAndRenames(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	content := []byte("hello world")
	srcPath := filepath.Join(srcDir, "meta.txt")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	destRoot := fsroot.New(dstDir)
	p := &Puller{
		VerifyOnPull: true,
		LookPath:     fakeLookup(map[string]string{"cp": mustLookPath(t, "cp")}),
		Hostname:     "this-host",
		Timeout:      5 * time.Second,
		Now:          time.Now,
	}

	req := Request{
		SourceHost:  "this-host",
		SourcePath:  srcPath,
		DestRoot:    destRoot,
		DestLock:    fsroot.NewUpdateDownLock(),
		DestRelPath: "2025/02/21/meta.txt",
		File:        fs.File{SizeB: int64(len(content)), MD5Sum: "5eb63bbbe01eeed093cb22bb8f5acdc3"},
	}

	result, err := p.Pull(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ToolCP, result.Tool)

	got, err := os.ReadFile(filepath.Join(dstDir, "2025/02/21/meta.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPullRejectsMismatchedHash(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "meta.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello world"), 0o644))

	destRoot := fsroot.New(dstDir)
	p := &Puller{
		VerifyOnPull: true,
		LookPath:     fakeLookup(map[string]string{"cp": mustLookPath(t, "cp")}),
		Hostname:     "this-host",
		Timeout:      5 * time.Second,
		Now:          time.Now,
	}

	req := Request{
		SourceHost:  "this-host",
		SourcePath:  srcPath,
		DestRoot:    destRoot,
		DestLock:    fsroot.NewUpdateDownLock(),
		DestRelPath: "2025/02/21/meta.txt",
		File:        fs.File{SizeB: 999, MD5Sum: "deadbeefdeadbeefdeadbeefdeadbeef"},
	}

	_, err := p.Pull(context.Background(), req)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dstDir, "2025/02/21/meta.txt"))
	require.True(t, os.IsNotExist(statErr), "a failed verify must not leave the final file in place")
}

func TestSameHostOnlyRejectsCrossHost(t *testing.T) {
	p := &Puller{LookPath: fakeLookup(nil), Hostname: "host-b"}
	_, err := p.Pull(context.Background(), Request{SourceHost: "host-a", SameHostOnly: true})
	require.ErrorIs(t, err, ErrCrossHostNotAllowed)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff()
	require.Equal(t, 30*time.Second, b.Delay(1))
	require.Equal(t, 60*time.Second, b.Delay(2))
	require.Equal(t, 120*time.Second, b.Delay(3))
	require.Equal(t, time.Hour, b.Delay(20))
	require.False(t, b.Exhausted(7))
	require.True(t, b.Exhausted(8))
}

func mustLookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	require.NoError(t, err)
	return p
}
