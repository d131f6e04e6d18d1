// Package transfer drives remote pulls over external tools (spec.md
// §4.7, §6): it chooses bbcp/rsync/cp, stages into a hidden temp name,
// verifies size and hash, and atomically renames into place. The
// external-process invocation pattern (os/exec with a context timeout,
// built from user@host and a configured key) is the same one the
// pack's own SSH backend falls back to when it shells out to a real
// `ssh` binary instead of speaking the protocol in Go.
package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/logging"
)

// Tool names a transfer command.
type Tool string

const (
	ToolBBCP  Tool = "bbcp"
	ToolRsync Tool = "rsync"
	ToolCP    Tool = "cp"
)

// Lookup abstracts exec.LookPath so tests can fake tool availability.
type Lookup func(name string) (string, error)

// Puller executes one file pull per Call. It is not safe to reuse
// across nodes with different verify policy; callers typically build a
// Puller per I/O class instance.
type Puller struct {
	VerifyOnPull bool
	LookPath     Lookup
	Hostname     string // this daemon's hostname, for same-host detection
	Timeout      time.Duration
	Now          func() time.Time
}

// NewPuller returns a Puller with sane defaults; set Now only in tests.
func NewPuller(hostname string, verifyOnPull bool) *Puller {
	return &Puller{
		VerifyOnPull: verifyOnPull,
		LookPath:     exec.LookPath,
		Hostname:     hostname,
		Timeout:      6 * time.Hour,
		Now:          time.Now,
	}
}

// Request describes one pull.
type Request struct {
	SourceUser    string
	SourceAddr    string // empty/unset means "local to this daemon"
	SourceHost    string // the source node's daemon-host, for same-host checks
	SourcePath    string // absolute path on the source
	DestRoot      *fsroot.Root
	DestLock      *fsroot.UpdateDownLock
	DestRelPath   string // relative to DestRoot
	File          fs.File
	SameHostOnly  bool // Transport class requires source and dest share a host
}

// Result reports what happened, for logging/metrics.
type Result struct {
	Tool      Tool
	BytesMove int64
}

// ErrCrossHostNotAllowed is returned when SameHostOnly is set and the
// source node is not on this daemon's host.
var ErrCrossHostNotAllowed = fmt.Errorf("transfer: source and destination must share a host")

// Pull executes steps 2-8 of spec.md §4.7. The pre-pull "does D already
// have a Healthy copy" check (step 1) and the FileCopy/CopyRequest
// bookkeeping (step 9) are the caller's responsibility — they need the
// Data Index, which this package deliberately does not depend on.
func (p *Puller) Pull(ctx context.Context, req Request) (Result, error) {
	log := logging.WithComponent("transfer")

	local := req.SourceHost == "" || req.SourceHost == p.Hostname
	if req.SameHostOnly && !local {
		return Result{}, ErrCrossHostNotAllowed
	}

	tool, toolPath := p.resolveTool(local)

	tempRel := tempName(req.DestRelPath)
	if err := req.DestRoot.MkdirParents(tempRel); err != nil {
		return Result{}, fmt.Errorf("mkdir parents: %w", err)
	}
	tempAbs := path.Join(req.DestRoot.Base(), tempRel)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	if err := p.runTransfer(ctx, log, tool, toolPath, req, tempAbs); err != nil {
		_ = os.Remove(tempAbs)
		return Result{}, err
	}

	info, err := os.Stat(tempAbs)
	if err != nil {
		return Result{}, fmt.Errorf("stat staged file: %w", err)
	}

	if p.VerifyOnPull {
		sum, err := hashFile(tempAbs)
		if err != nil {
			_ = os.Remove(tempAbs)
			return Result{}, fmt.Errorf("hash staged file: %w", err)
		}
		if info.Size() != req.File.SizeB || sum != req.File.MD5Sum {
			_ = os.Remove(tempAbs)
			return Result{}, fmt.Errorf("verify failed: size/hash mismatch (got %d/%s, want %d/%s)",
				info.Size(), sum, req.File.SizeB, req.File.MD5Sum)
		}
	}

	unlock := req.DestLock.Lock()
	err = req.DestRoot.AtomicRename(tempRel, req.DestRelPath)
	unlock()
	if err != nil {
		return Result{}, fmt.Errorf("atomic rename: %w", err)
	}

	return Result{Tool: tool, BytesMove: info.Size()}, nil
}

// resolveTool implements the preference order of spec.md §4.7 step 2:
// bbcp if installed and the source is non-local, else rsync, else local
// cp/hardlink if source and destination share a host.
func (p *Puller) resolveTool(local bool) (Tool, string) {
	if !local {
		if path, err := p.LookPath("bbcp"); err == nil {
			return ToolBBCP, path
		}
		if path, err := p.LookPath("rsync"); err == nil {
			return ToolRsync, path
		}
	}
	if path, err := p.LookPath("cp"); err == nil {
		return ToolCP, path
	}
	// Fall through to rsync even for local transfers if cp is somehow
	// unavailable — rsync works locally too.
	path, _ := p.LookPath("rsync")
	return ToolRsync, path
}

func (p *Puller) runTransfer(ctx context.Context, log zerolog.Logger, tool Tool, toolPath string, req Request, tempAbs string) error {
	var cmd *exec.Cmd
	remote := fmt.Sprintf("%s@%s:%s", req.SourceUser, req.SourceAddr, req.SourcePath)

	switch tool {
	case ToolBBCP:
		cmd = exec.CommandContext(ctx, toolPath, "-f", "-e", "-E", "md5=", "-s", "16", remote, tempAbs)
	case ToolRsync:
		args := []string{"-aH", "--inplace", "--partial-dir=.alpenhorn_partial"}
		if req.SourceAddr != "" {
			args = append(args, remote)
		} else {
			args = append(args, req.SourcePath)
		}
		args = append(args, tempAbs)
		cmd = exec.CommandContext(ctx, toolPath, args...)
	case ToolCP:
		cmd = exec.CommandContext(ctx, toolPath, req.SourcePath, tempAbs)
	default:
		return fmt.Errorf("no transfer tool available")
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug().Str("tool", string(tool)).Str("args", fmt.Sprint(cmd.Args)).Msg("starting transfer")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", tool, err, stderr.String())
	}
	return nil
}

// tempName builds the hidden staging name of spec.md §4.7 step 3:
// "<dirname(dest)>/.<basename(dest)>.<random>".
func tempName(destRel string) string {
	dir := path.Dir(destRel)
	base := path.Base(destRel)
	hidden := fmt.Sprintf(".%s.%s", base, uuid.NewString())
	if dir == "." {
		return hidden
	}
	return path.Join(dir, hidden)
}

func hashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
