// Package importer is the scan/import engine of spec.md §4.6: it runs
// detectors against a path relative to a node root, hashes the file at
// most once per path even under concurrent callers, and transactionally
// registers the (acquisition, file, copy) triple in the Data Index.
package importer

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/radiocosmology/alpenhornd/fs"
	"github.com/radiocosmology/alpenhornd/fsroot"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/logging"
)

// reservedPrefixes names are rejected outright (spec.md §4.6 step 1).
var reservedPrefixes = []string{fsroot.MarkerName}

// Engine runs detectors against node-relative paths and publishes
// accepted paths to the Data Index. One Engine is shared by every node
// on a daemon; the one-hash-per-path guarantee is engine-wide, keyed on
// node+path, not per-node.
type Engine struct {
	Store     index.Store
	Detectors []fs.Detector

	group singleflight.Group
}

// NewEngine returns an Engine running detectors in the given order; the
// first to accept a path wins (spec.md §4.6 step 2).
func NewEngine(store index.Store, detectors []fs.Detector) *Engine {
	return &Engine{Store: store, Detectors: detectors}
}

// hashResult is what the singleflight group computes once per path.
type hashResult struct {
	sum   string
	sizeB int64
}

// Import runs the full pipeline for one path relative to root. It is
// idempotent: importing the same path twice is a no-op the second time
// once the File/FileCopy rows already agree.
func (e *Engine) Import(ctx context.Context, node fs.Node, root *fsroot.Root, relPath string, registerNew bool, fromRequest int64) error {
	log := logging.WithNode("importer", node.Name)

	if rejected(relPath) {
		return fmt.Errorf("importer: refusing reserved path %q", relPath)
	}

	match, ok := e.detect(relPath)
	if !ok {
		log.Debug().Str("path", relPath).Msg("not importing non-acquisition path")
		return nil
	}
	if !registerNew {
		if _, found, err := e.Store.FileByPath(ctx, match.AcqName, match.FileName); err != nil {
			return fmt.Errorf("lookup existing file: %w", err)
		} else if !found {
			log.Debug().Str("path", relPath).Msg("skipping unregistered new file (register_new=false)")
			return nil
		}
	}

	key := node.Name + ":" + relPath
	v, err, _ := e.group.Do(key, func() (any, error) {
		info, err := root.Stat(relPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", relPath, err)
		}
		sum, err := root.Hash(relPath)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", relPath, err)
		}
		return hashResult{sum: sum, sizeB: info.Size()}, nil
	})
	if err != nil {
		return err
	}
	hr := v.(hashResult)

	if err := e.Store.UpsertAcquisition(ctx, fs.Acquisition{Name: match.AcqName, Type: match.AcqType}); err != nil {
		return fmt.Errorf("upsert acquisition: %w", err)
	}

	f, err := e.Store.UpsertFile(ctx, fs.File{Acq: match.AcqName, Name: match.FileName, SizeB: hr.sizeB, MD5Sum: hr.sum})
	if err != nil {
		var mismatch *index.ErrFileMismatch
		if asErrFileMismatch(err, &mismatch) {
			log.Error().Str("path", relPath).Str("existing_md5", mismatch.Existing.MD5Sum).
				Str("attempt_md5", mismatch.Attempt.MD5Sum).Msg("refusing to overwrite mismatched file registration")
		}
		return fmt.Errorf("upsert file: %w", err)
	}

	if err := e.Store.SetCopyState(ctx, f.ID, node.Name, fs.Healthy, hr.sizeB); err != nil {
		return fmt.Errorf("set copy state: %w", err)
	}

	if fromRequest != 0 {
		if err := e.Store.CompleteImportRequest(ctx, fromRequest); err != nil {
			return fmt.Errorf("complete import request: %w", err)
		}
	}

	log.Info().Str("path", relPath).Str("acq", match.AcqName).Msg("imported")
	return nil
}

func (e *Engine) detect(relPath string) (fs.Match, bool) {
	for _, d := range e.Detectors {
		if m, ok := d.Detect(relPath); ok {
			return m, true
		}
	}
	return fs.Match{}, false
}

func rejected(relPath string) bool {
	if strings.HasSuffix(relPath, "/") {
		return true
	}
	base := relPath
	if idx := strings.LastIndexByte(relPath, '/'); idx >= 0 {
		base = relPath[idx+1:]
	}
	for _, p := range reservedPrefixes {
		if base == p {
			return true
		}
	}
	return fsroot.IsHidden(base)
}

// asErrFileMismatch is a small type-assertion helper kept local so
// callers don't need "errors" just to log a richer message.
func asErrFileMismatch(err error, target **index.ErrFileMismatch) bool {
	m, ok := err.(*index.ErrFileMismatch)
	if !ok {
		return false
	}
	*target = m
	return true
}
