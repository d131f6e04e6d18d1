package importer

import (
	"context"
	"fmt"
	"path"

	"github.com/radiocosmology/alpenhornd/fsroot"
)

// Scan walks dir (relative to root) in sorted order and returns every
// regular file path found, skipping hidden/lock entries and recursing
// into subdirectories (spec.md §4.5 rule 2, §4.6 "walk in sorted
// order"). Directories are visited depth-first, children before moving
// to the next sibling, so callers that stream results see a stable
// left-to-right order run to run.
func Scan(root *fsroot.Root, dir string) ([]string, error) {
	var out []string
	if err := scanInto(root, dir, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanInto(root *fsroot.Root, dir string, out *[]string) error {
	entries, err := root.ListDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		if fsroot.IsHidden(e.Name) {
			continue
		}
		rel := e.Name
		if dir != "" && dir != "." {
			rel = path.Join(dir, e.Name)
		}
		if e.IsDir {
			if err := scanInto(root, rel, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, rel)
	}
	return nil
}
