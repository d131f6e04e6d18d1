// Package radio provides import-detect extensions for radio astronomy
// acquisitions named by observation date ("2025/02/21_inst_obsid/...").
// It registers itself with the extension package by name "radio" so a
// site's configuration can opt into it ahead of the generic fallback.
package radio

import (
	"path"
	"regexp"
	"strings"

	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/fs"
)

// acqPattern matches "YYYY/MM/DD_instrument_obsid" acquisition prefixes.
var acqPattern = regexp.MustCompile(`^\d{4}/\d{2}/\d{2}_[a-z0-9]+_[0-9]+$`)

// dateAcqDetector recognizes the two-level date-plus-instrument
// acquisition layout and classifies files by extension into a small
// set of known types (correlator dumps, housekeeping, metadata).
type dateAcqDetector struct{}

func (dateAcqDetector) Name() string { return "radio-date-acq" }

func (dateAcqDetector) Detect(relPath string) (fs.Match, bool) {
	dir, file := path.Split(relPath)
	dir = strings.TrimSuffix(dir, "/")
	// The acquisition prefix is the first three path components; the
	// remainder of dir (if any) is folded into the file name so that
	// files nested under per-run subdirectories still attach to the
	// acquisition.
	parts := strings.SplitN(dir, "/", 4)
	if len(parts) < 3 {
		return fs.Match{}, false
	}
	acqName := strings.Join(parts[:3], "/")
	if !acqPattern.MatchString(acqName) {
		return fs.Match{}, false
	}
	if len(parts) == 4 {
		file = parts[3] + "/" + file
	}
	if file == "" {
		return fs.Match{}, false
	}
	return fs.Match{
		AcqName:  acqName,
		AcqType:  "corr",
		FileName: file,
		FileType: fileType(file),
	}, true
}

func fileType(name string) string {
	switch {
	case strings.HasSuffix(name, ".h5"):
		return "corr_data"
	case strings.HasSuffix(name, ".log"):
		return "housekeeping"
	default:
		return "meta"
	}
}

func init() {
	extension.Register(extension.Extension{
		Name: "radio",
		Init: func(r *extension.Registrar) error {
			r.AddDetector(dateAcqDetector{})
			return nil
		},
	})
}
