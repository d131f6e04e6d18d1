package extension

import (
	"path"
	"strings"

	"github.com/radiocosmology/alpenhornd/fs"
)

// genericDetector accepts any path of the form "<acq>/<file>" where acq
// is everything but the last path component. It is active only when
// "generic" is named in the configured extension list; listed after
// domain-specific extensions, it catches the paths they decline.
type genericDetector struct{}

func (genericDetector) Name() string { return "generic" }

func (genericDetector) Detect(relPath string) (fs.Match, bool) {
	dir, file := path.Split(relPath)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || file == "" {
		return fs.Match{}, false
	}
	return fs.Match{AcqName: dir, FileName: file}, true
}

func init() {
	Register(Extension{
		Name: "generic",
		Init: func(r *Registrar) error {
			r.AddDetector(genericDetector{})
			return nil
		},
	})
}
