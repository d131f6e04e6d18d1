package extension

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radiocosmology/alpenhornd/ioclass"
)

func TestLoadUnknownExtensionFails(t *testing.T) {
	_, err := Load([]string{"does-not-exist"}, ioclass.NewRegistry())
	require.Error(t, err)
}

func TestLoadGenericRegistersDetector(t *testing.T) {
	detectors, err := Load([]string{"generic"}, ioclass.NewRegistry())
	require.NoError(t, err)
	require.Len(t, detectors, 1)

	m, ok := detectors[0].Detect("2025/02/21/meta.txt")
	require.True(t, ok)
	require.Equal(t, "2025/02/21", m.AcqName)
	require.Equal(t, "meta.txt", m.FileName)

	_, ok = detectors[0].Detect("meta.txt")
	require.False(t, ok, "a bare filename with no acquisition prefix must decline")
}

func TestLoadAbortsOnInitFailure(t *testing.T) {
	Register(Extension{
		Name: "always-fails",
		Init: func(r *Registrar) error { return fmt.Errorf("boom") },
	})
	_, err := Load([]string{"always-fails"}, ioclass.NewRegistry())
	require.Error(t, err)
}
