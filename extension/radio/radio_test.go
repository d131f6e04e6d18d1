package radio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectAcceptsDateInstrumentAcquisition(t *testing.T) {
	d := dateAcqDetector{}
	m, ok := d.Detect("2025/02/21_chime_0042/00012345_0000.h5")
	require.True(t, ok)
	require.Equal(t, "2025/02/21_chime_0042", m.AcqName)
	require.Equal(t, "00012345_0000.h5", m.FileName)
	require.Equal(t, "corr_data", m.FileType)
}

func TestDetectDeclinesNonDatePrefix(t *testing.T) {
	d := dateAcqDetector{}
	_, ok := d.Detect("scratch/notes.txt")
	require.False(t, ok)
}

func TestDetectClassifiesHousekeepingAndMeta(t *testing.T) {
	d := dateAcqDetector{}
	m, ok := d.Detect("2025/02/21_chime_0042/housekeeping.log")
	require.True(t, ok)
	require.Equal(t, "housekeeping", m.FileType)

	m, ok = d.Detect("2025/02/21_chime_0042/obs.yaml")
	require.True(t, ok)
	require.Equal(t, "meta", m.FileType)
}
