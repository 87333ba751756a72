package tiledref

import (
	"os"
	"strings"
	"testing"

	"github.com/hdetering/tumgenomsim/encoding/fasta"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/hdetering/tumgenomsim/segmap"
	"github.com/stretchr/testify/require"
)

func newTestReference(t *testing.T) refio.GenomeReference {
	t.Helper()
	r := strings.NewReader(">chr1\n" + strings.Repeat("ACGT", 50) + "\n")
	f, err := fasta.New(r, fasta.OptClean)
	require.NoError(t, err)
	ref, err := refio.NewInMemoryReference(f)
	require.NoError(t, err)
	return ref
}

// TestWriteTilesGroupsByRoundedCopyNumber checks that intervals are grouped
// by round(count_A+count_B) into one file per (clone, n), each record
// padded and named "<chr>_<start>_<end>_<padding>".
func TestWriteTilesGroupsByRoundedCopyNumber(t *testing.T) {
	ref := newTestReference(t)
	cnMap := segmap.NewByChr(genome.AlleleSpecificCN{}, genome.AddCN)
	cnMap.Add("chr1", 0, 100, genome.AlleleSpecificCN{CountA: 1, CountB: 1}) // total 2
	cnMap.Add("chr1", 100, 150, genome.AlleleSpecificCN{CountA: 2, CountB: 1}) // total 3

	dir := t.TempDir()
	stats, err := WriteTiles(dir, "cloneA", cnMap, ref, 10, 5)
	require.NoError(t, err)
	require.Len(t, stats.Files, 2)

	var sawN2, sawN3 bool
	for _, fs := range stats.Files {
		switch fs.CopyNumber {
		case 2:
			sawN2 = true
			require.Equal(t, 1, fs.SeqCount)
		case 3:
			sawN3 = true
			require.Equal(t, 1, fs.SeqCount)
		}
	}
	require.True(t, sawN2)
	require.True(t, sawN3)
	require.Greater(t, stats.WeightDenom, 0.0)

	data, err := os.ReadFile(dir + "/cloneA.2.fa")
	require.NoError(t, err)
	require.Contains(t, string(data), ">chr1_0_100_5")
	// 100bp sequence + 5bp padding on each side, wrapped at 70 chars/line.
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, ">chr1_0_100_5", lines[0])
	require.Len(t, lines[1], 70)
}

func TestWriteTilesSkipsShortIntervals(t *testing.T) {
	ref := newTestReference(t)
	cnMap := segmap.NewByChr(genome.AlleleSpecificCN{}, genome.AddCN)
	cnMap.Add("chr1", 0, 5, genome.AlleleSpecificCN{CountA: 1, CountB: 1})

	dir := t.TempDir()
	stats, err := WriteTiles(dir, "cloneA", cnMap, ref, 10, 0)
	require.NoError(t, err)
	require.Empty(t, stats.Files)
}

func TestWriteTilesSkipsZeroCopyNumber(t *testing.T) {
	ref := newTestReference(t)
	cnMap := segmap.NewByChr(genome.AlleleSpecificCN{}, genome.AddCN)
	cnMap.Add("chr1", 0, 50, genome.AlleleSpecificCN{CountA: 0, CountB: 0})

	dir := t.TempDir()
	stats, err := WriteTiles(dir, "cloneA", cnMap, ref, 10, 0)
	require.NoError(t, err)
	require.Empty(t, stats.Files)
}
