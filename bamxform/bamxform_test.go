package bamxform

import (
	"fmt"
	"strings"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/hdetering/tumgenomsim/vario"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestParseTileRefName(t *testing.T) {
	chr, start, end, padding, ok := parseTileRefName("chr1_1000_2000_50")
	require.True(t, ok)
	require.Equal(t, "chr1", chr)
	require.Equal(t, int64(1000), start)
	require.Equal(t, int64(2000), end)
	require.Equal(t, int64(50), padding)
}

func TestParseTileRefNameChrWithUnderscore(t *testing.T) {
	chr, start, end, padding, ok := parseTileRefName("chr_un_KI270742v1_1000_2000_50")
	require.True(t, ok)
	require.Equal(t, "chr_un_KI270742v1", chr)
	require.Equal(t, int64(1000), start)
	require.Equal(t, int64(2000), end)
	require.Equal(t, int64(50), padding)
}

func TestParseTileRefNameMalformed(t *testing.T) {
	_, _, _, _, ok := parseTileRefName("not-a-tile-id")
	require.False(t, ok)
}

func TestParseTileFilename(t *testing.T) {
	sample, clone, cn, ok := ParseTileFilename("smp1.cloneA.2.sam")
	require.True(t, ok)
	require.Equal(t, "smp1", sample)
	require.Equal(t, "cloneA", clone)
	require.Equal(t, 2, cn)
}

func TestParseTileFilenameRejectsMalformed(t *testing.T) {
	_, _, _, ok := ParseTileFilename("garbage.sam")
	require.False(t, ok)
}

// newTestRead builds a minimal sam.Record with a sequence of all 'A's of the
// given length, for translation/coverage tests.
func newTestRead(ref *sam.Reference, pos, length int) *sam.Record {
	seq := make([]byte, length)
	for i := range seq {
		seq[i] = 'A'
	}
	return &sam.Record{
		Name: "r",
		Ref:  ref,
		Pos:  pos,
		Seq:  sam.NewSeq(seq),
	}
}

// TestCoordinateTranslation checks the tile contig "chr1_1000_2000_50":
// reads at local positions 60 and 160 translate to global positions 1010
// and 1110, and a read at local position 40 (inside the padding) is
// rejected.
func TestCoordinateTranslation(t *testing.T) {
	tileRefObj, err := sam.NewReference("chr1_1000_2000_50", "", "", 1100, nil, nil)
	require.NoError(t, err)
	idx := buildTileIndex(mustHeader(t, tileRefObj))

	ref := idx["chr1_1000_2000_50"]
	require.Equal(t, "chr1", ref.globalChr)
	require.Equal(t, int64(50), ref.loMin)
	require.Equal(t, int64(950), ref.offset)

	mate1 := newTestRead(tileRefObj, 60, 50)
	require.True(t, withinLocal(mate1, ref))
	translate(mate1, ref)
	require.Equal(t, 1010, mate1.Pos)

	mate2 := newTestRead(tileRefObj, 160, 50)
	require.True(t, withinLocal(mate2, ref))
	translate(mate2, ref)
	require.Equal(t, 1110, mate2.Pos)

	rejected := newTestRead(tileRefObj, 40, 50)
	require.False(t, withinLocal(rejected, ref))
}

func mustHeader(t *testing.T, refs ...*sam.Reference) *sam.Header {
	t.Helper()
	h, err := sam.NewHeader(nil, refs)
	require.NoError(t, err)
	return h
}

// TestApplyAtMutatesCoveringMate checks that a spike at an offset covered
// by mate1 changes its base and is reported as applied.
func TestApplyAtMutatesCoveringMate(t *testing.T) {
	mate1 := newTestRead(nil, 1010, 50)
	mate2 := newTestRead(nil, 1110, 50)

	applied := applyAt(mate1, mate2, 1020, 'T')
	require.True(t, applied)
	require.Equal(t, byte('T'), mate1.Seq.Expand()[10])
}

func TestApplyAtReportsMissWhenNeitherMateCovers(t *testing.T) {
	mate1 := newTestRead(nil, 1010, 50)
	mate2 := newTestRead(nil, 1110, 50)

	require.False(t, applyAt(mate1, mate2, 2000, 'T'))
}

func TestPairSpan(t *testing.T) {
	mate1 := newTestRead(nil, 1010, 50)
	mate2 := newTestRead(nil, 1110, 50)
	begin, end := pairSpan(mate1, mate2)
	require.Equal(t, int64(1010), begin)
	require.Equal(t, int64(1160), end)
}

// TestProcessTileTranslatesAndSpikes feeds a two-pair tile SAM stream
// through a VAF-mode transformer: the first pair translates to global
// coordinates, picks up an RG tag, and has the vaf=1.0 variant at chr1:1020
// spiked into mate1; the second pair begins inside the padding and is
// rejected.
func TestProcessTileTranslatesAndSpikes(t *testing.T) {
	seq := strings.Repeat("A", 50)
	var tile strings.Builder
	tile.WriteString("@HD\tVN:1.5\tSO:unsorted\n")
	tile.WriteString("@SQ\tSN:chr1_1000_2000_50\tLN:1100\n")
	for _, rec := range [][3]interface{}{
		{"p1", 99, 61},
		{"p1", 147, 161},
		{"p2", 99, 41},
		{"p2", 147, 161},
	} {
		fmt.Fprintf(&tile, "%s\t%d\tchr1_1000_2000_50\t%d\t60\t50M\t=\t0\t0\t%s\t*\n",
			rec[0], rec[1], rec[2], seq)
	}

	store := vario.NewVariantStore()
	store.AddSnv(7, vario.Snv{
		IDStr: "s7", Chr: "chr1", Pos: 1020, RefAllele: "A", AltAllele: "T",
		IsSomatic: true, IdxMutation: 7,
	})
	store.IndexSnvs()

	header, err := NewMergedHeader("smp1", []string{"chr1"}, map[string]int64{"chr1": 5000}, []string{"cloneA"})
	require.NoError(t, err)

	var out strings.Builder
	cnt := NewCounters()
	rng := rand.New(rand.NewSource(1))
	xform, err := NewTransformer("smp1", nil, store, map[int]float64{7: 1.0},
		Opts{VAFMode: true}, &out, header, cnt, rng)
	require.NoError(t, err)

	nAccepted, nRejected, err := xform.ProcessTile("cloneA", strings.NewReader(tile.String()))
	require.NoError(t, err)
	require.Equal(t, 1, nAccepted)
	require.Equal(t, 1, nRejected)

	got := out.String()
	require.Contains(t, got, "@RG\tID:cloneA")
	// local pos 60 (0-based) + offset 950 -> global 1010, written 1-based.
	require.Contains(t, got, "\tchr1\t1011\t")
	require.Contains(t, got, "\tchr1\t1111\t")
	require.NotContains(t, got, "chr1_1000_2000_50\t")
	// variant at 1020 lands at mate1 offset 10
	require.Contains(t, got, strings.Repeat("A", 10)+"T"+strings.Repeat("A", 39))
	require.Equal(t, int64(1), cnt.Cvg[7])
	require.Equal(t, int64(1), cnt.Alt[7])

	n, werr := WriteVarsCSV(&out, store, cnt)
	require.NoError(t, werr)
	require.Equal(t, 1, n)
	require.Contains(t, out.String(), "7\t1\t1\n")
}
