package genome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDiploidCreatesTwoAllelesPerChromosome(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})
	insts := g.Instances("chr1")
	require.Len(t, insts, 2)
	require.ElementsMatch(t, []Allele{AlleleA, AlleleB}, []Allele{insts[0].Allele, insts[1].Allele})
	for _, inst := range insts {
		require.Equal(t, int64(1000), inst.Length())
	}
}

// TestWholeGenomeDuplication checks that after WGD every locus is covered by
// twice as many segment copies, each a fresh copy of the segment it
// descends from.
func TestWholeGenomeDuplication(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chr2": 1000})

	before := g.GetSegmentCopiesAt("chr2", 100)
	require.Len(t, before, 2)

	mods := g.Duplicate()
	require.Len(t, mods, 2)

	after := g.GetSegmentCopiesAt("chr2", 100)
	require.Len(t, after, 4)

	srcIDs := map[SegmentID]bool{before[0].ID: true, before[1].ID: true}
	var newCount int
	for _, seg := range after {
		if !srcIDs[seg.ID] {
			newCount++
		}
	}
	require.Equal(t, 2, newCount)

	for _, m := range mods {
		require.True(t, srcIDs[m.Src])
	}
}

// TestFocalDeletionRemovesLocus checks that a focal deletion of the
// [0.2, 0.3) instance-local span removes the segment covering a locus at
// the 25% mark.
func TestFocalDeletionRemovesLocus(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chr3": 1000})
	inst := g.Instances("chr3")[0]

	locus := int64(250) // 25% of 1000
	before := g.GetSegmentCopiesAt("chr3", locus)
	require.Len(t, before, 2)

	mods := g.DeleteRegion(inst, 0.2, 0.1, true, false)
	require.Len(t, mods, 2) // the segment's flanks survive as new partial copies

	after := g.GetSegmentCopiesAt("chr3", locus)
	require.Len(t, after, 1) // only the untouched instance still covers the deleted locus
	require.NotEqual(t, before[0].ID, after[0].ID)
}

func TestAmplifyRegionInsertsTandemCopy(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})
	inst := g.Instances("chr1")[0]

	mods := g.AmplifyRegion(inst, 0.1, 0.1, true, false)
	require.Len(t, mods, 1)
	require.Equal(t, int64(1100), inst.Length())

	// locus inside the amplified region should now have 2 copies in this instance
	segs := 0
	for _, s := range inst.Segments {
		if s.Contains(150) {
			segs++
		}
	}
	require.Equal(t, 2, segs)
}

func TestDeleteChromosomeAllowsLossOfBothAlleles(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chrY": 500})
	g.DeleteChromosome("chrY", 0)
	g.DeleteChromosome("chrY", 0)
	require.Empty(t, g.Instances("chrY"))
}

func TestCopyNumberStateWeighted(t *testing.T) {
	alloc := &IDAllocator{}
	g := New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 100})
	cn := g.GetCopyNumberStateByChr(0.5)
	v := cn.At("chr1", 50)
	require.InDelta(t, 0.5, v.CountA, 1e-9)
	require.InDelta(t, 0.5, v.CountB, 1e-9)
	require.InDelta(t, 1.0, v.Total(), 1e-9)
}

func TestWeightedIndex(t *testing.T) {
	weights := []float64{1, 0, 3}
	require.Equal(t, 0, WeightedIndex(weights, 0.0))
	require.Equal(t, 2, WeightedIndex(weights, 0.99))
	require.Equal(t, 0, WeightedIndex(nil, 0.5))
}
