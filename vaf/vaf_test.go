package vaf

import (
	"testing"

	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/vario"
	"github.com/stretchr/testify/require"
)

func TestComputeVAFMonotonicityAllCopies(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})

	store := vario.NewVariantStore()
	segs := g.GetSegmentCopiesAt("chr1", 500)
	require.Len(t, segs, 2)

	// SNV applied to both segment copies at the locus (homozygous-like).
	mutID := 0
	store.MarkSegmentCarries(segs[0].ID, mutID)
	store.MarkSegmentCarries(segs[1].ID, mutID)
	store.AddSnv(mutID, vario.Snv{IDStr: "s0", Chr: "chr1", Pos: 500, IsSomatic: true, IdxMutation: mutID})

	out := Compute(Clones{"only": g}, map[string]float64{"only": 1.0}, store)
	require.InDelta(t, 1.0, out[mutID], 1e-9)
}

func TestComputeVAFMonotonicityNoCopies(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})

	store := vario.NewVariantStore()
	store.AddSnv(0, vario.Snv{IDStr: "s0", Chr: "chr1", Pos: 500, IsSomatic: true, IdxMutation: 0})

	out := Compute(Clones{"only": g}, map[string]float64{"only": 1.0}, store)
	require.InDelta(t, 0.0, out[0], 1e-9)
}

func TestComputeVAFBoundsWithMixedClones(t *testing.T) {
	// One allocator across both clones: segment IDs must be run-unique for
	// the store's segment-variant index to stay unambiguous.
	alloc := &genome.IDAllocator{}
	cloneA := genome.New(alloc)
	cloneA.InitDiploid(map[string]int64{"chr1": 1000})

	cloneB := genome.New(alloc)
	cloneB.InitDiploid(map[string]int64{"chr1": 1000})

	store := vario.NewVariantStore()
	segsA := cloneA.GetSegmentCopiesAt("chr1", 500)
	store.MarkSegmentCarries(segsA[0].ID, 0)
	store.AddSnv(0, vario.Snv{IDStr: "s0", Chr: "chr1", Pos: 500, IsSomatic: true, IdxMutation: 0})

	out := Compute(Clones{"A": cloneA, "B": cloneB}, map[string]float64{"A": 0.5, "B": 0.5}, store)
	require.GreaterOrEqual(t, out[0], 0.0)
	require.LessOrEqual(t, out[0], 1.0)
	// one of two copies in clone A carries it, clone B carries none:
	// (0.5*1)/(0.5*2+0.5*2) = 0.25
	require.InDelta(t, 0.25, out[0], 1e-9)
}
