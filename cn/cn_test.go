package cn

import (
	"testing"

	"github.com/hdetering/tumgenomsim/genome"
	"github.com/stretchr/testify/require"
)

// TestComputeSampleCNWeightedMix mixes two clones by weight and expects an
// additive, weight-scaled CN profile.
func TestComputeSampleCNWeightedMix(t *testing.T) {
	allocA := &genome.IDAllocator{}
	cloneA := genome.New(allocA)
	cloneA.InitDiploid(map[string]int64{"chr1": 100})
	cnA := cloneA.GetCopyNumberStateByChr(1.0)

	allocB := &genome.IDAllocator{}
	cloneB := genome.New(allocB)
	cloneB.InitDiploid(map[string]int64{"chr1": 100})
	// Losing the paternal (B) instance and then copying the remaining
	// maternal (A) instance leaves clone B with CN (2,0) at every chr1 locus.
	insts := cloneB.Instances("chr1")
	for _, inst := range insts {
		if inst.Allele == genome.AlleleB {
			idx := -1
			for i, c := range cloneB.Instances("chr1") {
				if c == inst {
					idx = i
				}
			}
			cloneB.DeleteChromosome("chr1", idx)
			break
		}
	}
	cloneB.CopyChromosomeInstance("chr1", 0)
	cnB := cloneB.GetCopyNumberStateByChr(1.0)

	sampleCN := ComputeSampleCN(CloneCN{"A": cnA, "B": cnB}, map[string]float64{"A": 0.7, "B": 0.3})
	v := sampleCN.At("chr1", 50)
	require.InDelta(t, 1.3, v.CountA, 1e-9)
	require.InDelta(t, 0.7, v.CountB, 1e-9)
}

func TestGenomeLenAbs(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 100})
	cnMap := g.GetCopyNumberStateByChr(1.0)
	// diploid: total CN 2 over 100bp -> 200
	require.Equal(t, int64(200), GenomeLenAbs(cnMap))
}
