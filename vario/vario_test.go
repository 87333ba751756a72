package vario

import (
	"strings"
	"testing"

	"github.com/hdetering/tumgenomsim/encoding/fasta"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func newTestReference(t *testing.T) refio.GenomeReference {
	t.Helper()
	data := ">chr1\nACGTACGTACGTACGTACGT\n>chr2\nTTTTGGGGCCCCAAAATTTT\n"
	f, err := fasta.New(strings.NewReader(data))
	require.NoError(t, err)
	ref, err := refio.NewInMemoryReference(f)
	require.NoError(t, err)
	return ref
}

func uniformSubstitutionModel() GermlineSubstitutionModel {
	var m GermlineSubstitutionModel
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i != j {
				m.Q[i][j] = 1.0 / 3.0
			}
		}
	}
	return m
}

func TestGenerateGermlineVariantsProducesNegativeIDs(t *testing.T) {
	ref := newTestReference(t)
	vs := NewVariantStore()
	rng := rand.New(rand.NewSource(1))
	require.NoError(t, vs.GenerateGermlineVariants(5, ref, uniformSubstitutionModel(), 0.5, rng, true))

	snvs := vs.GermlineSnvs()
	require.Len(t, snvs, 5)
	type locus struct {
		chr string
		pos int64
	}
	seen := map[locus]bool{}
	for _, v := range snvs {
		require.False(t, v.IsSomatic)
		require.Less(t, v.IdxMutation, 0)
		require.NotEqual(t, v.RefAllele, v.AltAllele)
		l := locus{v.Chr, v.Pos}
		require.False(t, seen[l], "infinite-sites violation: %v mutated twice", l)
		seen[l] = true
	}
}

func TestAssignSomaticMutationType(t *testing.T) {
	muts := make([]Mutation, 20)
	rng := rand.New(rand.NewSource(7))
	nCnv := AssignSomaticMutationType(muts, 0.5, rng)
	var counted int
	for _, m := range muts {
		require.True(t, m.IsSnv != m.IsCnv)
		if m.IsCnv {
			counted++
		}
	}
	require.Equal(t, nCnv, counted)
}

func TestGenerateSomaticVariantsSNVAndCNV(t *testing.T) {
	ref := newTestReference(t)
	vs := NewVariantStore()
	rng := rand.New(rand.NewSource(3))

	muts := []Mutation{{ID: 0, IsSnv: true}, {ID: 1, IsCnv: true}}
	modelSNV := SomaticSubstitutionModel{
		Contexts: []string{"ACG", "TAC"},
		Alt:      []string{"T", "G"},
		Weights:  []float64{1, 1},
	}
	modelCNV := SomaticCnvModel{
		RateWGD: 0.2, RateChr: 0.2, RateArm: 0.2, RateTel: 0.2, RateFoc: 0.2,
		GainProb: 0.5, LenExp: 1.5, LenMin: 2,
	}
	require.NoError(t, vs.GenerateSomaticVariants(muts, ref, modelSNV, modelCNV, rng, true))

	snv, ok := vs.snvByID[0]
	require.True(t, ok)
	require.True(t, snv.IsSomatic)

	cnv, ok := vs.cnvByID[1]
	require.True(t, ok)
	require.GreaterOrEqual(t, cnv.LenRel, 0.0)
	require.LessOrEqual(t, cnv.LenRel, 1.0)
}

// TestWholeGenomeDuplicationTransfersMutations checks that after WGD both
// descendant segment copies at the mutated locus carry the SNV.
func TestWholeGenomeDuplicationTransfersMutations(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr2": 1000})

	before := g.GetSegmentCopiesAt("chr2", 100)
	require.Len(t, before, 2)

	vs := NewVariantStore()
	vs.snvByID[0] = Snv{IDStr: "s0", Chr: "chr2", Pos: 100, IsSomatic: true}
	vs.segmentVars[before[0].ID] = []int{0}

	mods := g.Duplicate()
	vs.TransferMutations(mods)

	after := g.GetSegmentCopiesAt("chr2", 100)
	require.Len(t, after, 4)

	carrying := 0
	for _, seg := range after {
		snvs := vs.GetSnvsForSegmentCopy(seg.ID)
		if len(snvs[100]) > 0 {
			carrying++
		}
	}
	require.Equal(t, 2, carrying)
}

// TestFocalDeletionRemovesVariant checks that after a focal deletion over
// the SNV's locus, no live segment copy carries it.
func TestFocalDeletionRemovesVariant(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr3": 1000})
	inst := g.Instances("chr3")[0]

	locus := int64(250) // 25% of 1000
	before := g.GetSegmentCopiesAt("chr3", locus)
	require.Len(t, before, 2)

	vs := NewVariantStore()
	vs.snvByID[0] = Snv{IDStr: "s0", Chr: "chr3", Pos: locus, IsSomatic: true}
	vs.segmentVars[before[0].ID] = []int{0}

	mods := g.DeleteRegion(inst, 0.2, 0.1, true, false)
	vs.TransferMutations(mods)

	after := g.GetSegmentCopiesAt("chr3", locus)
	require.Len(t, after, 1)
	for _, seg := range after {
		snvs := vs.GetSnvsForSegmentCopy(seg.ID)
		require.Empty(t, snvs[locus])
	}
}

func TestApplyMutationRoutesSNVAndCNV(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})

	vs := NewVariantStore()
	vs.snvByID[0] = Snv{IDStr: "s0", Chr: "chr1", Pos: 500, IsSomatic: true}
	vs.cnvByID[1] = Cnv{IsWGD: true}

	rng := rand.New(rand.NewSource(11))
	require.NoError(t, vs.ApplyMutation(Mutation{ID: 0, IsSnv: true}, g, rng))

	found := false
	for _, seg := range g.GetSegmentCopiesAt("chr1", 500) {
		if len(vs.segmentVars[seg.ID]) > 0 {
			found = true
		}
	}
	require.True(t, found)

	before := len(g.Instances("chr1"))
	require.NoError(t, vs.ApplyMutation(Mutation{ID: 1, IsCnv: true}, g, rng))
	require.Equal(t, before*2, len(g.Instances("chr1")))
}

func TestApplyMutationMaskedSNVIsSkippedNotFatal(t *testing.T) {
	alloc := &genome.IDAllocator{}
	g := genome.New(alloc)
	g.InitDiploid(map[string]int64{"chr1": 1000})

	vs := NewVariantStore()
	vs.snvByID[0] = Snv{IDStr: "s0", Chr: "chrZ", Pos: 500, IsSomatic: true}

	rng := rand.New(rand.NewSource(2))
	require.NoError(t, vs.ApplyMutation(Mutation{ID: 0, IsSnv: true}, g, rng))
}

func TestWriteGermlineSnvsToVCF(t *testing.T) {
	ref := newTestReference(t)
	vs := NewVariantStore()
	vs.snvByID[-1] = Snv{IDStr: "g0", Chr: "chr1", Pos: 5, RefAllele: "A", AltAllele: "G", IsHet: true}
	vs.snvByID[-2] = Snv{IDStr: "g1", Chr: "chr1", Pos: 10, RefAllele: "C", AltAllele: "T", IsHet: false}

	var buf strings.Builder
	n, err := vs.WriteGermlineSnvsToVCF(&buf, ref)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, buf.String(), "##contig=<ID=chr1,length=20>")
	require.Contains(t, buf.String(), "0/1")
	require.Contains(t, buf.String(), "1/1")
}

func TestWriteCNVsToFile(t *testing.T) {
	vs := NewVariantStore()
	vs.cnvByID[0] = Cnv{IsWGD: true, RefChr: "chr1"}
	vs.cnvByID[1] = Cnv{IsDeletion: true, RefChr: "chr2", StartRel: 0.1, LenRel: 0.2, IsForward: true}

	var buf strings.Builder
	n, err := vs.WriteCNVsToFile(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, buf.String(), "wgd")
	require.Contains(t, buf.String(), "foc")
}

func TestIndexSnvs(t *testing.T) {
	vs := NewVariantStore()
	vs.snvByID[0] = Snv{Chr: "chr1", Pos: 5, IsSomatic: true}
	vs.snvByID[1] = Snv{Chr: "chr1", Pos: 5, IsSomatic: true}
	n := vs.IndexSnvs()
	require.Equal(t, 2, n)
	require.Len(t, vs.snvsByChrPos["chr1"][5], 2)
}
