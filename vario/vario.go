// Package vario holds the variant model: SNVs, CNVs, the mutations that
// spawn them, and the VariantStore that remembers which segment copies
// carry which SNVs as genomes are rearranged by CNV events.
package vario

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// nucleotides is the fixed A,C,G,T index order the substitution models use.
var nucleotides = [4]byte{'A', 'C', 'G', 'T'}

// Snv is a single-nucleotide variant: a reference position with an observed
// ref/alt allele pair. Germline SNVs carry negative mutation indices,
// somatic ones non-negative.
type Snv struct {
	IDStr       string
	Chr         string
	Pos         int64
	RefAllele   string
	AltAllele   string
	IsSomatic   bool
	IsHet       bool
	IdxMutation int
}

// Cnv is a copy-number-variant event descriptor, expressed in coordinates
// relative to the affected chromosome's instance-local length.
type Cnv struct {
	IsWGD       bool
	IsChrWide   bool
	IsDeletion  bool
	IsTelomeric bool
	IsForward   bool
	StartRel    float64
	LenRel      float64
	RefChr      string
}

// Mutation is a reference to either an Snv or a Cnv, never both.
type Mutation struct {
	ID    int
	IsSnv bool
	IsCnv bool
}

// GermlineSubstitutionModel is a 4x4 nucleotide substitution rate matrix
// indexed [from][to] over A,C,G,T.
type GermlineSubstitutionModel struct {
	Q [4][4]float64
}

// rowWeights returns the per-nucleotide mutation rate (row sum of Q), used
// to pick which base gets mutated before picking a locus.
func (m GermlineSubstitutionModel) rowWeights() []float64 {
	w := make([]float64, 4)
	for i := range w {
		for j := range w {
			w[i] += m.Q[i][j]
		}
	}
	return w
}

// mutateSite draws the alt nucleotide index for a germline substitution at
// a site with reference nucleotide idxBucket, conditioned on that row of Q.
func (m GermlineSubstitutionModel) mutateSite(idxBucket int, u float64) int {
	return genome.WeightedIndex(m.Q[idxBucket][:], u)
}

// SomaticSubstitutionModel is a trinucleotide-context mutation signature:
// parallel slices of 3-mer reference context, the resulting alt nucleotide,
// and a selection weight.
type SomaticSubstitutionModel struct {
	Contexts []string // 3-mer reference site, e.g. "TCG"; middle base mutates
	Alt      []string // alt nucleotide for that context
	Weights  []float64
}

// SomaticCnvModel holds the CNV-event-class rates and length-distribution
// shape parameters.
type SomaticCnvModel struct {
	RateWGD  float64
	RateChr  float64
	RateArm  float64
	RateTel  float64
	RateFoc  float64
	GainProb float64
	LenExp   float64 // Pareto shape parameter alpha
	LenMin   int64   // minimum absolute event length, in bp
}

// classWeights returns the wgd/chr/arm/tel/foc selection weights in a fixed
// order matching the class switch in GenerateSomaticVariants.
func (m SomaticCnvModel) classWeights() []float64 {
	return []float64{m.RateWGD, m.RateChr, m.RateArm, m.RateTel, m.RateFoc}
}

// VariantStore keeps every generated SNV and CNV, plus the mapping from
// genome segment copies to the SNVs they carry.
type VariantStore struct {
	snvByID      map[int]Snv
	cnvByID      map[int]Cnv
	segmentVars  map[genome.SegmentID][]int
	snvsByChrPos map[string]map[int64][]int
}

// NewVariantStore returns an empty VariantStore.
func NewVariantStore() *VariantStore {
	return &VariantStore{
		snvByID:     make(map[int]Snv),
		cnvByID:     make(map[int]Cnv),
		segmentVars: make(map[genome.SegmentID][]int),
	}
}

// AssignSomaticMutationType assigns each mutation's IsSnv/IsCnv flags,
// drawing CNV type with probability ratioCnv. It returns the number of CNV
// mutations assigned.
func AssignSomaticMutationType(mutations []Mutation, ratioCnv float64, rng *rand.Rand) int {
	nCnv := 0
	for i := range mutations {
		mutations[i].ID = i
		if rng.Float64() < ratioCnv {
			mutations[i].IsCnv = true
			nCnv++
		} else {
			mutations[i].IsSnv = true
		}
	}
	return nCnv
}

// globalOffsets returns each chromosome's cumulative genome-wide base
// offset, in ref.Chromosomes() order — the same order NewInMemoryReference
// used to build its own offsets, so chr-local positions from
// PositionsByBase/PositionsByTrinucleotide can be translated to global
// coordinates consistently.
func globalOffsets(ref refio.GenomeReference) map[string]int64 {
	offsets := make(map[string]int64)
	var cursor int64
	for _, chr := range ref.Chromosomes() {
		offsets[chr] = cursor
		cursor += ref.ChrLength(chr)
	}
	return offsets
}

// flattenPositions turns a chr -> []pos map into a single slice of global
// positions, in chromosome order, for uniform random selection.
func flattenPositions(byChr map[string][]int64, offsets map[string]int64, chrOrder []string) []int64 {
	var out []int64
	for _, chr := range chrOrder {
		base := offsets[chr]
		for _, p := range byChr[chr] {
			out = append(out, base+p)
		}
	}
	return out
}

// GenerateGermlineVariants creates n germline SNVs against ref, picking loci
// weighted by model's per-nucleotide substitution rates. IDs run -n, -n+1,
// ..., -1. Each variant is heterozygous with probability 1-rateHom. Under
// infiniteSites, a position already mutated is re-drawn.
func (vs *VariantStore) GenerateGermlineVariants(n int, ref refio.GenomeReference, model GermlineSubstitutionModel, rateHom float64, rng *rand.Rand, infiniteSites bool) error {
	chrOrder := ref.Chromosomes()
	offsets := globalOffsets(ref)
	rowWeights := model.rowWeights()

	posByBucket := make([][]int64, 4)
	for i, nuc := range nucleotides {
		posByBucket[i] = flattenPositions(ref.PositionsByBase(nuc), offsets, chrOrder)
	}

	seen := vs.mutatedLoci(offsets)
	idNext := -n
	for i := 0; i < n; i++ {
		idxBucket := genome.WeightedIndex(rowWeights, rng.Float64())
		bucket := posByBucket[idxBucket]
		if len(bucket) == 0 {
			return errors.Errorf("vario: no reference positions for nucleotide %c", nucleotides[idxBucket])
		}
		pos := bucket[rng.Intn(len(bucket))]
		if infiniteSites {
			pos = redrawWhileSeen(pos, seen, func() int64 { return bucket[rng.Intn(len(bucket))] })
			seen[pos] = true
		}
		chr, localPos := ref.GetLocusByGlobalPos(pos)
		altIdx := model.mutateSite(idxBucket, rng.Float64())

		v := Snv{
			IDStr:       fmt.Sprintf("g%d", i),
			Chr:         chr,
			Pos:         localPos,
			RefAllele:   string(nucleotides[idxBucket]),
			AltAllele:   string(nucleotides[altIdx]),
			IsSomatic:   false,
			IsHet:       rng.Float64() > rateHom,
			IdxMutation: idNext,
		}
		vs.snvByID[idNext] = v
		idNext++
	}
	if idNext != 0 {
		log.Panicf("vario: GenerateGermlineVariants: minted %d germline SNVs, expected %d", idNext+n, n)
	}
	return nil
}

// maxRedraws bounds infinite-sites position redraws; past it the assumption
// is relaxed with a warning rather than looping on a saturated bucket.
const maxRedraws = 100

// mutatedLoci returns the genome-global position of every SNV already in the
// store, so a later generator call can honor infinite sites across both the
// germline and somatic passes.
func (vs *VariantStore) mutatedLoci(offsets map[string]int64) map[int64]bool {
	out := make(map[int64]bool, len(vs.snvByID))
	for _, v := range vs.snvByID {
		out[offsets[v.Chr]+v.Pos] = true
	}
	return out
}

// redrawWhileSeen re-draws pos until it leaves seen, giving up after
// maxRedraws attempts.
func redrawWhileSeen(pos int64, seen map[int64]bool, draw func() int64) int64 {
	for i := 0; seen[pos]; i++ {
		if i == maxRedraws {
			log.Printf("vario: infinite sites: locus %d still colliding after %d redraws, keeping it", pos, maxRedraws)
			break
		}
		log.Debug.Printf("vario: infinite sites: locus %d mutated before, redrawing", pos)
		pos = draw()
	}
	return pos
}

// boundedPareto draws from a Pareto(alpha) distribution truncated to
// [xmin, xmax] via inverse-CDF sampling applied to a uniform(0,1) draw.
func boundedPareto(alpha, xmin, xmax, u float64) float64 {
	if xmin <= 0 {
		xmin = 1e-9
	}
	if xmax < xmin {
		xmax = xmin
	}
	ratio := 1 - math.Pow(xmin/xmax, alpha)
	return xmin / math.Pow(1-u*ratio, 1/alpha)
}

// GenerateSomaticVariants partitions mutations into SNV and CNV events and
// generates their loci/parameters. SNVs use a trinucleotide context model;
// CNVs pick an event class, chromosome, length, direction and gain/loss
// outcome.
func (vs *VariantStore) GenerateSomaticVariants(mutations []Mutation, ref refio.GenomeReference, modelSNV SomaticSubstitutionModel, modelCNV SomaticCnvModel, rng *rand.Rand, infiniteSites bool) error {
	chrOrder := ref.Chromosomes()
	offsets := globalOffsets(ref)

	posByCtx := make(map[string][]int64, len(modelSNV.Contexts))
	for _, ctx := range modelSNV.Contexts {
		if _, ok := posByCtx[ctx]; ok {
			continue
		}
		posByCtx[ctx] = flattenPositions(ref.PositionsByTrinucleotide(ctx), offsets, chrOrder)
	}

	chrLenWeights := make([]float64, len(chrOrder))
	for i, chr := range chrOrder {
		chrLenWeights[i] = float64(ref.ChrLength(chr))
	}
	classWeights := modelCNV.classWeights()

	seen := vs.mutatedLoci(offsets)
	for _, m := range mutations {
		switch {
		case m.IsSnv:
			iSub := genome.WeightedIndex(modelSNV.Weights, rng.Float64())
			ctx := modelSNV.Contexts[iSub]
			altNuc := modelSNV.Alt[iSub]
			refNuc := ctx[1:2]
			bucket := posByCtx[ctx]
			if len(bucket) == 0 {
				return errors.Errorf("vario: no reference sites for trinucleotide context %q", ctx)
			}
			pos := bucket[rng.Intn(len(bucket))] + 1 // the mutated base is the 3-mer's middle position
			if infiniteSites {
				pos = redrawWhileSeen(pos, seen, func() int64 { return bucket[rng.Intn(len(bucket))] + 1 })
				seen[pos] = true
			}
			chr, localPos := ref.GetLocusByGlobalPos(pos)
			vs.snvByID[m.ID] = Snv{
				IDStr:       fmt.Sprintf("s%d", m.ID),
				Chr:         chr,
				Pos:         localPos,
				RefAllele:   refNuc,
				AltAllele:   altNuc,
				IsSomatic:   true,
				IdxMutation: m.ID,
			}
		case m.IsCnv:
			idxType := genome.WeightedIndex(classWeights, rng.Float64())
			idxChr := genome.WeightedIndex(chrLenWeights, rng.Float64())
			refChr := chrOrder[idxChr]
			minLenRel := float64(modelCNV.LenMin) / float64(ref.ChrLength(refChr))

			cnv := Cnv{RefChr: refChr}
			cnv.LenRel = boundedPareto(modelCNV.LenExp, minLenRel, 1.0, rng.Float64())
			cnv.IsForward = rng.Float64() <= 0.5
			cnv.IsDeletion = rng.Float64() > modelCNV.GainProb

			switch idxType {
			case 0:
				cnv.IsWGD = true
			case 1:
				cnv.IsChrWide = true
			case 2: // arm-level: anchored at the (unmodeled) centromere
				cnv.StartRel = 0.5
				cnv.LenRel = 0.5
			case 3: // telomeric
				cnv.IsTelomeric = true
				if cnv.IsForward {
					cnv.StartRel = 1 - cnv.LenRel
				} else {
					cnv.StartRel = cnv.LenRel
				}
			case 4: // focal
				cnv.StartRel = rng.Float64()
				if cnv.IsForward {
					cnv.StartRel = minFloat(cnv.StartRel, 1.0-cnv.LenRel)
				} else {
					cnv.StartRel = maxFloat(cnv.StartRel, cnv.LenRel)
				}
			}
			vs.cnvByID[m.ID] = cnv
		default:
			return errors.Errorf("vario: mutation %d is neither SNV nor CNV", m.ID)
		}
	}

	vs.IndexSnvs()
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// IndexSnvs rebuilds snvsByChrPos from snvByID, returning the number of SNVs
// indexed.
func (vs *VariantStore) IndexSnvs() int {
	vs.snvsByChrPos = make(map[string]map[int64][]int)
	n := 0
	for id, v := range vs.snvByID {
		if vs.snvsByChrPos[v.Chr] == nil {
			vs.snvsByChrPos[v.Chr] = make(map[int64][]int)
		}
		vs.snvsByChrPos[v.Chr][v.Pos] = append(vs.snvsByChrPos[v.Chr][v.Pos], id)
		n++
	}
	return n
}

// ApplyGermlineVariants introduces every germline SNV into g: heterozygous
// variants mutate one randomly chosen overlapping segment copy, homozygous
// variants mutate all of them.
func (vs *VariantStore) ApplyGermlineVariants(g *genome.GenomeInstance, rng *rand.Rand) error {
	for id, v := range vs.snvByID {
		if v.IsSomatic {
			continue
		}
		avail := g.GetSegmentCopiesAt(v.Chr, v.Pos)
		if len(avail) == 0 {
			log.Debug.Printf("vario: ApplyGermlineVariants: no locus %s:%d for germline SNV %d", v.Chr, v.Pos, id)
			continue
		}
		var targets []genome.SegmentCopy
		if v.IsHet {
			targets = []genome.SegmentCopy{avail[rng.Intn(len(avail))]}
		} else {
			targets = avail
		}
		for _, sc := range targets {
			vs.segmentVars[sc.ID] = append(vs.segmentVars[sc.ID], id)
		}
	}
	return nil
}

// ApplyMutation applies a single somatic mutation to g: an SNV mutates one
// randomly chosen overlapping segment copy; a CNV routes to WGD, whole
// chromosome, or region-level amplify/delete on g, then transfers the
// mutated segments' SNVs onto their descendants.
func (vs *VariantStore) ApplyMutation(m Mutation, g *genome.GenomeInstance, rng *rand.Rand) error {
	if m.IsSnv == m.IsCnv {
		log.Panicf("vario: ApplyMutation: mutation %d has is_snv=%v is_cnv=%v", m.ID, m.IsSnv, m.IsCnv)
	}

	if m.IsSnv {
		snv, ok := vs.snvByID[m.ID]
		if !ok {
			log.Panicf("vario: ApplyMutation: unknown SNV mutation id %d", m.ID)
		}
		targets := g.GetSegmentCopiesAt(snv.Chr, snv.Pos)
		if len(targets) == 0 {
			log.Printf("vario: ApplyMutation: SNV %d masked (no locus %s:%d)", m.ID, snv.Chr, snv.Pos)
			return nil
		}
		sc := targets[rng.Intn(len(targets))]
		vs.segmentVars[sc.ID] = append(vs.segmentVars[sc.ID], m.ID)
		return nil
	}

	cnv, ok := vs.cnvByID[m.ID]
	if !ok {
		log.Panicf("vario: ApplyMutation: unknown CNV mutation id %d", m.ID)
	}

	if cnv.IsWGD {
		vs.TransferMutations(g.Duplicate())
		return nil
	}

	insts := g.Instances(cnv.RefChr)
	if len(insts) == 0 {
		log.Printf("vario: ApplyMutation: CNV %d addresses %s with zero instances, skipping", m.ID, cnv.RefChr)
		return nil
	}
	lens := make([]float64, len(insts))
	for i, inst := range insts {
		lens[i] = float64(inst.Length())
	}
	idx := genome.WeightedIndex(lens, rng.Float64())
	inst := insts[idx]

	switch {
	case cnv.IsChrWide && cnv.IsDeletion:
		g.DeleteChromosome(cnv.RefChr, idx)
	case cnv.IsChrWide:
		vs.TransferMutations(g.CopyChromosomeInstance(cnv.RefChr, idx))
	case cnv.IsDeletion:
		vs.TransferMutations(g.DeleteRegion(inst, cnv.StartRel, cnv.LenRel, cnv.IsForward, cnv.IsTelomeric))
	default:
		vs.TransferMutations(g.AmplifyRegion(inst, cnv.StartRel, cnv.LenRel, cnv.IsForward, cnv.IsTelomeric))
	}
	return nil
}

// TransferMutations copies, for each Modification, every SNV of the source
// segment copy whose position falls in [SrcStart, SrcEnd) onto the new
// segment copy.
func (vs *VariantStore) TransferMutations(mods []genome.Modification) {
	for _, mod := range mods {
		srcVars, ok := vs.segmentVars[mod.Src]
		if !ok {
			continue
		}
		var newVars []int
		for _, id := range srcVars {
			v := vs.snvByID[id]
			if v.Pos >= mod.SrcStart && v.Pos < mod.SrcEnd {
				newVars = append(newVars, id)
			}
		}
		if len(newVars) > 0 {
			vs.segmentVars[mod.New] = append(vs.segmentVars[mod.New], newVars...)
		}
	}
}

// GetSnvsForSegmentCopy returns every SNV the store associates with segID,
// indexed by reference position. If posRange is given, only SNVs with
// posRange[0] <= pos <= posRange[1] are returned.
func (vs *VariantStore) GetSnvsForSegmentCopy(segID genome.SegmentID, posRange ...[2]int64) map[int64][]Snv {
	out := make(map[int64][]Snv)
	ids, ok := vs.segmentVars[segID]
	if !ok {
		return out
	}
	var lo, hi int64 = 0, -1
	restrict := len(posRange) > 0
	if restrict {
		lo, hi = posRange[0][0], posRange[0][1]
	}
	for _, id := range ids {
		v := vs.snvByID[id]
		if restrict && (v.Pos < lo || v.Pos > hi) {
			continue
		}
		out[v.Pos] = append(out[v.Pos], v)
	}
	return out
}

// SnvsInRange returns every indexed SNV (germline or somatic) on chr whose
// position falls in [start, end), sorted by position. Only SNVs present in
// the store at the last IndexSnvs call appear here. GenerateSomaticVariants
// calls IndexSnvs (indexing every SNV stored so far, germline included);
// GenerateGermlineVariants does not.
func (vs *VariantStore) SnvsInRange(chr string, start, end int64) []Snv {
	var out []Snv
	for pos, ids := range vs.snvsByChrPos[chr] {
		if pos < start || pos >= end {
			continue
		}
		for _, id := range ids {
			out = append(out, vs.snvByID[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}

// AddSnv registers an already-built Snv in the store under id, for callers
// that construct or import variants directly rather than through
// GenerateGermlineVariants/GenerateSomaticVariants.
func (vs *VariantStore) AddSnv(id int, v Snv) {
	vs.snvByID[id] = v
}

// MarkSegmentCarries records that segID's variant list includes mutationID,
// the same update ApplyMutation and ApplyGermlineVariants make.
func (vs *VariantStore) MarkSegmentCarries(segID genome.SegmentID, mutationID int) {
	vs.segmentVars[segID] = append(vs.segmentVars[segID], mutationID)
}

// CarriesSNV reports whether segID's variant list names mutationID.
func (vs *VariantStore) CarriesSNV(segID genome.SegmentID, mutationID int) bool {
	for _, id := range vs.segmentVars[segID] {
		if id == mutationID {
			return true
		}
	}
	return false
}

// SomaticSnvs returns every somatic SNV in the store.
func (vs *VariantStore) SomaticSnvs() []Snv {
	var out []Snv
	for _, v := range vs.snvByID {
		if v.IsSomatic {
			out = append(out, v)
		}
	}
	return out
}

// GermlineSnvs returns every germline SNV in the store.
func (vs *VariantStore) GermlineSnvs() []Snv {
	var out []Snv
	for _, v := range vs.snvByID {
		if !v.IsSomatic {
			out = append(out, v)
		}
	}
	return out
}

// Cnvs returns every CNV event known to the store, keyed by mutation id.
func (vs *VariantStore) Cnvs() map[int]Cnv {
	return vs.cnvByID
}

// WriteGermlineSnvsToVCF writes every germline SNV as a single-sample VCF,
// one contig line per reference chromosome. Germline variants are shared by
// every clone, so this is written once per run, not per sample.
func (vs *VariantStore) WriteGermlineSnvsToVCF(w io.Writer, ref refio.GenomeReference) (int, error) {
	var b strings.Builder
	b.WriteString("##fileformat=VCFv4.2\n")
	for _, chr := range ref.Chromosomes() {
		fmt.Fprintf(&b, "##contig=<ID=%s,length=%d>\n", chr, ref.ChrLength(chr))
	}
	b.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tgermline\n")

	vars := vs.GermlineSnvs()
	sort.Slice(vars, func(i, j int) bool {
		if vars[i].Chr != vars[j].Chr {
			return vars[i].Chr < vars[j].Chr
		}
		return vars[i].Pos < vars[j].Pos
	})
	for _, v := range vars {
		gt := "0/1"
		if !v.IsHet {
			gt = "1/1"
		}
		fmt.Fprintf(&b, "%s\t%d\t%s\t%s\t%s\t.\tPASS\t.\tGT\t%s\n",
			v.Chr, v.Pos+1, v.IDStr, v.RefAllele, v.AltAllele, gt)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return 0, errors.Wrap(err, "vario: writing germline VCF")
	}
	return len(vars), nil
}

// WriteCNVsToFile writes every CNV mutation as a tab-separated line
// (id, event class, chromosome, start_rel, direction, len_rel, is_deletion).
func (vs *VariantStore) WriteCNVsToFile(w io.Writer) (int, error) {
	var b strings.Builder
	b.WriteString("id_cnv\tclass\tchr\tstart_rel\tdirection\tlen_rel\tis_deletion\n")
	ids := make([]int, 0, len(vs.cnvByID))
	for id := range vs.cnvByID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		cnv := vs.cnvByID[id]
		class := cnvClass(cnv)
		dir := "fwd"
		if !cnv.IsForward {
			dir = "rev"
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\t%.6f\t%s\t%.6f\t%v\n", id, class, cnv.RefChr, cnv.StartRel, dir, cnv.LenRel, cnv.IsDeletion)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return 0, errors.Wrap(err, "vario: writing CNV BED")
	}
	return len(ids), nil
}

func cnvClass(cnv Cnv) string {
	switch {
	case cnv.IsWGD:
		return "wgd"
	case cnv.IsChrWide:
		return "chr"
	case cnv.IsTelomeric:
		return "tel"
	case cnv.StartRel == 0.5 && cnv.LenRel == 0.5:
		return "arm"
	default:
		return "foc"
	}
}
