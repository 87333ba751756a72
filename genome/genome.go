// Package genome implements per-clone genome instances: chromosomes made up
// of ordered segment copies that carry a reference interval and a stable
// identity separate from that interval. It supports the copy-number
// operations (whole-genome duplication, whole-chromosome gain/loss,
// region-level amplify/delete) that somatic CNV mutations apply, and folds
// a genome's segment layout into an allele-specific copy-number profile.
//
// A ChromosomeInstance owns its SegmentCopy values directly in a slice;
// anything that needs to refer to one later does so through the opaque
// SegmentID, never a pointer.
package genome

import (
	"fmt"
	"math"

	"github.com/grailbio/base/log"
	"github.com/hdetering/tumgenomsim/segmap"
)

// SegmentID uniquely identifies a SegmentCopy for the lifetime of a
// simulation run. IDs are minted by an IDAllocator and never reused.
type SegmentID int64

// Allele distinguishes the two parental haplotypes a ChromosomeInstance
// descends from. It is assigned at diploid initialization and inherited by
// every instance produced from it by duplication or copy-number gain.
type Allele uint8

const (
	AlleleA Allele = iota
	AlleleB
)

// IDAllocator mints unique SegmentIDs. A simulation run shares one
// allocator across every clone's GenomeInstance, since VariantStore indexes
// segment variants by SegmentID across the whole clone set.
type IDAllocator struct{ next SegmentID }

// Next returns a fresh, never-before-issued SegmentID.
func (a *IDAllocator) Next() SegmentID {
	a.next++
	return a.next
}

// SegmentCopy is one physical realization of a reference interval within a
// chromosome instance. Two segment copies may share a reference interval
// while remaining distinct (and carrying different mutations) if their IDs
// differ.
type SegmentCopy struct {
	ID               SegmentID
	RefChr           string
	RefStart, RefEnd int64
}

// Len returns the segment's length in reference base pairs.
func (s SegmentCopy) Len() int64 { return s.RefEnd - s.RefStart }

// Contains reports whether the reference position pos falls within the
// segment's half-open interval.
func (s SegmentCopy) Contains(pos int64) bool {
	return pos >= s.RefStart && pos < s.RefEnd
}

// ChromosomeInstance is one physical copy of a chromosome: an ordered,
// gapless tiling of segment copies.
type ChromosomeInstance struct {
	Allele   Allele
	Segments []SegmentCopy
}

// Length returns Σ(end-start) over the instance's segments.
func (c *ChromosomeInstance) Length() int64 {
	var n int64
	for _, s := range c.Segments {
		n += s.Len()
	}
	return n
}

// checkLength asserts that the instance's physical length equals the sum of
// its segment lengths. Since Length is computed on demand, this only guards
// against segments with RefStart >= RefEnd slipping into the slice.
func (c *ChromosomeInstance) checkLength() {
	for _, s := range c.Segments {
		if s.RefStart >= s.RefEnd {
			panic(fmt.Sprintf("genome: invariant violation: segment %d has non-positive length [%d,%d)", s.ID, s.RefStart, s.RefEnd))
		}
	}
}

// Modification records that SegmentID New was minted as a copy of SegmentID
// Src's reference interval [SrcStart, SrcEnd). VariantStore.TransferMutations
// consumes a list of these to propagate SNVs from source segment copies to
// the new copies produced by a CNV event.
type Modification struct {
	New              SegmentID
	Src              SegmentID
	SrcStart, SrcEnd int64
}

// GenomeInstance maps chromosome id to its ordered list of chromosome
// instances. The zero value is not usable; construct with New.
type GenomeInstance struct {
	chrs  map[string][]*ChromosomeInstance
	alloc *IDAllocator
}

// New returns an empty GenomeInstance backed by the given shared ID
// allocator.
func New(alloc *IDAllocator) *GenomeInstance {
	return &GenomeInstance{chrs: make(map[string][]*ChromosomeInstance), alloc: alloc}
}

// InitDiploid populates the genome with two chromosome instances per entry
// in chrLens (chromosome id to reference length), one on each parental
// allele, each instance containing a single segment spanning the whole
// chromosome.
func (g *GenomeInstance) InitDiploid(chrLens map[string]int64) {
	for chr, length := range chrLens {
		insts := make([]*ChromosomeInstance, 2)
		for i, allele := range []Allele{AlleleA, AlleleB} {
			insts[i] = &ChromosomeInstance{
				Allele: allele,
				Segments: []SegmentCopy{{
					ID:       g.alloc.Next(),
					RefChr:   chr,
					RefStart: 0,
					RefEnd:   length,
				}},
			}
		}
		g.chrs[chr] = insts
	}
}

// Chromosomes returns every chromosome id present in the genome, in no
// particular order.
func (g *GenomeInstance) Chromosomes() []string {
	out := make([]string, 0, len(g.chrs))
	for k := range g.chrs {
		out = append(out, k)
	}
	return out
}

// Instances returns the chromosome instances for chr.
func (g *GenomeInstance) Instances(chr string) []*ChromosomeInstance {
	return g.chrs[chr]
}

// Duplicate performs whole-genome duplication: every existing chromosome
// instance is copied verbatim (new SegmentIDs, identical reference
// intervals and allele), and the copy is appended to its chromosome's
// instance list. It returns one Modification per pre-existing segment copy.
func (g *GenomeInstance) Duplicate() []Modification {
	var mods []Modification
	for chr, insts := range g.chrs {
		orig := append([]*ChromosomeInstance(nil), insts...)
		for _, inst := range orig {
			newInst := &ChromosomeInstance{Allele: inst.Allele}
			for _, seg := range inst.Segments {
				newID := g.alloc.Next()
				newInst.Segments = append(newInst.Segments, SegmentCopy{
					ID: newID, RefChr: seg.RefChr, RefStart: seg.RefStart, RefEnd: seg.RefEnd,
				})
				mods = append(mods, Modification{New: newID, Src: seg.ID, SrcStart: seg.RefStart, SrcEnd: seg.RefEnd})
			}
			newInst.checkLength()
			g.chrs[chr] = append(g.chrs[chr], newInst)
		}
	}
	return mods
}

// CopyChromosomeInstance duplicates a single chromosome instance (used for
// whole-chromosome gain), appending the copy to the chromosome's instance
// list and returning one Modification per segment copied.
func (g *GenomeInstance) CopyChromosomeInstance(chr string, idx int) []Modification {
	insts := g.chrs[chr]
	if idx < 0 || idx >= len(insts) {
		log.Error.Printf("genome: CopyChromosomeInstance: index %d out of range for %s (%d instances)", idx, chr, len(insts))
		return nil
	}
	src := insts[idx]
	newInst := &ChromosomeInstance{Allele: src.Allele}
	var mods []Modification
	for _, seg := range src.Segments {
		newID := g.alloc.Next()
		newInst.Segments = append(newInst.Segments, SegmentCopy{
			ID: newID, RefChr: seg.RefChr, RefStart: seg.RefStart, RefEnd: seg.RefEnd,
		})
		mods = append(mods, Modification{New: newID, Src: seg.ID, SrcStart: seg.RefStart, SrcEnd: seg.RefEnd})
	}
	newInst.checkLength()
	g.chrs[chr] = append(g.chrs[chr], newInst)
	return mods
}

// DeleteChromosome drops the chromosome instance at idx from chr's list.
// Deletion is permitted unconditionally: there is no loss-of-heterozygosity
// safeguard, so deleting the last remaining instance of a chromosome is
// allowed and leaves the chromosome with zero instances.
func (g *GenomeInstance) DeleteChromosome(chr string, idx int) {
	insts := g.chrs[chr]
	if idx < 0 || idx >= len(insts) {
		log.Error.Printf("genome: DeleteChromosome: index %d out of range for %s (%d instances)", idx, chr, len(insts))
		return
	}
	g.chrs[chr] = append(insts[:idx], insts[idx+1:]...)
}

// GetSegmentCopiesAt returns every segment copy, across all instances of
// chr, whose reference interval contains refPos.
func (g *GenomeInstance) GetSegmentCopiesAt(chr string, refPos int64) []SegmentCopy {
	var out []SegmentCopy
	for _, inst := range g.chrs[chr] {
		for _, seg := range inst.Segments {
			if seg.Contains(refPos) {
				out = append(out, seg)
			}
		}
	}
	return out
}

// GetSegmentCopiesOverlapping returns every segment copy, across all
// instances of chr, whose reference interval overlaps [start, end). The
// alignment transformer uses this to find the copies a read pair's span
// could have been sequenced from.
func (g *GenomeInstance) GetSegmentCopiesOverlapping(chr string, start, end int64) []SegmentCopy {
	var out []SegmentCopy
	for _, inst := range g.chrs[chr] {
		for _, seg := range inst.Segments {
			if seg.RefStart < end && start < seg.RefEnd {
				out = append(out, seg)
			}
		}
	}
	return out
}

// AlleleSpecificCN is a pair of per-parental-haplotype copy number counts.
// Counts are continuous because sample-level profiles are weighted sums
// over clones.
type AlleleSpecificCN struct {
	CountA, CountB float64
}

// Total returns CountA + CountB, the locus's total copy number.
func (a AlleleSpecificCN) Total() float64 { return a.CountA + a.CountB }

// AddCN implements the additive merge AlleleSpecificCN needs for use as a
// segmap.Map value: (a,b)+(c,d) = (a+c, b+d).
func AddCN(a, b AlleleSpecificCN) AlleleSpecificCN {
	return AlleleSpecificCN{CountA: a.CountA + b.CountA, CountB: a.CountB + b.CountB}
}

// ScaleCN multiplies both haplotype counts by w, for use with
// segmap.ByChr.MergeWeighted.
func ScaleCN(v AlleleSpecificCN, w float64) AlleleSpecificCN {
	return AlleleSpecificCN{CountA: v.CountA * w, CountB: v.CountB * w}
}

// GetCopyNumberStateByChr folds the genome's segment layout into a
// per-chromosome interval map from reference position to AlleleSpecificCN,
// scaled by weight. Summing CountA+CountB at a locus gives the genome's
// total reference copy number there, times weight.
func (g *GenomeInstance) GetCopyNumberStateByChr(weight float64) *segmap.ByChr[AlleleSpecificCN] {
	out := segmap.NewByChr(AlleleSpecificCN{}, AddCN)
	for chr, insts := range g.chrs {
		for _, inst := range insts {
			var contribA, contribB float64
			if inst.Allele == AlleleA {
				contribA = weight
			} else {
				contribB = weight
			}
			for _, seg := range inst.Segments {
				out.Add(chr, seg.RefStart, seg.RefEnd, AlleleSpecificCN{CountA: contribA, CountB: contribB})
			}
		}
	}
	return out
}

// resolveSpan converts a relative, instance-local region descriptor into an
// absolute [start, end) instance-local base-pair span. lenRel and startRel
// are fractions of the instance's total length L.
//
// Telomeric events anchor to one end of the instance: forward anchors to
// the instance's terminal end, reverse to position 0, matching the
// start_rel of 1-lenRel (forward) or lenRel (reverse) that telomeric CNVs
// are generated with. Non-telomeric events
// anchor at startRel and extend forward (isForward) or backward from there.
// Spans are clamped to [0, L]; a span that rounds to zero length signals a
// no-op to the caller via start == end.
func resolveSpan(length int64, startRel, lenRel float64, isForward, isTelomeric bool) (start, end int64) {
	if length <= 0 {
		return 0, 0
	}
	lenAbs := int64(math.Round(lenRel * float64(length)))
	if lenAbs <= 0 {
		return 0, 0
	}
	if lenAbs > length {
		lenAbs = length
	}
	if isTelomeric {
		if isForward {
			return length - lenAbs, length
		}
		return 0, lenAbs
	}
	startAbs := int64(math.Round(startRel * float64(length)))
	if startAbs < 0 {
		startAbs = 0
	}
	if startAbs > length {
		startAbs = length
	}
	if isForward {
		end = startAbs + lenAbs
		if end > length {
			end = length
			startAbs = end - lenAbs
		}
		return startAbs, end
	}
	start = startAbs - lenAbs
	if start < 0 {
		start = 0
	}
	return start, startAbs
}

// segOverlap is the portion of a segment instance-local span overlapping a
// query instance-local span, expressed as the equivalent reference-genome
// sub-interval of the segment.
type segOverlap struct {
	segIdx           int
	refStart, refEnd int64
}

// overlapsInRefCoords walks inst's segments, computing each one's
// instance-local span from its cumulative offset, and returns the reference
// coordinates of the part of each segment overlapping [start, end)
// instance-local.
func overlapsInRefCoords(inst *ChromosomeInstance, start, end int64) []segOverlap {
	var out []segOverlap
	var cursor int64
	for i, seg := range inst.Segments {
		segStart, segEnd := cursor, cursor+seg.Len()
		cursor = segEnd
		lo, hi := segStart, segEnd
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		if lo >= hi {
			continue
		}
		refStart := seg.RefStart + (lo - segStart)
		refEnd := seg.RefStart + (hi - segStart)
		out = append(out, segOverlap{segIdx: i, refStart: refStart, refEnd: refEnd})
	}
	return out
}

// AmplifyRegion duplicates the instance-local region [startRel, startRel+-
// lenRel) (see resolveSpan) and inserts the copy after the last segment the
// region overlaps (isForward) or before the first one (!isForward).
// Segments are not split at the region's boundaries, so the copy sits
// directly next to the region only where the region ends (or starts) on a
// segment boundary. It returns one Modification per newly minted segment
// copy.
func (g *GenomeInstance) AmplifyRegion(inst *ChromosomeInstance, startRel, lenRel float64, isForward, isTelomeric bool) []Modification {
	start, end := resolveSpan(inst.Length(), startRel, lenRel, isForward, isTelomeric)
	if start >= end {
		log.Debug.Printf("genome: AmplifyRegion: zero-length region, no-op")
		return nil
	}
	overlaps := overlapsInRefCoords(inst, start, end)
	if len(overlaps) == 0 {
		return nil
	}
	var mods []Modification
	var newSegs []SegmentCopy
	for _, ov := range overlaps {
		src := inst.Segments[ov.segIdx]
		newID := g.alloc.Next()
		newSegs = append(newSegs, SegmentCopy{ID: newID, RefChr: src.RefChr, RefStart: ov.refStart, RefEnd: ov.refEnd})
		mods = append(mods, Modification{New: newID, Src: src.ID, SrcStart: ov.refStart, SrcEnd: ov.refEnd})
	}
	insertAt := overlaps[len(overlaps)-1].segIdx + 1
	if !isForward {
		insertAt = overlaps[0].segIdx
	}
	inst.Segments = append(inst.Segments[:insertAt], append(newSegs, inst.Segments[insertAt:]...)...)
	inst.checkLength()
	return mods
}

// DeleteRegion removes the instance-local region [startRel, startRel+-
// lenRel) (see resolveSpan). Segments fully contained in the region are
// dropped outright (any SNVs they carried become unreachable). Segments
// only partially overlapping the region are replaced by a new segment copy
// covering the surviving reference sub-interval, which transferMutations
// can use to carry over the variants that still apply. It returns one
// Modification per surviving partial segment.
func (g *GenomeInstance) DeleteRegion(inst *ChromosomeInstance, startRel, lenRel float64, isForward, isTelomeric bool) []Modification {
	start, end := resolveSpan(inst.Length(), startRel, lenRel, isForward, isTelomeric)
	if start >= end {
		log.Debug.Printf("genome: DeleteRegion: zero-length region, no-op")
		return nil
	}
	var mods []Modification
	var kept []SegmentCopy
	var cursor int64
	for _, seg := range inst.Segments {
		segStart, segEnd := cursor, cursor+seg.Len()
		cursor = segEnd
		switch {
		case segEnd <= start || segStart >= end:
			// Entirely outside the deleted region: unchanged.
			kept = append(kept, seg)
		case segStart >= start && segEnd <= end:
			// Entirely inside: dropped.
		default:
			// Partial overlap: keep the surviving reference sub-range(s) as
			// new segment copies.
			if segStart < start {
				newID := g.alloc.Next()
				refEnd := seg.RefStart + (start - segStart)
				kept = append(kept, SegmentCopy{ID: newID, RefChr: seg.RefChr, RefStart: seg.RefStart, RefEnd: refEnd})
				mods = append(mods, Modification{New: newID, Src: seg.ID, SrcStart: seg.RefStart, SrcEnd: refEnd})
			}
			if segEnd > end {
				newID := g.alloc.Next()
				refStart := seg.RefStart + (end - segStart)
				kept = append(kept, SegmentCopy{ID: newID, RefChr: seg.RefChr, RefStart: refStart, RefEnd: seg.RefEnd})
				mods = append(mods, Modification{New: newID, Src: seg.ID, SrcStart: refStart, SrcEnd: seg.RefEnd})
			}
		}
	}
	inst.Segments = kept
	if len(kept) > 0 {
		inst.checkLength()
	}
	return mods
}

// WeightedIndex picks an index into weights with probability proportional
// to its value, using u (expected uniform on [0,1)) as the draw. Zero or
// negative total weight returns 0. Chromosome-instance selection, the
// sequencing-error allele decrement, and the variant generators' nucleotide,
// context, CNV-class and chromosome choices all draw through this one
// helper; segment copies are picked uniformly by their callers instead.
func WeightedIndex(weights []float64, u float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	target := u * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return i
		}
	}
	return len(weights) - 1
}
