// Package refio defines the interfaces the bulk-sample generator expects
// its external collaborators to satisfy: a reference genome reader and a
// sample/clone weight matrix. It also provides a small in-memory
// GenomeReference implementation over encoding/fasta, useful for tests and
// the cmd/bulkgen demo; a production FASTA reader or clone-tree builder is
// expected to supply its own.
package refio

import (
	"sort"
	"strings"

	"github.com/hdetering/tumgenomsim/encoding/fasta"
	"github.com/pkg/errors"
)

// GenomeReference is the reference-genome contract the generator consumes.
// An external FASTA reader is expected to implement it.
type GenomeReference interface {
	// Length returns the total reference length across all chromosomes.
	Length() int64
	// Chromosomes returns chromosome ids in a stable order.
	Chromosomes() []string
	// ChrLength returns the length of a single chromosome.
	ChrLength(chr string) int64
	// GetLocusByGlobalPos maps an absolute genome-wide position to a
	// (chromosome, local offset) pair.
	GetLocusByGlobalPos(pos int64) (chr string, localStart int64)
	// GetSequence returns the reference subsequence [start, end) of chr.
	GetSequence(chr string, start, end int64) (string, error)
	// PositionsByBase returns every chr-local reference position whose
	// base is the given nucleotide, keyed by chromosome. Callers add each
	// chromosome's global offset themselves.
	PositionsByBase(base byte) map[string][]int64
	// PositionsByTrinucleotide returns every chr-local position p such
	// that GetSequence(chr, p, p+3) == ctx, keyed by chromosome. The
	// mutated base is defined to be at p+1.
	PositionsByTrinucleotide(ctx string) map[string][]int64
}

// SampleWeights maps sample id to clone id to mixing weight. Per-sample
// weights must sum to 1.
type SampleWeights map[string]map[string]float64

// Validate checks that every sample's weights sum to ~1 and are all in
// [0,1].
func (w SampleWeights) Validate(tol float64) error {
	for sample, clones := range w {
		var sum float64
		for clone, weight := range clones {
			if weight < 0 || weight > 1 {
				return errors.Errorf("refio: sample %q clone %q weight %v out of [0,1]", sample, clone, weight)
			}
			sum += weight
		}
		if d := sum - 1.0; d > tol || d < -tol {
			return errors.Errorf("refio: sample %q weights sum to %v, want 1", sample, sum)
		}
	}
	return nil
}

// inMemoryReference adapts a fasta.Fasta into a GenomeReference by eagerly
// indexing nucleotide and trinucleotide positions.
type inMemoryReference struct {
	f        fasta.Fasta
	names    []string
	lengths  map[string]int64
	offsets  map[string]int64 // chr -> global offset
	total    int64
	byBase   map[byte]map[string][]int64
	byTrinuc map[string]map[string][]int64
}

// NewInMemoryReference builds a GenomeReference from an already-parsed
// fasta.Fasta, indexing every nucleotide and 3-mer position up front. This
// trades memory for O(1) bucket lookups during variant generation.
func NewInMemoryReference(f fasta.Fasta) (GenomeReference, error) {
	r := &inMemoryReference{
		f:        f,
		names:    f.SeqNames(),
		lengths:  make(map[string]int64),
		offsets:  make(map[string]int64),
		byBase:   make(map[byte]map[string][]int64),
		byTrinuc: make(map[string]map[string][]int64),
	}
	for _, name := range r.names {
		length, err := f.Len(name)
		if err != nil {
			return nil, errors.Wrap(err, "refio: reading sequence length")
		}
		r.lengths[name] = int64(length)
		r.offsets[name] = r.total
		r.total += int64(length)

		seq, err := f.Get(name, 0, length)
		if err != nil {
			return nil, errors.Wrap(err, "refio: reading sequence")
		}
		seq = strings.ToUpper(seq)
		for pos := 0; pos < len(seq); pos++ {
			base := seq[pos]
			if r.byBase[base] == nil {
				r.byBase[base] = make(map[string][]int64)
			}
			r.byBase[base][name] = append(r.byBase[base][name], int64(pos))
			if pos+3 <= len(seq) {
				ctx := seq[pos : pos+3]
				if r.byTrinuc[ctx] == nil {
					r.byTrinuc[ctx] = make(map[string][]int64)
				}
				r.byTrinuc[ctx][name] = append(r.byTrinuc[ctx][name], int64(pos))
			}
		}
	}
	return r, nil
}

func (r *inMemoryReference) Length() int64          { return r.total }
func (r *inMemoryReference) Chromosomes() []string  { return r.names }
func (r *inMemoryReference) ChrLength(chr string) int64 { return r.lengths[chr] }

func (r *inMemoryReference) GetLocusByGlobalPos(pos int64) (string, int64) {
	idx := sort.Search(len(r.names), func(i int) bool {
		return r.offsets[r.names[i]] > pos
	}) - 1
	if idx < 0 {
		idx = 0
	}
	chr := r.names[idx]
	return chr, pos - r.offsets[chr]
}

func (r *inMemoryReference) GetSequence(chr string, start, end int64) (string, error) {
	if start < 0 || end < start {
		return "", errors.Errorf("refio: invalid range [%d,%d) for %s", start, end, chr)
	}
	return r.f.Get(chr, uint64(start), uint64(end))
}

func (r *inMemoryReference) PositionsByBase(base byte) map[string][]int64 {
	return r.byBase[base]
}

func (r *inMemoryReference) PositionsByTrinucleotide(ctx string) map[string][]int64 {
	return r.byTrinuc[strings.ToUpper(ctx)]
}
