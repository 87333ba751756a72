// Package rcsim implements the direct read-count simulator: given a
// sample's copy-number profile and somatic variant allele fractions, it
// draws per-locus read depths without invoking an external aligner/read
// simulator. NegativeBinomial is realized as a Gamma-Poisson mixture via
// gonum.org/v1/gonum/stat/distuv, which has no native NegativeBinomial.
package rcsim

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/hdetering/tumgenomsim/cn"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/hdetering/tumgenomsim/segmap"
	"github.com/hdetering/tumgenomsim/vario"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// nucleotides is the fixed A,C,G,T index order, matching vario's.
var nucleotides = [4]byte{'A', 'C', 'G', 'T'}

func nucIndex(b byte) int {
	for i, n := range nucleotides {
		if n == b {
			return i
		}
	}
	return -1
}

// Opts configures the direct read-count simulator.
type Opts struct {
	TargetCvg float64
	SeqDisp   float64 // NegativeBinomial dispersion; <=0 means plain Poisson
	SeqErr    float64 // per-base sequencing error rate; <=0 disables errors
	MinRC     int     // minimum alt count to report a site

	// SumCollidingLoci controls what happens when two somatic SNVs share a
	// reference position (an infinite-sites violation). Default false: the
	// later SNV's draw overwrites the earlier one's counts. True instead
	// accumulates the colliding draws into one locus.
	SumCollidingLoci bool
}

type locusKey struct {
	chr string
	pos int64
}

// Locus accumulates per-nucleotide read counts at one (chr, pos), plus the
// somatic mutation ids (if any) whose generation touched it.
type Locus struct {
	Chr        string
	Pos        int64
	RefIdx     int // index into nucleotides of the reference base, set when the locus is created
	Counts     [4]int64
	VariantIDs []int
}

// Simulate draws, for every somatic SNV with a known VAF, a total depth
// rc_total ~ NegBinomial(cn-adjusted coverage, SeqDisp) and an alt depth
// rc_alt ~ Binomial(rc_total, vaf); then overlays Poisson-distributed
// sequencing errors across the whole reference.
func Simulate(store *vario.VariantStore, sampleCN *segmap.ByChr[genome.AlleleSpecificCN], vafs map[int]float64, ref refio.GenomeReference, opts Opts, rng *rand.Rand) map[string]*Locus {
	loci := make(map[locusKey]*Locus)

	genomeLenAbs := float64(cn.GenomeLenAbs(sampleCN))
	if genomeLenAbs <= 0 {
		log.Error.Printf("rcsim: Simulate: sample genome_len_abs is zero, skipping")
		return exportLoci(loci)
	}
	cvgPerCopy := opts.TargetCvg * float64(ref.Length()) / genomeLenAbs

	for _, snv := range store.SomaticSnvs() {
		vaf, ok := vafs[snv.IdxMutation]
		if !ok {
			continue
		}
		cnTotal := sampleCN.At(snv.Chr, snv.Pos).Total()
		if cnTotal <= 0 {
			log.Debug.Printf("rcsim: locus %s:%d has zero copy number, skipping", snv.Chr, snv.Pos)
			continue
		}
		refIdx, altIdx := nucIndex(snv.RefAllele[0]), nucIndex(snv.AltAllele[0])
		if refIdx < 0 || altIdx < 0 {
			log.Error.Printf("rcsim: SNV %d has non-ACGT allele %s/%s, skipping", snv.IdxMutation, snv.RefAllele, snv.AltAllele)
			continue
		}

		expectedCvg := cnTotal * cvgPerCopy
		rcTotal := negBinomial(expectedCvg, opts.SeqDisp, rng)
		rcAlt := binomial(rcTotal, vaf, rng)

		key := locusKey{snv.Chr, snv.Pos}
		l, ok := loci[key]
		if !ok {
			l = &Locus{Chr: snv.Chr, Pos: snv.Pos, RefIdx: refIdx}
			loci[key] = l
		}
		if !opts.SumCollidingLoci {
			l.Counts = [4]int64{}
			l.RefIdx = refIdx
		}
		l.Counts[refIdx] += int64(rcTotal - rcAlt)
		l.Counts[altIdx] += int64(rcAlt)
		l.VariantIDs = append(l.VariantIDs, snv.IdxMutation)
	}

	simulateSequencingErrors(loci, ref, sampleCN, cvgPerCopy, opts, rng)
	return exportLoci(loci)
}

// exportLoci re-keys the internal locusKey map to a string key ("chr:pos")
// so callers outside the package never need locusKey.
func exportLoci(loci map[locusKey]*Locus) map[string]*Locus {
	out := make(map[string]*Locus, len(loci))
	for k, v := range loci {
		out[fmt.Sprintf("%s:%d", k.chr, k.pos)] = v
	}
	return out
}

// negBinomial draws an integer realization of NegativeBinomial(mean,
// dispersion) via a Gamma-Poisson mixture: lambda ~ Gamma(1/dispersion,
// rate=1/(mean*dispersion)), n ~ Poisson(lambda). dispersion<=0 skips the
// Gamma stage and draws directly from Poisson(mean).
func negBinomial(mean, dispersion float64, rng *rand.Rand) int {
	if mean <= 0 {
		return 0
	}
	lambda := mean
	if dispersion > 0 {
		shape := 1 / dispersion
		rate := 1 / (mean * dispersion)
		lambda = distuv.Gamma{Alpha: shape, Beta: rate, Src: rng}.Rand()
	}
	n := distuv.Poisson{Lambda: lambda, Src: rng}.Rand()
	return int(math.Round(n))
}

func binomial(n int, p float64, rng *rand.Rand) int {
	if n <= 0 || p <= 0 {
		return 0
	}
	if p >= 1 {
		return n
	}
	k := distuv.Binomial{N: float64(n), P: p, Src: rng}.Rand()
	return int(math.Round(k))
}

// simulateSequencingErrors draws n_err ~ Poisson(ref_len*seq_err*target_cvg)
// uniform-position errors. Each error decrements a weighted-random allele at
// its locus (seeding the locus's reference-allele coverage on first touch)
// and increments a randomly shifted neighbor nucleotide.
func simulateSequencingErrors(loci map[locusKey]*Locus, ref refio.GenomeReference, sampleCN *segmap.ByChr[genome.AlleleSpecificCN], cvgPerCopy float64, opts Opts, rng *rand.Rand) {
	if opts.SeqErr <= 0 {
		return
	}
	meanErrs := float64(ref.Length()) * opts.SeqErr * opts.TargetCvg
	nErr := int(math.Round(distuv.Poisson{Lambda: meanErrs, Src: rng}.Rand()))

	for i := 0; i < nErr; i++ {
		chr, pos := randomLocus(ref, rng)
		if chr == "" {
			continue
		}
		key := locusKey{chr, pos}
		l, ok := loci[key]
		if !ok {
			seq, err := ref.GetSequence(chr, pos, pos+1)
			if err != nil || len(seq) == 0 {
				log.Debug.Printf("rcsim: sequencing error: no reference base at %s:%d, skipping", chr, pos)
				continue
			}
			refIdx := nucIndex(strings.ToUpper(seq)[0])
			if refIdx < 0 {
				continue
			}
			cnTotal := sampleCN.At(chr, pos).Total()
			l = &Locus{Chr: chr, Pos: pos, RefIdx: refIdx}
			l.Counts[refIdx] = int64(negBinomial(cnTotal*cvgPerCopy, opts.SeqDisp, rng))
			loci[key] = l
		}

		weights := make([]float64, 4)
		for j, c := range l.Counts {
			weights[j] = float64(c)
		}
		decIdx := genome.WeightedIndex(weights, rng.Float64())
		if l.Counts[decIdx] <= 0 {
			continue
		}
		l.Counts[decIdx]--
		shift := 1 + rng.Intn(3)
		incIdx := (decIdx + shift) % 4
		l.Counts[incIdx]++
	}
}

func randomLocus(ref refio.GenomeReference, rng *rand.Rand) (string, int64) {
	total := ref.Length()
	if total <= 0 {
		return "", 0
	}
	pos := int64(rng.Float64() * float64(total))
	if pos >= total {
		pos = total - 1
	}
	return ref.GetLocusByGlobalPos(pos)
}

// WriteVCF writes loci as a VCFv4.1 text stream: one line per site where
// some alt allele count reaches minRC, 1-based positions, ID set to the
// comma-joined somatic mutation ids observed there.
func WriteVCF(w io.Writer, loci map[string]*Locus, minRC int) (int, error) {
	keys := make([]string, 0, len(loci))
	for k := range loci {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := loci[keys[i]], loci[keys[j]]
		if li.Chr != lj.Chr {
			return li.Chr < lj.Chr
		}
		return li.Pos < lj.Pos
	})

	var b strings.Builder
	b.WriteString("##fileformat=VCFv4.1\n")
	b.WriteString("##INFO=<ID=DP,Number=1,Type=Integer,Description=\"Total read depth\">\n")
	b.WriteString("##INFO=<ID=AC,Number=A,Type=Integer,Description=\"Alt allele read counts\">\n")
	b.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n")

	n := 0
	for _, k := range keys {
		l := loci[k]
		if l.RefIdx < 0 {
			continue
		}
		var dp int64
		for _, c := range l.Counts {
			dp += c
		}
		var alts, acs []string
		var maxAlt int64
		for i, c := range l.Counts {
			if i == l.RefIdx || c == 0 {
				continue
			}
			alts = append(alts, string(nucleotides[i]))
			acs = append(acs, strconv.FormatInt(c, 10))
			if c > maxAlt {
				maxAlt = c
			}
		}
		if len(alts) == 0 || maxAlt < int64(minRC) {
			continue
		}
		id := "."
		if len(l.VariantIDs) > 0 {
			ids := make([]string, len(l.VariantIDs))
			for i, v := range l.VariantIDs {
				ids[i] = strconv.Itoa(v)
			}
			id = strings.Join(ids, ",")
		}
		fmt.Fprintf(&b, "%s\t%d\t%s\t%c\t%s\t.\tPASS\tDP=%d;AC=%s\n",
			l.Chr, l.Pos+1, id, nucleotides[l.RefIdx], strings.Join(alts, ","), dp, strings.Join(acs, ","))
		n++
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return 0, errors.Wrap(err, "rcsim: writing read-count VCF")
	}
	return n, nil
}
