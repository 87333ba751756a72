// Package bamxform implements the alignment transformer: it consumes
// per-tile paired-read alignment files produced by an external short-read
// simulator and rewrites each pair's coordinates from tile-local to
// genome-global, spiking in somatic variants along the way. All record,
// header, and tag handling goes through github.com/biogo/hts/sam.
package bamxform

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/hts/sam"
	"github.com/grailbio/base/log"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/vario"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// rgLine formats one @RG header line; the clone doubles as read-group id
// and sample name, the bulk sample as library.
func rgLine(clone, sample string) string {
	return fmt.Sprintf("@RG\tID:%s\tSM:%s\tLB:%s\tPL:Illumina\tPU:HiSeq2500", clone, clone, sample)
}

// NewMergedHeader builds the output header for a sample's merged SAM file:
// one @SQ per global reference contig (in chrOrder) and one @RG per clone.
func NewMergedHeader(sample string, chrOrder []string, chrLens map[string]int64, clones []string) (*sam.Header, error) {
	refs := make([]*sam.Reference, len(chrOrder))
	for i, chr := range chrOrder {
		ref, err := sam.NewReference(chr, "", "", int(chrLens[chr]), nil, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "bamxform: building reference %s", chr)
		}
		refs[i] = ref
	}
	var text strings.Builder
	text.WriteString("@HD\tVN:1.5\tSO:unsorted\n")
	for _, clone := range clones {
		text.WriteString(rgLine(clone, sample))
		text.WriteString("\n")
	}
	h, err := sam.NewHeader([]byte(text.String()), refs)
	if err != nil {
		return nil, errors.Wrap(err, "bamxform: building merged header")
	}
	return h, nil
}

// tileRef describes how one tile-local reference id (named
// "<chr>_<start>_<end>_<padding>") maps onto the global genome:
// loMin/loMax bound the non-padded, tile-local coordinate range and
// offset translates a tile-local position into a global one.
type tileRef struct {
	globalChr string
	loMin     int64
	loMax     int64
	offset    int64
}

// parseTileRefName splits a tile contig id of the form "<chr>_<start>_<end>_<padding>"
// into its components. The chromosome name itself may contain underscores,
// so parsing works from the right.
func parseTileRefName(name string) (chr string, start, end, padding int64, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return "", 0, 0, 0, false
	}
	n := len(parts)
	pad, err1 := strconv.ParseInt(parts[n-1], 10, 64)
	e, err2 := strconv.ParseInt(parts[n-2], 10, 64)
	s, err3 := strconv.ParseInt(parts[n-3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", 0, 0, 0, false
	}
	chr = strings.Join(parts[:n-3], "_")
	return chr, s, e, pad, true
}

// buildTileIndex reads every @SQ reference in a tile file's header and
// derives its tileRef, keyed by the tile-local contig name.
func buildTileIndex(h *sam.Header) map[string]tileRef {
	out := make(map[string]tileRef, len(h.Refs()))
	for _, ref := range h.Refs() {
		chr, start, end, padding, ok := parseTileRefName(ref.Name())
		if !ok {
			log.Error.Printf("bamxform: unrecognized tile contig name %q, skipping", ref.Name())
			continue
		}
		out[ref.Name()] = tileRef{
			globalChr: chr,
			loMin:     padding,
			loMax:     end - start + padding,
			offset:    start - padding,
		}
	}
	return out
}

// ParseTileFilename splits a tile file name of the form
// "<sample>.<clone>.<cn>.sam" into its parts.
func ParseTileFilename(name string) (sample, clone string, cn int, ok bool) {
	base := name
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".sam")
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return "", "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}

// Opts configures spike-in behavior.
type Opts struct {
	// VAFMode selects VAF-mode spike-in (flip bases independently per
	// variant with probability = sample VAF) over the default
	// segment-mode spike-in (draw one overlapping segment copy and apply
	// only the variants it carries).
	VAFMode bool

	// DedupVAFCoverage, when true, increments a VAF-mode pair's coverage
	// counter at most once per distinct locus rather than once per variant
	// id sharing that locus. Default false: a pair overlapping N somatic
	// SNVs at one locus inflates that locus's apparent coverage N-fold.
	DedupVAFCoverage bool
}

// Counters accumulates per-mutation coverage and alt-support counts across
// every tile processed for one sample.
type Counters struct {
	Cvg map[int]int64
	Alt map[int]int64
}

// NewCounters returns an empty Counters.
func NewCounters() *Counters {
	return &Counters{Cvg: make(map[int]int64), Alt: make(map[int]int64)}
}

// Transformer translates and spikes a stream of tile files for one sample,
// writing surviving pairs to a single merged output stream.
type Transformer struct {
	Sample string
	Clones map[string]*genome.GenomeInstance // read-only, shared across samples
	Store  *vario.VariantStore               // read-only, shared across samples
	VAF    map[int]float64                   // this sample's snv_vaf, from vaf.Compute
	Opts   Opts
	Out    *sam.Writer
	Cnt    *Counters
	refs   map[string]*sam.Reference // global contig name -> merged-header reference
	rng    *rand.Rand
}

// NewTransformer returns a Transformer writing translated pairs to out using
// header h, tracking counters in cnt. rng must be a per-task generator,
// never shared across samples.
func NewTransformer(sample string, clones map[string]*genome.GenomeInstance, store *vario.VariantStore, vaf map[int]float64, opts Opts, out io.Writer, h *sam.Header, cnt *Counters, rng *rand.Rand) (*Transformer, error) {
	w, err := sam.NewWriter(out, h, 0)
	if err != nil {
		return nil, errors.Wrap(err, "bamxform: creating merged SAM writer")
	}
	refs := make(map[string]*sam.Reference, len(h.Refs()))
	for _, ref := range h.Refs() {
		refs[ref.Name()] = ref
	}
	return &Transformer{Sample: sample, Clones: clones, Store: store, VAF: vaf, Opts: opts, Out: w, Cnt: cnt, refs: refs, rng: rng}, nil
}

var rgTag = sam.Tag{'R', 'G'}

// ProcessTile reads one per-tile SAM stream (named "<sample>.<clone>.<cn>.sam"
// upstream, but the clone id is what matters here), translating and spiking
// every read pair, and writing survivors to t.Out. Pairs are assumed
// pre-grouped: two consecutive records form one pair. in is closed by the
// caller.
func (t *Transformer) ProcessTile(clone string, in io.Reader) (nAccepted, nRejected int, err error) {
	r, err := sam.NewReader(in)
	if err != nil {
		return 0, 0, errors.Wrap(err, "bamxform: opening tile SAM stream")
	}
	tileIdx := buildTileIndex(r.Header())

	for {
		mate1, err1 := r.Read()
		if err1 == io.EOF {
			break
		}
		if err1 != nil {
			log.Error.Printf("bamxform: malformed tile record, aborting tile: %v", err1)
			break
		}
		mate2, err2 := r.Read()
		if err2 != nil {
			log.Error.Printf("bamxform: tile ended mid-pair for %s, dropping trailing read", mate1.Name)
			break
		}

		ok, err := t.processPair(clone, mate1, mate2, tileIdx)
		if err != nil {
			log.Error.Printf("bamxform: %v, rejecting pair %s", err, mate1.Name)
			nRejected++
			continue
		}
		if !ok {
			nRejected++
			continue
		}
		nAccepted++
	}
	return nAccepted, nRejected, nil
}

// processPair translates one pair in place and spikes variants into it.
// Returns ok=false for a pair rejected because either mate maps into tile
// padding.
func (t *Transformer) processPair(clone string, mate1, mate2 *sam.Record, tileIdx map[string]tileRef) (bool, error) {
	ref1, ok := tileIdx[mate1.Ref.Name()]
	if !ok {
		return false, errors.Errorf("unrecognized tile contig %q", mate1.Ref.Name())
	}
	ref2, ok := tileIdx[mate2.Ref.Name()]
	if !ok {
		return false, errors.Errorf("unrecognized tile contig %q", mate2.Ref.Name())
	}
	if !withinLocal(mate1, ref1) || !withinLocal(mate2, ref2) {
		return false, nil
	}

	global1, ok := t.refs[ref1.globalChr]
	if !ok {
		return false, errors.Errorf("tile contig %q maps to unknown chromosome %q", mate1.Ref.Name(), ref1.globalChr)
	}
	global2, ok := t.refs[ref2.globalChr]
	if !ok {
		return false, errors.Errorf("tile contig %q maps to unknown chromosome %q", mate2.Ref.Name(), ref2.globalChr)
	}
	translate(mate1, ref1)
	translate(mate2, ref2)
	mate1.Ref, mate1.MateRef = global1, global2
	mate2.Ref, mate2.MateRef = global2, global1

	if err := addRGTag(mate1, clone); err != nil {
		return false, errors.Wrap(err, "tagging mate1")
	}
	if err := addRGTag(mate2, clone); err != nil {
		return false, errors.Wrap(err, "tagging mate2")
	}

	pairBegin, pairEnd := pairSpan(mate1, mate2)
	chr := ref1.globalChr

	if t.Opts.VAFMode {
		t.spikeVAF(chr, pairBegin, pairEnd, mate1, mate2)
	} else {
		t.spikeSegment(clone, chr, pairBegin, pairEnd, mate1, mate2)
	}

	if err := t.Out.Write(mate1); err != nil {
		return false, errors.Wrap(err, "writing mate1")
	}
	if err := t.Out.Write(mate2); err != nil {
		return false, errors.Wrap(err, "writing mate2")
	}
	return true, nil
}

// withinLocal reports whether r's pre-translation position falls inside the
// tile's non-padded range [loMin, loMax).
func withinLocal(r *sam.Record, ref tileRef) bool {
	return int64(r.Pos) >= ref.loMin && int64(r.Pos) < ref.loMax
}

// readLen returns a record's ungapped read length, used as its reference
// span since simulated tile reads carry no indels.
func readLen(r *sam.Record) int64 {
	return int64(len(r.Seq.Expand()))
}

// translate rewrites r's begin/mate positions from tile-local to global
// coordinates: begin_pos = local_begin + (tile_start - padding).
func translate(r *sam.Record, ref tileRef) {
	r.Pos += int(ref.offset)
	r.MatePos += int(ref.offset)
}

// addRGTag appends an "RG:Z:<clone>" aux tag to r.
func addRGTag(r *sam.Record, clone string) error {
	aux, err := sam.NewAux(rgTag, clone)
	if err != nil {
		return err
	}
	r.AuxFields = append(r.AuxFields, aux)
	return nil
}

// pairSpan returns [min(begin), max(end)) across both mates, in whatever
// coordinate system they're currently expressed in (global, once translate
// has run).
func pairSpan(mate1, mate2 *sam.Record) (int64, int64) {
	b1, e1 := int64(mate1.Pos), int64(mate1.Pos)+readLen(mate1)
	b2, e2 := int64(mate2.Pos), int64(mate2.Pos)+readLen(mate2)
	begin := b1
	if b2 < begin {
		begin = b2
	}
	end := e1
	if e2 > end {
		end = e2
	}
	return begin, end
}

// coversAt reports whether r covers global reference position pos, and if
// so, the read-local offset.
func coversAt(r *sam.Record, pos int64) (int64, bool) {
	off := pos - int64(r.Pos)
	if off < 0 || off >= readLen(r) {
		return 0, false
	}
	return off, true
}

// mutateBase overwrites r's base at read offset off with alt.
func mutateBase(r *sam.Record, off int64, alt byte) {
	seq := r.Seq.Expand()
	if off < 0 || int(off) >= len(seq) {
		return
	}
	seq[off] = alt
	r.Seq = sam.NewSeq(seq)
}

// applyAt overwrites whichever mate covers pos with alt, returning whether
// any mate actually covered it.
func applyAt(mate1, mate2 *sam.Record, pos int64, alt byte) bool {
	if off, ok := coversAt(mate1, pos); ok {
		mutateBase(mate1, off, alt)
		return true
	}
	if off, ok := coversAt(mate2, pos); ok {
		mutateBase(mate2, off, alt)
		return true
	}
	return false
}

// spikeSegment draws one segment copy of clone overlapping the pair's span
// and applies only the SNVs it carries. Coverage is incremented only for
// variants actually covered by mate1 or mate2's aligned bases, not merely
// falling within the pair's span (a gap between mates, e.g. insert size >
// 2x read length, covers no read); alt-support is incremented only when a
// base actually changed. A pair with no overlapping segment copy is logged
// and left unmutated.
func (t *Transformer) spikeSegment(clone, chr string, begin, end int64, mate1, mate2 *sam.Record) {
	g, ok := t.Clones[clone]
	if !ok {
		log.Error.Printf("bamxform: spikeSegment: unknown clone %q", clone)
		return
	}
	segs := g.GetSegmentCopiesOverlapping(chr, begin, end)
	if len(segs) == 0 {
		log.Debug.Printf("bamxform: spikeSegment: no segment copy overlaps %s:%d-%d, skipping spike-in", chr, begin, end)
		return
	}
	seg := segs[t.rng.Intn(len(segs))]

	byPos := t.Store.GetSnvsForSegmentCopy(seg.ID, [2]int64{begin, end - 1})
	for _, list := range byPos {
		for _, v := range list {
			_, covered1 := coversAt(mate1, v.Pos)
			_, covered2 := coversAt(mate2, v.Pos)
			if !covered1 && !covered2 {
				continue
			}
			t.Cnt.Cvg[v.IdxMutation]++
			if applyAt(mate1, mate2, v.Pos, v.AltAllele[0]) {
				t.Cnt.Alt[v.IdxMutation]++
			}
		}
	}
}

// spikeVAF flips, for every sample-level somatic SNV overlapping the pair's
// span, the covering base with probability equal to the sample's VAF for
// that variant.
func (t *Transformer) spikeVAF(chr string, begin, end int64, mate1, mate2 *sam.Record) {
	seen := make(map[int64]bool)
	for _, v := range t.Store.SnvsInRange(chr, begin, end) {
		if !v.IsSomatic {
			continue
		}
		vaf, ok := t.VAF[v.IdxMutation]
		if !ok {
			continue
		}
		if !t.Opts.DedupVAFCoverage || !seen[v.Pos] {
			t.Cnt.Cvg[v.IdxMutation]++
			seen[v.Pos] = true
		}
		if t.rng.Float64() <= vaf {
			if applyAt(mate1, mate2, v.Pos, v.AltAllele[0]) {
				t.Cnt.Alt[v.IdxMutation]++
			}
		}
	}
}

// WriteVarsCSV writes one "<mutation_id>\t<cvg>\t<alt>" line per somatic SNV
// the store knows, in mutation-id order, zero counts included.
func WriteVarsCSV(w io.Writer, store *vario.VariantStore, cnt *Counters) (int, error) {
	snvs := store.SomaticSnvs()
	sort.Slice(snvs, func(i, j int) bool { return snvs[i].IdxMutation < snvs[j].IdxMutation })
	var b strings.Builder
	n := 0
	for _, v := range snvs {
		fmt.Fprintf(&b, "%d\t%d\t%d\n", v.IdxMutation, cnt.Cvg[v.IdxMutation], cnt.Alt[v.IdxMutation])
		n++
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return 0, errors.Wrap(err, "bamxform: writing vars csv")
	}
	return n, nil
}
