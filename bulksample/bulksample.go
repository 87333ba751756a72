// Package bulksample drives the per-sample pipeline: given a shared,
// read-only BulkContext (reference, per-clone genomes, variant store,
// sample/clone weight matrix), it computes each sample's copy-number
// profile and variant allele fractions, then either runs the read-count
// simulator directly or transforms externally-simulated per-tile
// alignments. Setup is sequential and read-only; the per-sample phase is
// one task per sample with no cross-task state.
package bulksample

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/hdetering/tumgenomsim/bamxform"
	"github.com/hdetering/tumgenomsim/cn"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/rcsim"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/hdetering/tumgenomsim/segmap"
	"github.com/hdetering/tumgenomsim/tiledref"
	"github.com/hdetering/tumgenomsim/vaf"
	"github.com/hdetering/tumgenomsim/vario"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/exp/rand"
)

// BulkContext is the immutable, shared state built once before the
// per-sample parallel phase. Every field is read-only from the moment
// RunAll starts; each sample's own state is owned solely by the task
// computing it.
type BulkContext struct {
	Ref     refio.GenomeReference
	Clones  map[string]*genome.GenomeInstance
	CloneCN cn.CloneCN
	Store   *vario.VariantStore
	Weights refio.SampleWeights

	tileStats map[string]tiledref.CloneStats // clone -> tile groups, filled by PrepareTiles
}

// NewBulkContext folds every clone's genome into its copy-number map and
// validates the sample/clone weight matrix, returning an immutable context
// ready for the parallel sample phase.
func NewBulkContext(ref refio.GenomeReference, clones map[string]*genome.GenomeInstance, store *vario.VariantStore, weights refio.SampleWeights) (*BulkContext, error) {
	if err := weights.Validate(1e-6); err != nil {
		return nil, errors.E(err, "bulksample: invalid sample/clone weight matrix")
	}
	cloneCN := make(cn.CloneCN, len(clones))
	for id, g := range clones {
		cloneCN[id] = g.GetCopyNumberStateByChr(1.0)
	}
	return &BulkContext{
		Ref:     ref,
		Clones:  clones,
		CloneCN: cloneCN,
		Store:   store,
		Weights: weights,
	}, nil
}

// PrepareTiles writes each clone's tiled reference FASTAs to dir,
// recording which copy-number groups exist per clone so RunSample (in
// generate-reads mode) knows which tiles to hand the external simulator.
// This runs once, sequentially, before the parallel sample phase.
func (c *BulkContext) PrepareTiles(dir string, minLen, padding int64) error {
	c.tileStats = make(map[string]tiledref.CloneStats, len(c.Clones))
	ids := sortedKeys(c.Clones)
	for _, cloneID := range ids {
		stats, err := tiledref.WriteTiles(dir, cloneID, c.CloneCN[cloneID], c.Ref, minLen, padding)
		if err != nil {
			return errors.E(err, fmt.Sprintf("bulksample: writing tiles for clone %s", cloneID))
		}
		c.tileStats[cloneID] = stats
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReadSimulator invokes the external short-read simulator for one
// clone x copy-number tile and returns the path to the resulting per-tile
// paired-alignment SAM file. The simulator binary itself, and how it is
// invoked, is up to the caller — this is the seam the pipeline exposes to
// it.
type ReadSimulator func(ctx context.Context, sampleID, cloneID string, copyNumber int, tileFASTA string) (tileSAMPath string, err error)

// Opts configures a run of the per-sample pipeline.
type Opts struct {
	OutDir        string
	TileDir       string // where PrepareTiles wrote <clone>.<n>.fa files
	TargetCvg     float64
	MinTileLen    int64
	Padding       int64
	GenerateReads bool
	Simulate      ReadSimulator // required when GenerateReads is set
	RCSim         rcsim.Opts
	Xform         bamxform.Opts
}

// seedFor derives a per-task RNG seed from a shared master seed and the
// sample id, so every sample gets an independently seeded generator while
// the whole run stays reproducible from one master seed. Sharing a single
// RNG across tasks would race; this avoids it without introducing a mutex.
func seedFor(masterSeed uint64, sampleID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sampleID))
	return masterSeed ^ h.Sum64()
}

// RunAll schedules one task per sample in ctx.Weights, via
// github.com/grailbio/base/traverse.Each: task-parallel at sample
// granularity, no ordering guarantee between samples. masterSeed
// reproducibly derives each sample's independent RNG. A failed sample does
// not stop the others; RunAll reports the failures after every sample has
// run. Each callback writes only its own slot of sampleErrs, so no lock is
// needed.
func RunAll(ctx *BulkContext, opts Opts, masterSeed uint64) error {
	sampleIDs := sortedKeys(ctx.Weights)
	sampleErrs := make([]error, len(sampleIDs))
	_ = traverse.Each(len(sampleIDs), func(i int) error {
		sampleID := sampleIDs[i]
		rng := rand.New(rand.NewSource(seedFor(masterSeed, sampleID)))
		if err := RunSample(ctx, sampleID, opts, rng); err != nil {
			log.Error.Printf("bulksample: sample %s failed: %v", sampleID, err)
			sampleErrs[i] = err
		}
		return nil
	})
	var failed []string
	for i, err := range sampleErrs {
		if err != nil {
			failed = append(failed, sampleIDs[i])
		}
	}
	if len(failed) > 0 {
		return errors.E(fmt.Sprintf("bulksample: %d of %d samples failed: %s",
			len(failed), len(sampleIDs), strings.Join(failed, ", ")))
	}
	return nil
}

// RunSample executes the per-sample pipeline for one sample: compute its
// copy-number profile and VAFs, then either transform externally-simulated
// tile alignments or sample read counts directly.
func RunSample(ctx *BulkContext, sampleID string, opts Opts, rng *rand.Rand) error {
	weights := ctx.Weights[sampleID]

	sampleCN := cn.ComputeSampleCN(ctx.CloneCN, weights)
	if err := writeSampleCNBed(opts.OutDir, sampleID, sampleCN); err != nil {
		return err
	}

	vafs := vaf.Compute(ctx.Clones, weights, ctx.Store)
	if err := writeVAFBed(opts.OutDir, sampleID, ctx.Store, vafs); err != nil {
		return err
	}

	if opts.GenerateReads {
		return runViaAlignments(ctx, sampleID, weights, vafs, opts, rng)
	}
	return runDirect(ctx, sampleID, sampleCN, vafs, opts, rng)
}

// runDirect runs the direct read-count path.
func runDirect(ctx *BulkContext, sampleID string, sampleCN *segmap.ByChr[genome.AlleleSpecificCN], vafs map[int]float64, opts Opts, rng *rand.Rand) error {
	loci := rcsim.Simulate(ctx.Store, sampleCN, vafs, ctx.Ref, opts.RCSim, rng)
	return withCreatedFile(opts.OutDir, sampleID+".rc.vcf", func(w file.File) error {
		_, err := rcsim.WriteVCF(w.Writer(vcontext.Background()), loci, opts.RCSim.MinRC)
		return err
	})
}

// runViaAlignments invokes, for every clone with non-zero weight, the
// external simulator on each of that clone's copy-number tiles, transforms
// the resulting per-tile alignments, and merges the survivors into one
// per-sample SAM plus a <sample>.vars.csv. A single tile's simulator
// failure is a sample-level warning; the sample continues with the
// remaining tiles.
func runViaAlignments(ctx *BulkContext, sampleID string, weights map[string]float64, vafs map[int]float64, opts Opts, rng *rand.Rand) error {
	ctxBg := vcontext.Background()
	chrOrder := ctx.Ref.Chromosomes()
	chrLens := make(map[string]int64, len(chrOrder))
	for _, chr := range chrOrder {
		chrLens[chr] = ctx.Ref.ChrLength(chr)
	}
	clonesUsed := weightedClones(weights)
	header, err := bamxform.NewMergedHeader(sampleID, chrOrder, chrLens, clonesUsed)
	if err != nil {
		return errors.E(err, "bulksample: building merged SAM header")
	}

	out, err := file.Create(ctxBg, outPath(opts.OutDir, sampleID+".sam"))
	if err != nil {
		return errors.E(err, "bulksample: creating merged SAM output")
	}
	defer func() {
		if cerr := out.Close(ctxBg); cerr != nil {
			log.Error.Printf("bulksample: closing %s.sam: %v", sampleID, cerr)
		}
	}()

	cnt := bamxform.NewCounters()
	xform, err := bamxform.NewTransformer(sampleID, ctx.Clones, ctx.Store, vafs, opts.Xform, out.Writer(ctxBg), header, cnt, rng)
	if err != nil {
		return errors.E(err, "bulksample: creating alignment transformer")
	}

	for _, cloneID := range clonesUsed {
		stats, ok := ctx.tileStats[cloneID]
		if !ok {
			log.Error.Printf("bulksample: clone %s has no prepared tiles, skipping", cloneID)
			continue
		}
		for _, fs := range stats.Files {
			tileFASTA := fmt.Sprintf("%s/%s.%d.fa", strings.TrimRight(opts.TileDir, "/"), cloneID, fs.CopyNumber)
			tileSAM, err := opts.Simulate(ctxBg, sampleID, cloneID, fs.CopyNumber, tileFASTA)
			if err != nil {
				log.Error.Printf("bulksample: sample %s: external simulator failed for %s (cn=%d): %v", sampleID, cloneID, fs.CopyNumber, err)
				continue
			}
			if err := processTileFile(xform, cloneID, tileSAM); err != nil {
				log.Error.Printf("bulksample: sample %s: processing tile %s: %v", sampleID, tileSAM, err)
			}
		}
	}

	return withCreatedFile(opts.OutDir, sampleID+".vars.csv", func(w file.File) error {
		_, err := bamxform.WriteVarsCSV(w.Writer(ctxBg), ctx.Store, cnt)
		return err
	})
}

// processTileFile opens one per-tile SAM file, runs it through xform, and
// deletes it once exhausted. External simulators that emit gzip-compressed
// tiles are detected transparently by file extension.
func processTileFile(xform *bamxform.Transformer, cloneID, path string) error {
	ctxBg := vcontext.Background()
	in, err := file.Open(ctxBg, path)
	if err != nil {
		return errors.E(err, "opening tile file")
	}
	var reader io.Reader = in.Reader(ctxBg)
	if fileio.DetermineType(path) == fileio.Gzip {
		if reader, err = gzip.NewReader(reader); err != nil {
			_ = in.Close(ctxBg)
			return errors.E(err, "opening gzip tile file")
		}
	}
	nAccepted, nRejected, err := xform.ProcessTile(cloneID, reader)
	if cerr := in.Close(ctxBg); cerr != nil {
		log.Error.Printf("bulksample: closing tile %s: %v", path, cerr)
	}
	if err != nil {
		return err
	}
	log.Debug.Printf("bulksample: tile %s: %d pairs accepted, %d rejected", path, nAccepted, nRejected)
	if rerr := os.Remove(path); rerr != nil {
		log.Error.Printf("bulksample: removing consumed tile %s: %v", path, rerr)
	}
	return nil
}

func weightedClones(weights map[string]float64) []string {
	var out []string
	for id, w := range weights {
		if w > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func outPath(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + name
}

// withCreatedFile creates "<dir>/<name>", hands its writer to fn, and closes
// it regardless of fn's outcome.
func withCreatedFile(dir, name string, fn func(file.File) error) error {
	ctxBg := vcontext.Background()
	f, err := file.Create(ctxBg, outPath(dir, name))
	if err != nil {
		return errors.E(err, fmt.Sprintf("bulksample: creating %s", name))
	}
	err = fn(f)
	if cerr := f.Close(ctxBg); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// writeSampleCNBed writes "<sample>.cn.bed": per-sample CN segments as
// floats, since they are weighted sums over clones.
func writeSampleCNBed(dir, sampleID string, sampleCN *segmap.ByChr[genome.AlleleSpecificCN]) error {
	return withCreatedFile(dir, sampleID+".cn.bed", func(w file.File) error {
		var b strings.Builder
		chrs := sampleCN.Chromosomes()
		sort.Strings(chrs)
		for _, chr := range chrs {
			for _, e := range sampleCN.Chr(chr).Intervals() {
				fmt.Fprintf(&b, "%s\t%d\t%d\t%.6f\t%.6f\n", chr, e.Start, e.End, e.Value.CountA, e.Value.CountB)
			}
		}
		_, err := w.Writer(vcontext.Background()).Write([]byte(b.String()))
		return err
	})
}

// WriteCloneCNBed writes "<clone>.cn.bed": per-clone integer CN segments.
// Exported since cmd/bulkgen writes these once per clone, outside the
// per-sample loop.
func WriteCloneCNBed(dir, cloneID string, cloneCN *segmap.ByChr[genome.AlleleSpecificCN]) error {
	return withCreatedFile(dir, cloneID+".cn.bed", func(w file.File) error {
		var b strings.Builder
		chrs := cloneCN.Chromosomes()
		sort.Strings(chrs)
		for _, chr := range chrs {
			for _, e := range cloneCN.Chr(chr).Intervals() {
				fmt.Fprintf(&b, "%s\t%d\t%d\t%d\t%d\n", chr, e.Start, e.End, int(e.Value.CountA), int(e.Value.CountB))
			}
		}
		_, err := w.Writer(vcontext.Background()).Write([]byte(b.String()))
		return err
	})
}

// writeVAFBed writes "<sample>.vaf.bed": one commented header followed by
// one line per somatic SNV with "id,chr,pos,vaf".
func writeVAFBed(dir, sampleID string, store *vario.VariantStore, vafs map[int]float64) error {
	return withCreatedFile(dir, sampleID+".vaf.bed", func(w file.File) error {
		var b strings.Builder
		b.WriteString("#id,chr,pos,vaf\n")
		snvs := store.SomaticSnvs()
		sort.Slice(snvs, func(i, j int) bool {
			if snvs[i].Chr != snvs[j].Chr {
				return snvs[i].Chr < snvs[j].Chr
			}
			return snvs[i].Pos < snvs[j].Pos
		})
		for _, v := range snvs {
			fmt.Fprintf(&b, "%d,%s,%d,%.6f\n", v.IdxMutation, v.Chr, v.Pos, vafs[v.IdxMutation])
		}
		_, err := w.Writer(vcontext.Background()).Write([]byte(b.String()))
		return err
	})
}
