// bulkgen is a thin demo CLI wiring the bulk-sample generator end to end:
// given a reference FASTA and a sample/clone weight matrix, it builds
// per-clone diploid genomes, mutates them with germline and somatic
// variant models, and emits the per-clone and per-sample outputs. It is
// not a production driver — it has no config-file framework, clone-tree
// importer, or real aligner integration; it exists so the library is
// runnable end to end.
//
// Usage: bulkgen -ref genome.fa -clone-weights "S1=cloneA:0.7,cloneB:0.3" -out outdir
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/hdetering/tumgenomsim/bamxform"
	"github.com/hdetering/tumgenomsim/bulksample"
	"github.com/hdetering/tumgenomsim/encoding/fasta"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/rcsim"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/hdetering/tumgenomsim/vario"
	"golang.org/x/exp/rand"
)

var (
	refPath       = flag.String("ref", "", "Reference genome FASTA path (required)")
	outDir        = flag.String("out", ".", "Output directory")
	cloneWeights  = flag.String("clone-weights", "", `Sample/clone weight matrix, e.g. "S1=cloneA:0.7,cloneB:0.3;S2=cloneA:1.0" (required)`)
	nGermline     = flag.Int("n-germline", 1000, "Number of germline SNVs to generate")
	homRate       = flag.Float64("hom-rate", 0.3, "Germline homozygosity rate")
	nSomatic      = flag.Int("n-somatic", 200, "Number of somatic mutations to generate")
	ratioCnv      = flag.Float64("ratio-cnv", 0.1, "Fraction of somatic mutations that are CNVs rather than SNVs")
	cnvLenExp     = flag.Float64("cnv-len-exp", 1.5, "Pareto shape parameter for CNV length")
	cnvLenMin     = flag.Int64("cnv-len-min", 1000, "Minimum CNV length in bp")
	cnvGainProb   = flag.Float64("cnv-gain-prob", 0.5, "Probability a CNV is a gain rather than a deletion")
	infiniteSites = flag.Bool("infinite-sites", true, "Re-draw colliding loci instead of allowing repeat mutation")
	targetCvg     = flag.Float64("target-cvg", 50, "Target mean sequencing depth across the reference")
	seqDisp       = flag.Float64("seq-disp", 0.1, "Negative-binomial dispersion for read depth (<=0 selects plain Poisson)")
	seqErr        = flag.Float64("seq-err", 0.001, "Per-base sequencing error rate (<=0 disables error spike-in)")
	minRC         = flag.Int("min-rc", 1, "Minimum alt read count to report a locus in the read-count VCF")
	generateReads = flag.Bool("generate-reads", false, "Transform externally-simulated per-tile alignments instead of sampling read counts directly")
	vafMode       = flag.Bool("vaf-mode", false, "Use VAF-mode spike-in instead of segment-mode (only with -generate-reads)")
	tileDir       = flag.String("tile-dir", "", "Directory for tiled reference FASTAs and per-tile alignments (required with -generate-reads)")
	simCmd        = flag.String("sim-cmd", "", "External read-simulator binary: invoked as '<sim-cmd> <tileFASTA> <outSAM>' (required with -generate-reads)")
	minTileLen    = flag.Int64("min-tile-len", 100, "Minimum tile length to emit")
	padding       = flag.Int64("padding", 100, "Padding bases flanking each tile")
	seed          = flag.Uint64("seed", 1, "Master RNG seed")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -ref genome.fa -clone-weights \"S1=cloneA:1.0\" -out outdir\n", os.Args[0])
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	if *refPath == "" || *cloneWeights == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *generateReads && (*tileDir == "" || *simCmd == "") {
		log.Fatalf("-generate-reads requires -tile-dir and -sim-cmd")
	}

	ctxBg := vcontext.Background()
	ref, err := loadReference(ctxBg, *refPath)
	if err != nil {
		log.Fatalf("loading reference: %v", err)
	}

	weights, cloneIDs, err := parseCloneWeights(*cloneWeights)
	if err != nil {
		log.Fatalf("parsing -clone-weights: %v", err)
	}

	masterRng := rand.New(rand.NewSource(*seed))
	alloc := &genome.IDAllocator{}
	clones := make(map[string]*genome.GenomeInstance, len(cloneIDs))
	chrLens := make(map[string]int64, len(ref.Chromosomes()))
	for _, chr := range ref.Chromosomes() {
		chrLens[chr] = ref.ChrLength(chr)
	}
	for _, id := range cloneIDs {
		g := genome.New(alloc)
		g.InitDiploid(chrLens)
		clones[id] = g
	}

	store, err := mutateClones(clones, ref, masterRng)
	if err != nil {
		log.Fatalf("generating variants: %v", err)
	}

	bulkCtx, err := bulksample.NewBulkContext(ref, clones, store, weights)
	if err != nil {
		log.Fatalf("building bulk context: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("creating output directory: %v", err)
	}
	for _, id := range cloneIDs {
		if err := bulksample.WriteCloneCNBed(*outDir, id, bulkCtx.CloneCN[id]); err != nil {
			log.Error.Printf("writing %s.cn.bed: %v", id, err)
		}
	}
	if err := writeGermlineOutputs(*outDir, store, ref); err != nil {
		log.Error.Printf("writing germline outputs: %v", err)
	}

	opts := bulksample.Opts{
		OutDir:        *outDir,
		TileDir:       *tileDir,
		TargetCvg:     *targetCvg,
		MinTileLen:    *minTileLen,
		Padding:       *padding,
		GenerateReads: *generateReads,
		RCSim: rcsim.Opts{
			TargetCvg: *targetCvg,
			SeqDisp:   *seqDisp,
			SeqErr:    *seqErr,
			MinRC:     *minRC,
		},
		Xform: bamxform.Opts{VAFMode: *vafMode},
	}
	if *generateReads {
		if err := bulkCtx.PrepareTiles(*tileDir, *minTileLen, *padding); err != nil {
			log.Fatalf("preparing tiles: %v", err)
		}
		opts.Simulate = externalSimulator(*simCmd)
	}

	if err := bulksample.RunAll(bulkCtx, opts, *seed); err != nil {
		log.Fatalf("running samples: %v", err)
	}
	log.Printf("bulkgen: done, outputs written to %s", *outDir)
}

// loadReference reads a FASTA file into memory and builds the
// refio.GenomeReference the pipeline consumes. A simple in-memory reader
// is enough to exercise the library here.
func loadReference(ctx context.Context, path string) (refio.GenomeReference, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	fa, err := fasta.New(f.Reader(ctx), fasta.OptClean)
	if err != nil {
		return nil, err
	}
	return refio.NewInMemoryReference(fa)
}

// parseCloneWeights parses a "S1=cloneA:0.7,cloneB:0.3;S2=cloneA:1.0"
// expression into a refio.SampleWeights and the set of clone ids named.
func parseCloneWeights(expr string) (refio.SampleWeights, []string, error) {
	weights := make(refio.SampleWeights)
	seen := make(map[string]bool)
	var cloneIDs []string
	for _, samplePart := range strings.Split(expr, ";") {
		samplePart = strings.TrimSpace(samplePart)
		if samplePart == "" {
			continue
		}
		eq := strings.SplitN(samplePart, "=", 2)
		if len(eq) != 2 {
			return nil, nil, fmt.Errorf("malformed sample clause %q", samplePart)
		}
		sampleID := strings.TrimSpace(eq[0])
		clones := make(map[string]float64)
		for _, clonePart := range strings.Split(eq[1], ",") {
			kv := strings.SplitN(clonePart, ":", 2)
			if len(kv) != 2 {
				return nil, nil, fmt.Errorf("malformed clone weight %q", clonePart)
			}
			cloneID := strings.TrimSpace(kv[0])
			w, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing weight for clone %q: %w", cloneID, err)
			}
			clones[cloneID] = w
			if !seen[cloneID] {
				seen[cloneID] = true
				cloneIDs = append(cloneIDs, cloneID)
			}
		}
		weights[sampleID] = clones
	}
	return weights, cloneIDs, nil
}

// mutateClones generates one shared germline variant set (applied to every
// clone, since they all descend from the same normal cell) plus one somatic
// mutation stream, applied to every clone's genome independently. A real
// clone-tree builder would instead assign mutations per lineage branch.
func mutateClones(clones map[string]*genome.GenomeInstance, ref refio.GenomeReference, rng *rand.Rand) (*vario.VariantStore, error) {
	store := vario.NewVariantStore()

	germlineModel := uniformSubstitutionModel()
	if err := store.GenerateGermlineVariants(*nGermline, ref, germlineModel, *homRate, rng, *infiniteSites); err != nil {
		return nil, err
	}

	mutations := make([]vario.Mutation, *nSomatic)
	nCnv := vario.AssignSomaticMutationType(mutations, *ratioCnv, rng)
	log.Printf("bulkgen: %d somatic mutations (%d CNV, %d SNV)", *nSomatic, nCnv, *nSomatic-nCnv)

	snvModel := trinucleotideModel()
	cnvModel := vario.SomaticCnvModel{
		RateWGD: 0.02, RateChr: 0.08, RateArm: 0.2, RateTel: 0.3, RateFoc: 0.4,
		GainProb: *cnvGainProb, LenExp: *cnvLenExp, LenMin: *cnvLenMin,
	}
	if err := store.GenerateSomaticVariants(mutations, ref, snvModel, cnvModel, rng, *infiniteSites); err != nil {
		return nil, err
	}

	for _, g := range clones {
		if err := store.ApplyGermlineVariants(g, rng); err != nil {
			return nil, err
		}
		for _, m := range mutations {
			if err := store.ApplyMutation(m, g, rng); err != nil {
				return nil, err
			}
		}
	}
	store.IndexSnvs()
	return store, nil
}

// uniformSubstitutionModel gives every nucleotide an equal, symmetric
// mutation rate to every other nucleotide — a placeholder for whatever
// empirical substitution matrix a real config loader would supply.
func uniformSubstitutionModel() vario.GermlineSubstitutionModel {
	var m vario.GermlineSubstitutionModel
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i != j {
				m.Q[i][j] = 1.0 / 3.0
			}
		}
	}
	return m
}

// trinucleotideModel is a minimal, uniform-weight placeholder signature
// covering every NpNpN context with N->N substitutions, standing in for a
// real mutational-signature matrix.
func trinucleotideModel() vario.SomaticSubstitutionModel {
	nucs := []byte{'A', 'C', 'G', 'T'}
	var m vario.SomaticSubstitutionModel
	for _, a := range nucs {
		for _, b := range nucs {
			for _, c := range nucs {
				for _, alt := range nucs {
					if alt == b {
						continue
					}
					m.Contexts = append(m.Contexts, string([]byte{a, b, c}))
					m.Alt = append(m.Alt, string(alt))
					m.Weights = append(m.Weights, 1.0)
				}
			}
		}
	}
	return m
}

// writeGermlineOutputs emits the reference-wide germline VCF and the
// somatic CNV table.
func writeGermlineOutputs(dir string, store *vario.VariantStore, ref refio.GenomeReference) error {
	ctxBg := vcontext.Background()
	vcfOut, err := file.Create(ctxBg, dir+"/reference.germline.vcf")
	if err != nil {
		return err
	}
	defer vcfOut.Close(ctxBg)
	if _, err := store.WriteGermlineSnvsToVCF(vcfOut.Writer(ctxBg), ref); err != nil {
		return err
	}

	bedOut, err := file.Create(ctxBg, dir+"/somatic.cnv.bed")
	if err != nil {
		return err
	}
	defer bedOut.Close(ctxBg)
	_, err = store.WriteCNVsToFile(bedOut.Writer(ctxBg))
	return err
}

// externalSimulator wraps an external read-simulator binary as a
// bulksample.ReadSimulator: it invokes "<simCmd> <tileFASTA> <outSAM>" and
// expects the binary to write a paired-alignment SAM file to outSAM.
func externalSimulator(simCmd string) bulksample.ReadSimulator {
	return func(ctx context.Context, sampleID, cloneID string, cn int, tileFASTA string) (string, error) {
		outSAM := fmt.Sprintf("%s.%s.%d.sam", sampleID, cloneID, cn)
		if *tileDir != "" {
			outSAM = strings.TrimRight(*tileDir, "/") + "/" + outSAM
		}
		cmd := exec.CommandContext(ctx, simCmd, tileFASTA, outSAM)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("external simulator failed: %w", err)
		}
		return outSAM, nil
	}
}
