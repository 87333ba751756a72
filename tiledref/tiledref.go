// Package tiledref writes per-clone, per-copy-number tiled FASTA fragments:
// padded reference subsequences grouped by rounded total copy number, used
// as input to an external short-read simulator.
package tiledref

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/hdetering/tumgenomsim/biosimd"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/refio"
	"github.com/hdetering/tumgenomsim/segmap"
	"github.com/pkg/errors"
)

// PaddingBase is the sentinel nucleotide flanking each tiled record.
const PaddingBase = 'A'

const lineWidth = 70

// FileStats summarizes one written <clone>.<n>.fa file.
type FileStats struct {
	CopyNumber int
	SeqCount   int
	SeqLen     int64 // total sequence length across records, including padding
}

// CloneStats aggregates every tile file written for one clone.
type CloneStats struct {
	Files       []FileStats
	WeightDenom float64 // Σ n × seq_len, the clone's sampling-weight denominator
}

// tile is one (chr, start, end) interval pending FASTA serialization,
// grouped by its rounded total copy number.
type tile struct {
	chr        string
	start, end int64
}

// WriteTiles walks cn's intervals, skips any shorter than minLen, groups the
// rest by round(count_A+count_B), and writes one `<dir>/<cloneID>.<n>.fa`
// file per group via grailbio/base/file. Each record is the reference
// subsequence [start,end) flanked on both sides by padding copies of
// PaddingBase, with id "<chr>_<start>_<end>_<padding>".
func WriteTiles(dir, cloneID string, cn *segmap.ByChr[genome.AlleleSpecificCN], ref refio.GenomeReference, minLen, padding int64) (CloneStats, error) {
	groups := make(map[int][]tile)
	for _, chr := range cn.Chromosomes() {
		for _, e := range cn.Chr(chr).Intervals() {
			if e.End-e.Start < minLen {
				continue
			}
			n := int(math.Round(e.Value.Total()))
			if n <= 0 {
				continue
			}
			groups[n] = append(groups[n], tile{chr: chr, start: e.Start, end: e.End})
		}
	}

	ns := make([]int, 0, len(groups))
	for n := range groups {
		ns = append(ns, n)
	}
	sort.Ints(ns)

	var stats CloneStats
	ctx := vcontext.Background()
	for _, n := range ns {
		fs, err := writeGroup(ctx, dir, cloneID, n, groups[n], ref, padding)
		if err != nil {
			return stats, err
		}
		stats.Files = append(stats.Files, fs)
		stats.WeightDenom += float64(n) * float64(fs.SeqLen)
	}
	return stats, nil
}

func writeGroup(ctx context.Context, dir, cloneID string, n int, tiles []tile, ref refio.GenomeReference, padding int64) (FileStats, error) {
	path := fmt.Sprintf("%s/%s.%d.fa", strings.TrimRight(dir, "/"), cloneID, n)
	out, err := file.Create(ctx, path)
	if err != nil {
		return FileStats{}, errors.Wrap(err, "tiledref: create tile file")
	}
	defer func() {
		if cerr := out.Close(ctx); cerr != nil {
			log.Error.Printf("tiledref: closing %s: %v", path, cerr)
		}
	}()

	var b strings.Builder
	fs := FileStats{CopyNumber: n}
	for _, t := range tiles {
		seq, err := ref.GetSequence(t.chr, t.start, t.end)
		if err != nil {
			return FileStats{}, errors.Wrapf(err, "tiledref: reading %s:%d-%d", t.chr, t.start, t.end)
		}
		padded := make([]byte, 0, int64(len(seq))+2*padding)
		for i := int64(0); i < padding; i++ {
			padded = append(padded, PaddingBase)
		}
		padded = append(padded, seq...)
		for i := int64(0); i < padding; i++ {
			padded = append(padded, PaddingBase)
		}
		biosimd.CleanASCIISeqInplace(padded)

		id := fmt.Sprintf("%s_%d_%d_%d", t.chr, t.start, t.end, padding)
		b.WriteString(">")
		b.WriteString(id)
		b.WriteString("\n")
		writeWrapped(&b, padded)

		fs.SeqCount++
		fs.SeqLen += int64(len(padded))
	}
	if _, err := out.Writer(ctx).Write([]byte(b.String())); err != nil {
		return FileStats{}, errors.Wrap(err, "tiledref: writing tile file")
	}
	return fs, nil
}

func writeWrapped(b *strings.Builder, seq []byte) {
	for i := 0; i < len(seq); i += lineWidth {
		end := i + lineWidth
		if end > len(seq) {
			end = len(seq)
		}
		b.Write(seq[i:end])
		b.WriteString("\n")
	}
}
