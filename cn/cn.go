// Package cn folds per-clone copy-number state into per-sample
// allele-specific copy-number profiles, weighted by clone mixing fractions.
package cn

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/segmap"
)

// CloneCN maps clone id to that clone's per-chromosome copy-number interval
// map, as produced by genome.GenomeInstance.GetCopyNumberStateByChr(1.0).
type CloneCN map[string]*segmap.ByChr[genome.AlleleSpecificCN]

// ComputeSampleCN additively merges every clone's CN map into one sample-level
// map, each clone scaled by its mixing weight. Clones with non-positive
// weight are skipped. Clones absent from clones contribute nothing either
// (logged, not fatal — a sample naming an unknown clone is a configuration
// mistake the caller should surface, not a crash here).
func ComputeSampleCN(clones CloneCN, weights map[string]float64) *segmap.ByChr[genome.AlleleSpecificCN] {
	out := segmap.NewByChr(genome.AlleleSpecificCN{}, genome.AddCN)
	for cloneID, w := range weights {
		if w <= 0 {
			continue
		}
		cloneMap, ok := clones[cloneID]
		if !ok {
			log.Error.Printf("cn: ComputeSampleCN: unknown clone %q in weight matrix", cloneID)
			continue
		}
		out.MergeWeighted(cloneMap, w, genome.ScaleCN)
	}
	return out
}

// GenomeLenAbs sums interval_length * (count_A+count_B) over every covered
// locus in cn, rounded to the nearest integer, giving the sample's
// diploid-equivalent genome length.
func GenomeLenAbs(cn *segmap.ByChr[genome.AlleleSpecificCN]) int64 {
	var total float64
	for _, chr := range cn.Chromosomes() {
		for _, e := range cn.Chr(chr).Intervals() {
			total += float64(e.End-e.Start) * e.Value.Total()
		}
	}
	return int64(math.Round(total))
}
