// Package vaf computes, for each sample, the expected variant allele
// fraction of every somatic SNV by mixing the clones that carry it.
package vaf

import (
	"github.com/hdetering/tumgenomsim/genome"
	"github.com/hdetering/tumgenomsim/vario"
)

// Clones maps clone id to that clone's genome instance.
type Clones map[string]*genome.GenomeInstance

// Compute returns, for every somatic SNV in store, its expected VAF in a
// sample mixing clones by weight:
//
//	vaf(v) = (Σ_clone w * n_mut_copies_at(clone,v)) / (Σ_clone w * n_total_copies_at(clone,v))
//
// keyed by the SNV's mutation id. Germline SNVs are excluded — they use a
// different output channel. A locus with zero total overlapping copies
// across every weighted clone yields vaf=0 rather than dividing by zero.
func Compute(clones Clones, weights map[string]float64, store *vario.VariantStore) map[int]float64 {
	out := make(map[int]float64)
	for _, v := range store.SomaticSnvs() {
		var num, den float64
		for cloneID, w := range weights {
			if w <= 0 {
				continue
			}
			g, ok := clones[cloneID]
			if !ok {
				continue
			}
			segs := g.GetSegmentCopiesAt(v.Chr, v.Pos)
			den += w * float64(len(segs))
			for _, seg := range segs {
				if store.CarriesSNV(seg.ID, v.IdxMutation) {
					num += w
				}
			}
		}
		if den > 0 {
			out[v.IdxMutation] = num / den
		} else {
			out[v.IdxMutation] = 0
		}
	}
	return out
}
