package decision

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Explain builds the per-transaction factor breakdown: each OK detector's
// weighted contribution to the composite score and each triggered rule's
// effect, sorted by absolute contribution descending. The numbers are taken
// verbatim from the fusion and rule outputs; nothing is re-derived.
func Explain(es *domain.EnsembleScore, adjustments []domain.RuleAdjustment) []domain.Factor {
	factors := make([]domain.Factor, 0, len(es.Contributing)+len(adjustments))

	for _, r := range es.Contributing {
		if r.Status != domain.DetectorOK {
			continue
		}
		w := es.WeightsUsed[r.Detector]
		factors = append(factors, domain.Factor{
			Source:       r.Detector,
			Kind:         "detector",
			Weight:       w,
			Value:        r.NormalizedScore,
			Contribution: w * r.NormalizedScore,
		})
	}

	for _, adj := range adjustments {
		if !adj.Triggered {
			continue
		}
		f := domain.Factor{
			Source: adj.Rule,
			Kind:   "rule",
			Detail: adj.Reason,
		}
		if adj.FloorCategory != "" {
			// Floor rules act on the category, not the number.
			f.Detail = "forces minimum category " + string(adj.FloorCategory)
		} else {
			f.Value = adj.AppliedDelta
			f.Contribution = adj.AppliedDelta
		}
		factors = append(factors, f)
	}

	sort.SliceStable(factors, func(i, j int) bool {
		return math.Abs(factors[i].Contribution) > math.Abs(factors[j].Contribution)
	})
	return factors
}
