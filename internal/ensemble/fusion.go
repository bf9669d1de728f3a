// Package ensemble fuses heterogeneous detector outputs into one composite
// anomaly score via weighted voting, tolerant of detector unavailability.
package ensemble

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fusion combines normalized detector scores using configured weights.
// Weights are fixed at construction; per-call state lives on the stack, so a
// Fusion is safe for concurrent use across transactions.
type Fusion struct {
	weights map[string]float64
	epsilon float64
}

// New builds a fusion engine. Weights must be nonnegative and not all zero;
// their sum need not be 1 (renormalized per call over the OK subset).
func New(weights map[string]float64, agreementEpsilon float64) (*Fusion, error) {
	if len(weights) == 0 {
		return nil, &domain.ConfigurationError{Field: "weights", Reason: "at least one detector weight is required"}
	}
	var sum float64
	for name, w := range weights {
		if w < 0 {
			return nil, &domain.ConfigurationError{Field: "weights." + name, Reason: "weight must be nonnegative"}
		}
		sum += w
	}
	if sum == 0 {
		return nil, &domain.ConfigurationError{Field: "weights", Reason: "weights must not all be zero"}
	}
	if agreementEpsilon < 0 {
		return nil, &domain.ConfigurationError{Field: "agreementEpsilon", Reason: "must be nonnegative"}
	}

	// Defensive copy: the scorer treats configuration as immutable.
	ws := make(map[string]float64, len(weights))
	for k, v := range weights {
		ws[k] = v
	}
	return &Fusion{weights: ws, epsilon: agreementEpsilon}, nil
}

// Weight returns the configured (pre-renormalization) weight for a detector.
func (f *Fusion) Weight(detector string) float64 {
	return f.weights[detector]
}

// Fuse computes the composite score for one transaction.
//
//  1. Filter to OK results.
//  2. If none are OK, return EnsembleUnavailable: a systemic outage must not
//     masquerade as a safe score of zero.
//  3. Renormalize the OK detectors' weights to sum to 1 and take the
//     weighted average of their normalized scores.
//
// The Unanimous flag is set when all OK scores fall within the agreement
// epsilon, letting the rule layer skip escalations that need disagreement.
func (f *Fusion) Fuse(txID string, results []domain.DetectorResult) (*domain.EnsembleScore, error) {
	var weightSum float64
	lo, hi := math.Inf(1), math.Inf(-1)
	okCount := 0

	for _, r := range results {
		if r.Status != domain.DetectorOK {
			continue
		}
		okCount++
		weightSum += f.weights[r.Detector]
		if r.NormalizedScore < lo {
			lo = r.NormalizedScore
		}
		if r.NormalizedScore > hi {
			hi = r.NormalizedScore
		}
	}

	if okCount == 0 {
		return nil, &domain.EnsembleUnavailable{TxID: txID, Results: results}
	}
	if weightSum == 0 {
		// Every surviving detector carries zero configured weight; with no
		// usable weighting there is no defensible composite.
		return nil, &domain.EnsembleUnavailable{TxID: txID, Results: results}
	}

	weightsUsed := make(map[string]float64, okCount)
	var composite float64
	for _, r := range results {
		if r.Status != domain.DetectorOK {
			continue
		}
		w := f.weights[r.Detector] / weightSum
		weightsUsed[r.Detector] = w
		composite += w * r.NormalizedScore
	}

	contributing := make([]domain.DetectorResult, len(results))
	copy(contributing, results)

	return &domain.EnsembleScore{
		CompositeScore: composite,
		Contributing:   contributing,
		WeightsUsed:    weightsUsed,
		Unanimous:      hi-lo <= f.epsilon,
	}, nil
}
