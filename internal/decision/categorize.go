// Package decision maps final composite scores to risk categories, builds
// investigator-facing explanations and ranks batches by investigation
// priority.
package decision

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Categorizer maps a final score (plus any rule floor) to a risk band.
// Thresholds are validated and fixed at construction.
type Categorizer struct {
	thresholds domain.CategoryThresholds
}

// NewCategorizer validates the ascending cut-points and builds a categorizer.
func NewCategorizer(t domain.CategoryThresholds) (*Categorizer, error) {
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return nil, &domain.ConfigurationError{
			Field:  "thresholds",
			Reason: "category thresholds must be strictly ascending (low < medium < high < critical)",
		}
	}
	return &Categorizer{thresholds: t}, nil
}

// Categorize selects the highest band whose cut-point the score meets or
// exceeds (lower bounds are closed: score == threshold lands in the higher
// band). A rule-forced floor wins whenever it outranks the numeric band.
func (c *Categorizer) Categorize(finalScore float64, floor domain.RiskCategory) domain.RiskCategory {
	var cat domain.RiskCategory
	switch {
	case finalScore >= c.thresholds.Critical:
		cat = domain.CategoryCritical
	case finalScore >= c.thresholds.High:
		cat = domain.CategoryHigh
	case finalScore >= c.thresholds.Medium:
		cat = domain.CategoryMedium
	default:
		cat = domain.CategoryLow
	}

	if domain.CategoryRank(floor) > domain.CategoryRank(cat) {
		return floor
	}
	return cat
}

// Rank assigns investigation priorities across a batch: a dense integer rank
// over (category, final score), highest risk first, ties in the ordering
// broken by timestamp (earlier first) then transaction ID for determinism.
// FAILED assessments are not ranked. The input slice order is untouched.
func Rank(assessments []*domain.RiskAssessment) {
	scored := make([]*domain.RiskAssessment, 0, len(assessments))
	for _, a := range assessments {
		if a != nil && a.Status == domain.AssessmentScored {
			scored = append(scored, a)
		}
	}
	if len(scored) == 0 {
		return
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if ra, rb := domain.CategoryRank(a.Category), domain.CategoryRank(b.Category); ra != rb {
			return ra > rb
		}
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.TxID < b.TxID
	})

	rank := 1
	scored[0].Priority = rank
	for i := 1; i < len(scored); i++ {
		prev, cur := scored[i-1], scored[i]
		// Dense rank: identical (category, score) pairs share a rank.
		if cur.Category != prev.Category || cur.FinalScore != prev.FinalScore {
			rank++
		}
		cur.Priority = rank
	}
}
