// Package detector provides the anomaly detectors the ensemble fuses:
// statistical detectors (Z-score, IQR, Mahalanobis) and pre-trained
// model-based detectors (Isolation Forest, LOF, One-Class SVM).
package detector

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Canonical detector names, matching the fusion weight keys.
const (
	NameZScore          = "zscore"
	NameIQR             = "iqr"
	NameMahalanobis     = "mahalanobis"
	NameIsolationForest = "isolation_forest"
	NameLOF             = "lof"
	NameOneClassSVM     = "ocsvm"
)

// Detector scores one feature vector. Implementations are stateless at
// scoring time (read-only fitted parameters) and safe for concurrent use.
// A detector never panics outward and never aborts its peers: anything it
// cannot score comes back as a FAILED result with a reason.
type Detector interface {
	Name() string
	Score(fv *domain.FeatureVector) domain.DetectorResult
}

// ok builds an OK result, normalizing the raw score with the calibration.
func ok(name string, raw float64, cal Calibration) domain.DetectorResult {
	return domain.DetectorResult{
		Detector:        name,
		RawScore:        raw,
		NormalizedScore: cal.Normalize(raw),
		Status:          domain.DetectorOK,
	}
}

// failed builds a FAILED result carrying the reason.
func failed(name, format string, args ...any) domain.DetectorResult {
	return domain.DetectorResult{
		Detector: name,
		Status:   domain.DetectorFailed,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// statsFor resolves per-feature statistics: the customer profile snapshot
// wins, population baselines fill the gaps.
func statsFor(fv *domain.FeatureVector, population map[string]domain.FeatureStats, feature string) (domain.FeatureStats, bool) {
	if s, okProfile := fv.Profile.StatsFor(feature); okProfile {
		return s, true
	}
	s, okPop := population[feature]
	return s, okPop
}
