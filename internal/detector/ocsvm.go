package detector

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// OneClassSVM scores a transaction with a pre-trained one-class SVM using an
// RBF kernel. The raw anomaly score is the negated decision function: points
// outside the learned boundary (negative decision) score positive.
type OneClassSVM struct {
	artifact *SVMArtifact
}

// NewOneClassSVM wraps a trained SVM artifact.
func NewOneClassSVM(artifact *SVMArtifact) (*OneClassSVM, error) {
	if artifact == nil {
		return nil, &domain.ConfigurationError{Field: "ocsvm", Reason: "model artifact is required"}
	}
	if err := artifact.validate(); err != nil {
		return nil, err
	}
	return &OneClassSVM{artifact: artifact}, nil
}

func (d *OneClassSVM) Name() string { return NameOneClassSVM }

// Score computes raw = -(sum_i coef_i * K(x, sv_i) - rho).
func (d *OneClassSVM) Score(fv *domain.FeatureVector) domain.DetectorResult {
	a := d.artifact

	x, missing := featureRow(fv, a.Features)
	if missing != "" {
		return failed(NameOneClassSVM, "feature %q missing or non-finite", missing)
	}

	var decision float64
	for i, sv := range a.SupportVectors {
		var sq float64
		for j := range sv {
			diff := x[j] - sv[j]
			sq += diff * diff
		}
		decision += a.Coefficients[i] * math.Exp(-a.Gamma*sq)
	}
	decision -= a.Rho

	return ok(NameOneClassSVM, -decision, a.Calibration)
}
