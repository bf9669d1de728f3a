package detector

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Mahalanobis measures the Mahalanobis distance of the transaction from the
// population centroid, using the supplied covariance matrix.
//
// The covariance inverse is computed once at construction via Cholesky
// factorization. A singular (non-invertible) matrix makes every score FAILED;
// the detector never substitutes a silent zero.
type Mahalanobis struct {
	features []string
	means    []float64
	inv      *mat.SymDense
	cal      Calibration

	// singular holds the factorization failure, checked on every score.
	singular bool
}

// NewMahalanobis builds the detector from the population artifact carried in
// configuration. Shape mismatches are configuration errors; singularity is
// not (it surfaces per-score as FAILED, so the rest of the ensemble runs).
func NewMahalanobis(params domain.DetectorParams) (*Mahalanobis, error) {
	n := len(params.MahalanobisFeatures)
	if n == 0 {
		return nil, &domain.ConfigurationError{Field: "detectors.mahalanobisFeatures", Reason: "at least one feature is required"}
	}
	if len(params.PopulationMeans) != n {
		return nil, &domain.ConfigurationError{Field: "detectors.populationMeans", Reason: "means length must match feature list"}
	}
	if len(params.PopulationCovariance) != n {
		return nil, &domain.ConfigurationError{Field: "detectors.populationCovariance", Reason: "covariance must be square over the feature list"}
	}
	cal := Saturation(params.MahalanobisSaturation)
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	sym := mat.NewSymDense(n, nil)
	for i, row := range params.PopulationCovariance {
		if len(row) != n {
			return nil, &domain.ConfigurationError{Field: "detectors.populationCovariance", Reason: "covariance must be square over the feature list"}
		}
		for j := i; j < n; j++ {
			sym.SetSym(i, j, row[j])
		}
	}

	d := &Mahalanobis{
		features: params.MahalanobisFeatures,
		means:    params.PopulationMeans,
		cal:      cal,
	}

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		d.singular = true
		return d, nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		d.singular = true
		return d, nil
	}
	d.inv = &inv
	return d, nil
}

func (d *Mahalanobis) Name() string { return NameMahalanobis }

// Score computes sqrt((x-mu)' Sigma^-1 (x-mu)).
func (d *Mahalanobis) Score(fv *domain.FeatureVector) domain.DetectorResult {
	if d.singular {
		return failed(NameMahalanobis, "covariance matrix is singular")
	}

	diff := mat.NewVecDense(len(d.features), nil)
	for i, feature := range d.features {
		x, present := fv.Feature(feature)
		if !present || math.IsNaN(x) || math.IsInf(x, 0) {
			return failed(NameMahalanobis, "feature %q missing or non-finite", feature)
		}
		diff.SetVec(i, x-d.means[i])
	}

	tmp := mat.NewVecDense(len(d.features), nil)
	tmp.MulVec(d.inv, diff)
	quad := mat.Dot(diff, tmp)
	if quad < 0 {
		// Numerically impossible for a PD matrix; guard rounding noise.
		quad = 0
	}
	return ok(NameMahalanobis, math.Sqrt(quad), d.cal)
}
