package detector

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ZScore measures how many standard deviations each inspected feature sits
// from its historical mean, aggregated across the configured feature subset.
type ZScore struct {
	features   []string
	aggregate  string // "max" or "mean"
	cal        Calibration
	population map[string]domain.FeatureStats
}

// NewZScore builds the detector from configuration.
func NewZScore(params domain.DetectorParams) (*ZScore, error) {
	if len(params.ZScoreFeatures) == 0 {
		return nil, &domain.ConfigurationError{Field: "detectors.zscoreFeatures", Reason: "at least one feature is required"}
	}
	agg := params.ZScoreAggregate
	if agg == "" {
		agg = "max"
	}
	if agg != "max" && agg != "mean" {
		return nil, &domain.ConfigurationError{Field: "detectors.zscoreAggregate", Reason: `must be "max" or "mean"`}
	}
	cal := Saturation(params.ZScoreSaturation)
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &ZScore{
		features:   params.ZScoreFeatures,
		aggregate:  agg,
		cal:        cal,
		population: params.PopulationStats,
	}, nil
}

func (d *ZScore) Name() string { return NameZScore }

// Score computes raw = |x - mean| / stddev per usable feature, aggregated.
func (d *ZScore) Score(fv *domain.FeatureVector) domain.DetectorResult {
	var sum, peak float64
	used := 0

	for _, feature := range d.features {
		x, present := fv.Feature(feature)
		if !present || math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		stats, have := statsFor(fv, d.population, feature)
		if !have || stats.StdDev <= 0 {
			continue
		}
		z := math.Abs(x-stats.Mean) / stats.StdDev
		sum += z
		if z > peak {
			peak = z
		}
		used++
	}

	if used == 0 {
		return failed(NameZScore, "no usable feature among %v (missing values or statistics)", d.features)
	}

	raw := peak
	if d.aggregate == "mean" {
		raw = sum / float64(used)
	}
	return ok(NameZScore, raw, d.cal)
}
