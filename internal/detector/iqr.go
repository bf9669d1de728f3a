package detector

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// IQR measures how far outside the Tukey fence [Q1 - k*IQR, Q3 + k*IQR]
// each inspected feature falls, in units of the interquartile range.
// A value inside the fence contributes zero.
type IQR struct {
	features   []string
	multiplier float64
	cal        Calibration
	population map[string]domain.FeatureStats
}

// NewIQR builds the detector from configuration.
func NewIQR(params domain.DetectorParams) (*IQR, error) {
	if len(params.IQRFeatures) == 0 {
		return nil, &domain.ConfigurationError{Field: "detectors.iqrFeatures", Reason: "at least one feature is required"}
	}
	if params.IQRMultiplier <= 0 {
		return nil, &domain.ConfigurationError{Field: "detectors.iqrMultiplier", Reason: "multiplier must be positive"}
	}
	cal := Saturation(params.IQRSaturation)
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &IQR{
		features:   params.IQRFeatures,
		multiplier: params.IQRMultiplier,
		cal:        cal,
		population: params.PopulationStats,
	}, nil
}

func (d *IQR) Name() string { return NameIQR }

// Score returns the worst (maximum) fence distance across usable features.
func (d *IQR) Score(fv *domain.FeatureVector) domain.DetectorResult {
	var peak float64
	used := 0

	for _, feature := range d.features {
		x, present := fv.Feature(feature)
		if !present || math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		stats, have := statsFor(fv, d.population, feature)
		iqr := stats.Q3 - stats.Q1
		if !have || iqr <= 0 {
			continue
		}

		lo := stats.Q1 - d.multiplier*iqr
		hi := stats.Q3 + d.multiplier*iqr

		var dist float64
		switch {
		case x < lo:
			dist = (lo - x) / iqr
		case x > hi:
			dist = (x - hi) / iqr
		}
		if dist > peak {
			peak = dist
		}
		used++
	}

	if used == 0 {
		return failed(NameIQR, "no usable feature among %v (missing values or quartiles)", d.features)
	}
	return ok(NameIQR, peak, d.cal)
}
