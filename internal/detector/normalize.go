package detector

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Calibration maps a detector's native score range onto [0,1].
// It is pure and deterministic: same raw score, same output, regardless of
// call order. All methods are monotonic non-decreasing in anomaly strength.
//
// The ML detectors carry a calibration fitted at training time inside their
// model artifact; the statistical detectors use saturation thresholds from
// configuration. Calibrations are never refitted during scoring.
type Calibration struct {
	// Method is "saturation", "minmax" or "sigmoid".
	Method string `json:"method"`

	// Threshold is the raw score mapping to 1.0 under "saturation".
	Threshold float64 `json:"threshold,omitempty"`

	// Min and Max are the training-time raw score range under "minmax".
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`

	// Center and Scale parameterize "sigmoid":
	// 1 / (1 + exp(-(raw-Center)/Scale)).
	Center float64 `json:"center,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
}

// Saturation builds a saturation calibration: min(raw/threshold, 1).
func Saturation(threshold float64) Calibration {
	return Calibration{Method: "saturation", Threshold: threshold}
}

// Validate checks the calibration parameters at construction time.
func (c Calibration) Validate() error {
	switch c.Method {
	case "saturation":
		if c.Threshold <= 0 {
			return &domain.ConfigurationError{Field: "calibration.threshold", Reason: "saturation threshold must be positive"}
		}
	case "minmax":
		if c.Max <= c.Min {
			return &domain.ConfigurationError{Field: "calibration.minmax", Reason: "max must exceed min"}
		}
	case "sigmoid":
		if c.Scale <= 0 {
			return &domain.ConfigurationError{Field: "calibration.scale", Reason: "sigmoid scale must be positive"}
		}
	default:
		return &domain.ConfigurationError{Field: "calibration.method", Reason: "unknown method " + c.Method}
	}
	return nil
}

// Normalize maps a raw score into [0,1].
func (c Calibration) Normalize(raw float64) float64 {
	var v float64
	switch c.Method {
	case "saturation":
		if c.Threshold <= 0 {
			return clamp01(raw)
		}
		v = raw / c.Threshold
	case "minmax":
		if c.Max <= c.Min {
			return clamp01(raw)
		}
		v = (raw - c.Min) / (c.Max - c.Min)
	case "sigmoid":
		scale := c.Scale
		if scale <= 0 {
			scale = 1
		}
		v = 1.0 / (1.0 + math.Exp(-(raw-c.Center)/scale))
	default:
		v = raw
	}
	return clamp01(v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
