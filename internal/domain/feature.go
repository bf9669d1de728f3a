// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// FeatureVector is the validated per-transaction input to the scoring engine.
// It is produced by the upstream feature-engineering pipeline and treated as
// immutable once handed to the scorer.
type FeatureVector struct {
	// Core identifiers
	TxID     string `json:"txId"`
	TenantID string `json:"tenantId"`

	// Owning customer (links to the historical profile snapshot)
	CustomerID string `json:"customerId"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Numeric features (e.g. "amount", "channel_deviation_ratio",
	// "home_branch_distance_km", "daily_velocity_ratio")
	Features map[string]float64 `json:"features"`

	// Categorical features (e.g. "channel", "tx_type")
	Categorical map[string]string `json:"categorical,omitempty"`

	// Profile is a read-only snapshot of the customer's historical
	// aggregates. Never mutated by scoring. May be nil; detectors that
	// require it fall back to population baselines or report FAILED.
	Profile *CustomerProfile `json:"profile,omitempty"`
}

// Feature returns a numeric feature value and whether it is present.
func (fv *FeatureVector) Feature(name string) (float64, bool) {
	if fv.Features == nil {
		return 0, false
	}
	v, ok := fv.Features[name]
	return v, ok
}

// Validate checks the fields every scoring call requires.
// Detector-specific feature requirements are checked by the detectors
// themselves and surface as FAILED detector results, not input errors.
func (fv *FeatureVector) Validate() error {
	if fv.TxID == "" {
		return &InputError{Field: "txId", Reason: "transaction id is required"}
	}
	if fv.Timestamp.IsZero() {
		return &InputError{Field: "timestamp", Reason: "timestamp is required"}
	}
	if len(fv.Features) == 0 {
		return &InputError{Field: "features", Reason: "at least one numeric feature is required"}
	}
	return nil
}

// CustomerProfile is a read-only snapshot of a customer's historical
// behaviour, assembled by the profile service from past transactions.
type CustomerProfile struct {
	CustomerID string `json:"customerId"`
	TenantID   string `json:"tenantId"`

	// Per-feature distribution statistics over the customer's history.
	Stats map[string]FeatureStats `json:"stats"`

	// Monthly spending baseline (total per month, averaged across months).
	MonthlyBaseline float64 `json:"monthlyBaseline"`

	// Number of historical transactions behind the snapshot.
	SampleCount int `json:"sampleCount"`

	// When the snapshot was computed.
	ComputedAt time.Time `json:"computedAt"`
}

// FeatureStats holds the distribution statistics detectors consume.
type FeatureStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// StatsFor returns the stats for a feature and whether they exist.
func (p *CustomerProfile) StatsFor(feature string) (FeatureStats, bool) {
	if p == nil || p.Stats == nil {
		return FeatureStats{}, false
	}
	s, ok := p.Stats[feature]
	return s, ok
}
