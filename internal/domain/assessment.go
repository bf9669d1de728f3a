package domain

import (
	"time"
)

// DetectorStatus distinguishes a valid score from an inability to compute one.
type DetectorStatus string

const (
	// DetectorOK means the detector produced a usable score.
	DetectorOK DetectorStatus = "OK"

	// DetectorUnavailable means the detector exceeded its time budget or
	// was not configured; it is excluded from fusion without penalty.
	DetectorUnavailable DetectorStatus = "UNAVAILABLE"

	// DetectorFailed means the detector could not compute a score
	// (malformed input, singular covariance, panic). The reason is recorded.
	DetectorFailed DetectorStatus = "FAILED"
)

// DetectorResult is the immutable per-detector output for one transaction.
type DetectorResult struct {
	Detector        string         `json:"detector"`
	RawScore        float64        `json:"rawScore"`
	NormalizedScore float64        `json:"normalizedScore"` // in [0,1] when status is OK
	Status          DetectorStatus `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	ProcessMs       int64          `json:"processMs,omitempty"`
}

// EnsembleScore is the fused output of all configured detectors.
type EnsembleScore struct {
	// CompositeScore is the weighted average over OK detectors, in [0,1].
	CompositeScore float64 `json:"compositeScore"`

	// Contributing holds every detector result in configured order,
	// including UNAVAILABLE and FAILED ones.
	Contributing []DetectorResult `json:"contributing"`

	// WeightsUsed maps detector name to the renormalized weight actually
	// applied (OK detectors only, summing to 1).
	WeightsUsed map[string]float64 `json:"weightsUsed"`

	// Unanimous is true when all OK detectors agree within the configured
	// epsilon. Rules that require disagreement signals are skipped.
	Unanimous bool `json:"unanimous"`
}

// RuleAdjustment records one business rule's effect on a composite score.
// A rule either adds a bounded delta or forces a floor category, never both.
type RuleAdjustment struct {
	Rule      string `json:"rule"`
	Triggered bool   `json:"triggered"`

	// AppliedDelta is the delta actually applied after clamping the
	// running score to [0,1]. Zero for floor rules.
	AppliedDelta float64 `json:"appliedDelta,omitempty"`

	// FloorCategory is the minimum category forced by the rule, if any.
	FloorCategory RiskCategory `json:"floorCategory,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// RiskCategory is the terminal risk band of an assessment.
type RiskCategory string

const (
	CategoryLow      RiskCategory = "LOW"
	CategoryMedium   RiskCategory = "MEDIUM"
	CategoryHigh     RiskCategory = "HIGH"
	CategoryCritical RiskCategory = "CRITICAL"
)

// CategoryRank orders categories for floor comparison and priority ranking.
func CategoryRank(c RiskCategory) int {
	switch c {
	case CategoryCritical:
		return 3
	case CategoryHigh:
		return 2
	case CategoryMedium:
		return 1
	default:
		return 0
	}
}

// Assessment status constants. A FAILED assessment is a structured failure
// record, distinct from a low-risk score.
const (
	AssessmentScored = "SCORED"
	AssessmentFailed = "FAILED"
)

// Failure kinds recorded on FAILED assessments.
const (
	FailureInput               = "input_error"
	FailureEnsembleUnavailable = "ensemble_unavailable"
)

// Factor is one entry of an assessment explanation: how much a detector or
// rule contributed to the final score. Ordered by |Contribution| descending.
type Factor struct {
	// Source is the detector or rule name.
	Source string `json:"source"`

	// Kind is "detector" or "rule".
	Kind string `json:"kind"`

	// Weight is the renormalized fusion weight (detectors only).
	Weight float64 `json:"weight,omitempty"`

	// Value is the detector's normalized score or the rule's applied delta.
	Value float64 `json:"value"`

	// Contribution is weight*value for detectors, the applied delta for
	// delta rules, and 0 for floor rules (their effect is categorical).
	Contribution float64 `json:"contribution"`

	// Detail carries the rule reason or floor category, when applicable.
	Detail string `json:"detail,omitempty"`
}

// RiskAssessment is the final, immutable output for one transaction.
type RiskAssessment struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	TxID       string    `json:"txId"`
	CustomerID string    `json:"customerId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Status is SCORED or FAILED.
	Status string `json:"status"`

	// FailureKind and FailureReason are set only when Status is FAILED.
	FailureKind   string `json:"failureKind,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	// FinalScore is the post-rule composite score in [0,1].
	FinalScore float64 `json:"finalScore"`

	// Category is the terminal risk band.
	Category RiskCategory `json:"category,omitempty"`

	// Priority is the dense investigation rank within the scoring batch
	// (1 = investigate first). For single predictions it is always 1.
	Priority int `json:"priority,omitempty"`

	// Ensemble is the pre-rule fusion result.
	Ensemble *EnsembleScore `json:"ensemble,omitempty"`

	// Adjustments lists every evaluated rule in applied order.
	Adjustments []RuleAdjustment `json:"adjustments,omitempty"`

	// Explanation lists contributing factors, largest magnitude first.
	Explanation []Factor `json:"explanation,omitempty"`

	// Processing metadata
	Metadata AssessmentMetadata `json:"metadata"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID           string `json:"traceId,omitempty"`
	DetectorsMs       int64  `json:"detectorsMs"`
	TotalMs           int64  `json:"totalMs"`
	DetectorsRun      int    `json:"detectorsRun"`
	RulesEvaluated    int    `json:"rulesEvaluated"`
	EngineVersion     string `json:"engineVersion"`
	TimedOutDetectors int    `json:"timedOutDetectors,omitempty"`
}

// Failed reports whether the assessment is a failure record.
func (a *RiskAssessment) Failed() bool {
	return a.Status == AssessmentFailed
}

// ShouldAlert reports whether the assessment warrants an alert publication.
func ShouldAlert(a *RiskAssessment) bool {
	return a.Status == AssessmentScored &&
		(a.Category == CategoryHigh || a.Category == CategoryCritical)
}
