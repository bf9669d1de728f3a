package domain

// RuleKind distinguishes the two adjustment behaviours a rule may have.
// A rule is one or the other, never both.
type RuleKind string

const (
	// RuleKindDelta adds a bounded delta to the running composite score,
	// clamped so the final score stays in [0,1].
	RuleKindDelta RuleKind = "delta"

	// RuleKindFloor forces a minimum risk category regardless of the
	// numeric score.
	RuleKindFloor RuleKind = "floor"
)

// RuleConfig defines one business rule. Rules are pure and side-effect free:
// the expression reads the feature vector and the running ensemble score only.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// Expression is a CEL expression returning bool: whether the rule
	// triggers. It sees the numeric features, categorical features, the
	// running composite score and the detector agreement flag.
	Expression string `json:"expression"`

	// Kind selects delta or floor behaviour.
	Kind RuleKind `json:"kind"`

	// Delta is the score increment for delta rules. May be negative for
	// mitigating rules; the running score is clamped to [0,1] after each.
	Delta float64 `json:"delta,omitempty"`

	// Floor is the minimum category for floor rules.
	Floor RiskCategory `json:"floor,omitempty"`

	// RequiresDisagreement skips the rule when all OK detectors agree
	// within the configured epsilon (no disagreement signal to act on).
	RequiresDisagreement bool `json:"requiresDisagreement,omitempty"`

	// Order fixes the application position; lower runs first. Later rules
	// see the score as adjusted by earlier ones.
	Order int `json:"order"`

	// Reason is the investigator-facing message recorded when triggered.
	Reason string `json:"reason,omitempty"`

	// Whether the rule is active.
	Enabled bool `json:"enabled"`
}

// ValidateRuleConfig checks the shape constraints a rule must satisfy.
func ValidateRuleConfig(cfg *RuleConfig) error {
	if cfg == nil {
		return &ConfigurationError{Field: "rule", Reason: "rule config is required"}
	}
	if cfg.ID == "" {
		return &ConfigurationError{Field: "rule.id", Reason: "rule id is required"}
	}
	if cfg.Expression == "" {
		return &ConfigurationError{Field: "rule.expression", Reason: "expression is required"}
	}
	switch cfg.Kind {
	case RuleKindDelta:
		if cfg.Delta < -1 || cfg.Delta > 1 {
			return &ConfigurationError{Field: "rule.delta", Reason: "delta must lie in [-1,1]"}
		}
		if cfg.Floor != "" {
			return &ConfigurationError{Field: "rule.floor", Reason: "delta rules must not set a floor"}
		}
	case RuleKindFloor:
		switch cfg.Floor {
		case CategoryLow, CategoryMedium, CategoryHigh, CategoryCritical:
		default:
			return &ConfigurationError{Field: "rule.floor", Reason: "floor rules must name a valid category"}
		}
		if cfg.Delta != 0 {
			return &ConfigurationError{Field: "rule.delta", Reason: "floor rules must not set a delta"}
		}
	default:
		return &ConfigurationError{Field: "rule.kind", Reason: `kind must be "delta" or "floor"`}
	}
	return nil
}
