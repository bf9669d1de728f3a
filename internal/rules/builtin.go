package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// celFloat renders v as a CEL double literal. %g drops the decimal point
// for whole numbers, producing an int literal that CEL refuses to compare
// against a double feature value.
func celFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// BuiltinRules returns the default business rules, parameterized by the
// configured thresholds. Deployments extend or replace them via the rules
// API; these cover the documented baseline overrides.
func BuiltinRules(t domain.RuleThresholds) []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "channel-deviation-001",
			Name:        "channel-deviation",
			Description: "Customer's channel usage deviates from its historical mix",
			Version:     "1.0.0",
			Expression: fmt.Sprintf(
				`"channel_deviation_ratio" in features && features["channel_deviation_ratio"] > %s`,
				celFloat(t.ChannelDeviation)),
			Kind:    domain.RuleKindDelta,
			Delta:   0.15,
			Order:   10,
			Reason:  fmt.Sprintf("channel deviation above %g", t.ChannelDeviation),
			Enabled: true,
		},
		{
			ID:          "velocity-spike-001",
			Name:        "velocity-spike",
			Description: "Daily spend velocity exceeds the monthly baseline multiple",
			Version:     "1.0.0",
			Expression: fmt.Sprintf(
				`"daily_velocity_ratio" in features && features["daily_velocity_ratio"] > %s`,
				celFloat(t.VelocityRatio)),
			Kind:    domain.RuleKindDelta,
			Delta:   0.10,
			Order:   20,
			Reason:  fmt.Sprintf("daily velocity ratio above %g", t.VelocityRatio),
			Enabled: true,
		},
		{
			ID:          "location-mismatch-001",
			Name:        "location-mismatch",
			Description: "Transaction far from the customer's home branch",
			Version:     "1.0.0",
			Expression: fmt.Sprintf(
				`"home_branch_distance_km" in features && features["home_branch_distance_km"] > %s`,
				celFloat(t.LocationMismatchKm)),
			Kind:    domain.RuleKindDelta,
			Delta:   0.10,
			Order:   30,
			Reason:  fmt.Sprintf("location more than %g km from home branch", t.LocationMismatchKm),
			Enabled: true,
		},
		{
			// Account-takeover certainty: a changed channel combined with a
			// distant location forces CRITICAL regardless of the numeric score.
			ID:          "takeover-floor-001",
			Name:        "account-takeover-floor",
			Description: "Channel changed and location mismatch: confirmed takeover pattern",
			Version:     "1.0.0",
			Expression: fmt.Sprintf(
				`("channel_changed" in features && features["channel_changed"] >= 1.0) && `+
					`("home_branch_distance_km" in features && features["home_branch_distance_km"] > %s)`,
				celFloat(t.LocationMismatchKm)),
			Kind:    domain.RuleKindFloor,
			Floor:   domain.CategoryCritical,
			Order:   40,
			Reason:  "channel changed while transacting far from home branch",
			Enabled: true,
		},
		{
			// Detector disagreement on a mid-band score warrants a review
			// nudge; skipped when the ensemble is unanimous.
			ID:                   "disagreement-escalation-001",
			Name:                 "detector-disagreement",
			Description:          "Detectors disagree on a borderline transaction",
			Version:              "1.0.0",
			Expression:           `!unanimous && score >= 0.4`,
			Kind:                 domain.RuleKindDelta,
			Delta:                0.05,
			RequiresDisagreement: true,
			Order:                50,
			Reason:               "detectors disagree on a borderline score",
			Enabled:              true,
		},
	}
}
