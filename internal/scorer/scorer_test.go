package scorer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func testScoringConfig() domain.ScoringConfig {
	cfg := domain.DefaultScoringConfig()
	cfg.Weights = map[string]float64{
		detector.NameZScore: 0.6,
		detector.NameIQR:    0.4,
	}
	cfg.Detectors.ZScoreFeatures = []string{"amount"}
	cfg.Detectors.IQRFeatures = []string{"amount"}
	cfg.Detectors.PopulationStats = map[string]domain.FeatureStats{
		"amount": {Mean: 100, StdDev: 50, Q1: 70, Q3: 130},
	}
	cfg.BatchWorkers = 4
	return cfg
}

func newTestScorer(t *testing.T, cfg domain.ScoringConfig) *Scorer {
	t.Helper()
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	sc, err := New(cfg, nil, engine)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	return sc
}

func vector(txID string, amount float64) *domain.FeatureVector {
	return &domain.FeatureVector{
		TxID:       txID,
		TenantID:   "tenant-001",
		CustomerID: "cust-001",
		Timestamp:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Features:   map[string]float64{"amount": amount},
	}
}

func TestPredict(t *testing.T) {
	sc := newTestScorer(t, testScoringConfig())

	t.Run("ScoresTypicalTransaction", func(t *testing.T) {
		a, err := sc.Predict(context.Background(), vector("tx-001", 120))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if a.Status != domain.AssessmentScored {
			t.Fatalf("expected SCORED, got %s (%s)", a.Status, a.FailureReason)
		}
		// z=0.4/3 weighted 0.6, IQR inside the fence: composite 0.08.
		if a.FinalScore < 0.07 || a.FinalScore > 0.09 {
			t.Errorf("expected composite near 0.08, got %v", a.FinalScore)
		}
		if a.Category != domain.CategoryLow {
			t.Errorf("expected LOW, got %s", a.Category)
		}
		if a.Priority != 1 {
			t.Errorf("single predictions carry priority 1, got %d", a.Priority)
		}
		if a.ID == "" {
			t.Error("expected a generated assessment id")
		}
		if len(a.Ensemble.Contributing) != 2 {
			t.Errorf("expected 2 detector results, got %d", len(a.Ensemble.Contributing))
		}
		if a.Metadata.EngineVersion != EngineVersion {
			t.Errorf("expected engine version %q, got %q", EngineVersion, a.Metadata.EngineVersion)
		}
		if a.Metadata.DetectorsRun != 2 {
			t.Errorf("expected 2 detectors run, got %d", a.Metadata.DetectorsRun)
		}
		if len(a.Explanation) == 0 {
			t.Error("expected an explanation")
		}
	})

	t.Run("ExtremeTransactionIsCritical", func(t *testing.T) {
		a, err := sc.Predict(context.Background(), vector("tx-002", 900))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Category != domain.CategoryCritical {
			t.Errorf("expected CRITICAL, got %s at score %v", a.Category, a.FinalScore)
		}
	})

	t.Run("DeterministicScores", func(t *testing.T) {
		first, err := sc.Predict(context.Background(), vector("tx-003", 275))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := sc.Predict(context.Background(), vector("tx-003", 275))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first.FinalScore != second.FinalScore || first.Category != second.Category {
			t.Errorf("same vector must score identically: %v/%s vs %v/%s",
				first.FinalScore, first.Category, second.FinalScore, second.Category)
		}
		if first.ID == second.ID {
			t.Error("each assessment gets its own id")
		}
	})

	t.Run("RejectsMalformedInput", func(t *testing.T) {
		if _, err := sc.Predict(context.Background(), nil); !domain.IsInputError(err) {
			t.Errorf("expected InputError for nil vector, got %v", err)
		}

		fv := vector("", 100)
		if _, err := sc.Predict(context.Background(), fv); !domain.IsInputError(err) {
			t.Errorf("expected InputError for missing tx id, got %v", err)
		}

		fv = vector("tx-004", 100)
		fv.Features = nil
		if _, err := sc.Predict(context.Background(), fv); !domain.IsInputError(err) {
			t.Errorf("expected InputError for empty features, got %v", err)
		}

		fv = vector("tx-005", 100)
		fv.Timestamp = time.Time{}
		if _, err := sc.Predict(context.Background(), fv); !domain.IsInputError(err) {
			t.Errorf("expected InputError for zero timestamp, got %v", err)
		}
	})

	t.Run("EnsembleOutageIsFailedAssessment", func(t *testing.T) {
		cfg := testScoringConfig()
		// Degenerate statistics: both detectors fail on every vector.
		cfg.Detectors.PopulationStats = map[string]domain.FeatureStats{
			"amount": {Mean: 100, StdDev: 0, Q1: 100, Q3: 100},
		}
		broken := newTestScorer(t, cfg)

		a, err := broken.Predict(context.Background(), vector("tx-006", 120))
		if err != nil {
			t.Fatalf("an outage is a failed assessment, not an error: %v", err)
		}
		if a.Status != domain.AssessmentFailed {
			t.Fatalf("expected FAILED, got %s", a.Status)
		}
		if a.FailureKind != domain.FailureEnsembleUnavailable {
			t.Errorf("expected %s, got %s", domain.FailureEnsembleUnavailable, a.FailureKind)
		}
		if a.Ensemble == nil || len(a.Ensemble.Contributing) != 2 {
			t.Error("expected the detector results preserved on the failure record")
		}
	})
}

func TestStatisticalAnomalyWithRuleDelta(t *testing.T) {
	// Amount 310 sits 4.2 standard deviations out: Z-score saturates at 1.0
	// and the IQR fence distance is (310-220)/60 = 1.5, normalized 0.5.
	// Composite: 0.6*1.0 + 0.4*0.5 = 0.80. The channel rule adds 0.15,
	// landing at 0.95, past the 0.85 CRITICAL cut-point.
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := engine.LoadRule(&domain.RuleConfig{
		ID:         "channel-deviation-001",
		Name:       "channel-deviation",
		Expression: `"channel_deviation_ratio" in features && features["channel_deviation_ratio"] > 0.15`,
		Kind:       domain.RuleKindDelta,
		Delta:      0.15,
		Order:      10,
		Reason:     "channel deviation above 0.15",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	sc, err := New(testScoringConfig(), nil, engine)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}

	fv := vector("tx-e2e-001", 310)
	fv.Features["channel_deviation_ratio"] = 0.25

	a, err := sc.Predict(context.Background(), fv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != domain.AssessmentScored {
		t.Fatalf("expected SCORED, got %s (%s)", a.Status, a.FailureReason)
	}
	if a.FinalScore < 0.95-1e-9 || a.FinalScore > 0.95+1e-9 {
		t.Errorf("expected final score 0.95, got %v", a.FinalScore)
	}
	if a.Category != domain.CategoryCritical {
		t.Errorf("expected CRITICAL at 0.95, got %s", a.Category)
	}
	if len(a.Adjustments) != 1 || !a.Adjustments[0].Triggered {
		t.Errorf("expected the channel rule triggered, got %+v", a.Adjustments)
	}
}

func TestScoreBatch(t *testing.T) {
	sc := newTestScorer(t, testScoringConfig())

	t.Run("OrderPreservedAndRanked", func(t *testing.T) {
		malformed := vector("tx-b2", 100)
		malformed.Features = nil

		batch := []*domain.FeatureVector{
			vector("tx-b1", 100),
			malformed,
			vector("tx-b3", 400),
		}

		results, err := sc.ScoreBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}

		if results[0].TxID != "tx-b1" || results[1].TxID != "tx-b2" || results[2].TxID != "tx-b3" {
			t.Errorf("results out of input order: %s, %s, %s",
				results[0].TxID, results[1].TxID, results[2].TxID)
		}

		if results[1].Status != domain.AssessmentFailed || results[1].FailureKind != domain.FailureInput {
			t.Errorf("expected the malformed entry FAILED with input_error, got %s/%s",
				results[1].Status, results[1].FailureKind)
		}

		// The anomalous transaction outranks the quiet one.
		if results[2].Priority != 1 {
			t.Errorf("expected the extreme transaction at priority 1, got %d", results[2].Priority)
		}
		if results[0].Priority != 2 {
			t.Errorf("expected the quiet transaction at priority 2, got %d", results[0].Priority)
		}
		if results[1].Priority != 0 {
			t.Errorf("failed entries are unranked, got %d", results[1].Priority)
		}
	})

	t.Run("NilEntryIsFailedInPlace", func(t *testing.T) {
		results, err := sc.ScoreBatch(context.Background(), []*domain.FeatureVector{
			vector("tx-b4", 100),
			nil,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if results[1].Status != domain.AssessmentFailed || results[1].FailureKind != domain.FailureInput {
			t.Errorf("expected a FAILED placeholder for the nil entry, got %+v", results[1])
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		results, err := sc.ScoreBatch(context.Background(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("expected no results, got %d", len(results))
		}
	})

	t.Run("HonorsCancellationBetweenDispatches", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results, err := sc.ScoreBatch(ctx, []*domain.FeatureVector{
			vector("tx-b5", 100),
			vector("tx-b6", 100),
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled alongside partial results, got %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected a slot per input, got %d", len(results))
		}
		for _, r := range results {
			if r != nil {
				t.Error("no transaction may be dispatched after cancellation")
			}
		}
	})

	t.Run("LargeBatchWithSingleWorker", func(t *testing.T) {
		cfg := testScoringConfig()
		cfg.BatchWorkers = 1
		serial := newTestScorer(t, cfg)

		batch := make([]*domain.FeatureVector, 50)
		for i := range batch {
			batch[i] = vector(fmt.Sprintf("tx-serial-%03d", i), 100+float64(i))
		}

		results, err := serial.ScoreBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, r := range results {
			if r == nil || r.Status != domain.AssessmentScored {
				t.Fatalf("entry %d not scored: %+v", i, r)
			}
		}
	})
}

func TestScorerConstruction(t *testing.T) {
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	t.Run("DetectorsInConfiguredOrder", func(t *testing.T) {
		sc := newTestScorer(t, testScoringConfig())
		names := sc.Detectors()
		if len(names) != 2 || names[0] != detector.NameZScore || names[1] != detector.NameIQR {
			t.Errorf("unexpected detector order: %v", names)
		}
	})

	t.Run("RejectsUnknownDetector", func(t *testing.T) {
		cfg := testScoringConfig()
		cfg.Weights["percentile"] = 0.5
		if _, err := New(cfg, nil, engine); err == nil {
			t.Error("expected error for unknown detector weight")
		}
	})

	t.Run("RejectsModelDetectorWithoutArtifact", func(t *testing.T) {
		cfg := testScoringConfig()
		cfg.Weights[detector.NameIsolationForest] = 0.2
		if _, err := New(cfg, nil, engine); err == nil {
			t.Error("expected error for isolation forest without a model artifact")
		}
	})

	t.Run("RequiresRuleEngine", func(t *testing.T) {
		if _, err := New(testScoringConfig(), nil, nil); err == nil {
			t.Error("expected error for nil rule engine")
		}
	})

	t.Run("RejectsInvalidThresholds", func(t *testing.T) {
		cfg := testScoringConfig()
		cfg.Thresholds.High = cfg.Thresholds.Medium
		if _, err := New(cfg, nil, engine); err == nil {
			t.Error("expected error for non-ascending thresholds")
		}
	})

	t.Run("RejectsMissingTimeout", func(t *testing.T) {
		cfg := testScoringConfig()
		cfg.DetectorTimeout = 0
		if _, err := New(cfg, nil, engine); err == nil {
			t.Error("expected error for missing detector timeout")
		}
	})
}
