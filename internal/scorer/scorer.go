// Package scorer provides the risk scoring façade: it owns the detector
// instances and orchestrates detectors, fusion, business rules,
// categorization and explanation for single and batch scoring.
package scorer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EngineVersion is stamped into every assessment's metadata.
const EngineVersion = "kestrel-1.0"

// Scorer is the scoring façade. It is constructed once from an immutable
// configuration and fitted model artifacts, and is safe for concurrent use.
// Reconfiguration means constructing a new Scorer.
type Scorer struct {
	cfg         domain.ScoringConfig
	detectors   []detector.Detector // deterministic configured order
	fusion      *ensemble.Fusion
	rules       *rules.Engine
	categorizer *decision.Categorizer
}

// detectorOrder fixes the enumeration order of the closed detector set.
var detectorOrder = []string{
	detector.NameZScore,
	detector.NameIQR,
	detector.NameMahalanobis,
	detector.NameIsolationForest,
	detector.NameLOF,
	detector.NameOneClassSVM,
}

// New validates the configuration and constructs the detector ensemble.
// Only detectors with a configured weight are built; a weight naming an
// unknown detector, or an ML detector without its model artifact, is a
// ConfigurationError and the engine refuses to start.
func New(cfg domain.ScoringConfig, artifacts *detector.Artifacts, ruleEngine *rules.Engine) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ruleEngine == nil {
		return nil, &domain.ConfigurationError{Field: "rules", Reason: "rule engine is required"}
	}

	known := map[string]bool{}
	for _, n := range detectorOrder {
		known[n] = true
	}
	for name := range cfg.Weights {
		if !known[name] {
			return nil, &domain.ConfigurationError{Field: "weights." + name, Reason: "unknown detector"}
		}
	}

	var detectors []detector.Detector
	for _, name := range detectorOrder {
		if _, configured := cfg.Weights[name]; !configured {
			continue
		}
		d, err := buildDetector(name, cfg.Detectors, artifacts)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}

	fusion, err := ensemble.New(cfg.Weights, cfg.AgreementEpsilon)
	if err != nil {
		return nil, err
	}
	categorizer, err := decision.NewCategorizer(cfg.Thresholds)
	if err != nil {
		return nil, err
	}

	return &Scorer{
		cfg:         cfg,
		detectors:   detectors,
		fusion:      fusion,
		rules:       ruleEngine,
		categorizer: categorizer,
	}, nil
}

func buildDetector(name string, params domain.DetectorParams, artifacts *detector.Artifacts) (detector.Detector, error) {
	switch name {
	case detector.NameZScore:
		return detector.NewZScore(params)
	case detector.NameIQR:
		return detector.NewIQR(params)
	case detector.NameMahalanobis:
		return detector.NewMahalanobis(params)
	case detector.NameIsolationForest:
		if artifacts == nil {
			return nil, &domain.ConfigurationError{Field: "isolationForest", Reason: "model artifact is required"}
		}
		return detector.NewIsolationForest(artifacts.Forest)
	case detector.NameLOF:
		if artifacts == nil {
			return nil, &domain.ConfigurationError{Field: "lof", Reason: "model artifact is required"}
		}
		return detector.NewLOF(artifacts.LOF)
	case detector.NameOneClassSVM:
		if artifacts == nil {
			return nil, &domain.ConfigurationError{Field: "ocsvm", Reason: "model artifact is required"}
		}
		return detector.NewOneClassSVM(artifacts.SVM)
	default:
		return nil, &domain.ConfigurationError{Field: "weights." + name, Reason: "unknown detector"}
	}
}

// Detectors returns the names of the configured detectors in scoring order.
func (s *Scorer) Detectors() []string {
	names := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		names[i] = d.Name()
	}
	return names
}

// Predict scores a single transaction synchronously. A malformed feature
// vector fails fast with a typed InputError before any detector runs. An
// ensemble outage (no detector produced a usable score) is not an error:
// it comes back as a FAILED assessment, never a default low score.
func (s *Scorer) Predict(ctx context.Context, fv *domain.FeatureVector) (*domain.RiskAssessment, error) {
	if fv == nil {
		return nil, &domain.InputError{Field: "featureVector", Reason: "feature vector is required"}
	}
	if err := fv.Validate(); err != nil {
		return nil, err
	}
	a := s.scoreOne(ctx, fv)
	a.Priority = 1
	return a, nil
}

// ScoreBatch scores transactions independently and in parallel up to the
// configured worker count, then ranks investigation priority in a single
// sequential pass. One result per input, in input order: per-transaction
// failures (bad input, ensemble outage) are carried in the result, never
// thrown. Cancellation is honored between transactions only; transactions
// already dispatched complete, and the context error is returned alongside
// the results produced so far.
func (s *Scorer) ScoreBatch(ctx context.Context, fvs []*domain.FeatureVector) ([]*domain.RiskAssessment, error) {
	results := make([]*domain.RiskAssessment, len(fvs))

	workers := s.cfg.BatchWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	var ctxErr error
	for i, fv := range fvs {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		wg.Add(1)
		sem <- struct{}{} // acquire
		go func(idx int, fv *domain.FeatureVector) {
			defer wg.Done()
			defer func() { <-sem }() // release

			if fv == nil {
				results[idx] = failedAssessment("", "", domain.FailureInput, "feature vector is required")
				return
			}
			if err := fv.Validate(); err != nil {
				results[idx] = failedAssessment(fv.TxID, fv.TenantID, domain.FailureInput, err.Error())
				results[idx].Timestamp = fv.Timestamp
				results[idx].CustomerID = fv.CustomerID
				return
			}
			results[idx] = s.scoreOne(ctx, fv)
		}(i, fv)
	}

	// Ranking is a sequential barrier: it needs every score to be known.
	wg.Wait()
	decision.Rank(results)

	return results, ctxErr
}

// scoreOne runs the full pipeline for one validated feature vector.
// A transaction is scored atomically: once started it runs to completion.
func (s *Scorer) scoreOne(ctx context.Context, fv *domain.FeatureVector) *domain.RiskAssessment {
	start := time.Now()

	detectorResults := s.runDetectors(fv)
	detectorsMs := time.Since(start).Milliseconds()

	timedOut := 0
	for _, r := range detectorResults {
		if r.Status == domain.DetectorUnavailable {
			timedOut++
		}
	}

	a := &domain.RiskAssessment{
		ID:         uuid.New().String(),
		TenantID:   fv.TenantID,
		TxID:       fv.TxID,
		CustomerID: fv.CustomerID,
		Timestamp:  fv.Timestamp,
		Metadata: domain.AssessmentMetadata{
			DetectorsMs:       detectorsMs,
			DetectorsRun:      len(detectorResults),
			TimedOutDetectors: timedOut,
			EngineVersion:     EngineVersion,
		},
	}

	es, err := s.fusion.Fuse(fv.TxID, detectorResults)
	if err != nil {
		a.Status = domain.AssessmentFailed
		a.FailureKind = domain.FailureEnsembleUnavailable
		a.FailureReason = err.Error()
		a.Ensemble = &domain.EnsembleScore{Contributing: detectorResults}
		a.Metadata.TotalMs = time.Since(start).Milliseconds()
		return a
	}

	outcome := s.rules.Apply(fv, es)

	a.Status = domain.AssessmentScored
	a.FinalScore = outcome.FinalScore
	a.Category = s.categorizer.Categorize(outcome.FinalScore, outcome.Floor)
	a.Ensemble = es
	a.Adjustments = outcome.Adjustments
	a.Explanation = decision.Explain(es, outcome.Adjustments)
	a.Metadata.RulesEvaluated = len(outcome.Adjustments)
	a.Metadata.TotalMs = time.Since(start).Milliseconds()
	return a
}

// runDetectors invokes every configured detector in parallel; they are
// mutually independent and read-only over the feature vector. Each gets the
// mandatory per-detector budget: exceeding it yields UNAVAILABLE (excluded
// from fusion weighting), a panic yields FAILED, and neither blocks or
// aborts the others.
func (s *Scorer) runDetectors(fv *domain.FeatureVector) []domain.DetectorResult {
	results := make([]domain.DetectorResult, len(s.detectors))
	var wg sync.WaitGroup

	for i, d := range s.detectors {
		wg.Add(1)
		go func(idx int, det detector.Detector) {
			defer wg.Done()

			ch := make(chan domain.DetectorResult, 1)
			go func() {
				started := time.Now()
				defer func() {
					if r := recover(); r != nil {
						ch <- domain.DetectorResult{
							Detector: det.Name(),
							Status:   domain.DetectorFailed,
							Reason:   fmt.Sprintf("panic: %v", r),
						}
					}
				}()
				res := det.Score(fv)
				res.ProcessMs = time.Since(started).Milliseconds()
				ch <- res
			}()

			timer := time.NewTimer(s.cfg.DetectorTimeout)
			defer timer.Stop()

			select {
			case res := <-ch:
				results[idx] = res
			case <-timer.C:
				results[idx] = domain.DetectorResult{
					Detector: det.Name(),
					Status:   domain.DetectorUnavailable,
					Reason:   "scoring deadline exceeded",
				}
			}
		}(i, d)
	}

	wg.Wait()
	return results
}

func failedAssessment(txID, tenantID, kind, reason string) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		TxID:          txID,
		Status:        domain.AssessmentFailed,
		FailureKind:   kind,
		FailureReason: reason,
		Metadata: domain.AssessmentMetadata{
			EngineVersion: EngineVersion,
		},
	}
}
