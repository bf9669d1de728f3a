// Package worker provides async feature vector processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scorer"
)

// Worker scores feature vectors asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	scorer   *scorer.Scorer
	profiles *profile.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, sc *scorer.Scorer, profiles *profile.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		scorer:   sc,
		profiles: profiles,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicFeatureVectorIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	// Subscribe to feature vector ingested topic
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicFeatureVectorIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processVector(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicFeatureVectorIngested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processVector(ctx, msg.TenantID, msg)
}

// VectorMessage is the message payload for asynchronous scoring.
type VectorMessage struct {
	TxID        string             `json:"txId"`
	TenantID    string             `json:"tenantId"`
	TraceID     string             `json:"traceId,omitempty"`
	CustomerID  string             `json:"customerId,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Features    map[string]float64 `json:"features"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// processVector scores one feature vector through the pipeline.
func (w *Worker) processVector(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	// Parse message
	var vm VectorMessage
	if err := json.Unmarshal(msg.Payload, &vm); err != nil {
		slog.Error("failed to parse feature vector message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if vm.TenantID != "" {
		tenantID = vm.TenantID
	}

	traceID := vm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("scoring feature vector",
		"tx_id", vm.TxID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	fv := &domain.FeatureVector{
		TxID:        vm.TxID,
		TenantID:    tenantID,
		CustomerID:  vm.CustomerID,
		Timestamp:   vm.Timestamp,
		Features:    vm.Features,
		Categorical: vm.Categorical,
	}

	// 1. Attach the customer's historical snapshot when one exists.
	if w.profiles != nil {
		if err := w.profiles.Enrich(ctx, fv); err != nil {
			slog.Warn("profile enrichment failed",
				"tx_id", fv.TxID,
				"error", err,
			)
		}
	}

	// 2. Score. Malformed vectors are recorded as FAILED assessments so the
	// message is consumed instead of redelivered forever.
	assessment, err := w.scorer.Predict(ctx, fv)
	if err != nil {
		if !domain.IsInputError(err) {
			slog.Error("scoring failed", "tx_id", vm.TxID, "error", err)
			return err
		}
		assessment = &domain.RiskAssessment{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			TxID:          vm.TxID,
			CustomerID:    vm.CustomerID,
			Timestamp:     vm.Timestamp,
			Status:        domain.AssessmentFailed,
			FailureKind:   domain.FailureInput,
			FailureReason: err.Error(),
			Metadata:      domain.AssessmentMetadata{EngineVersion: scorer.EngineVersion},
		}
	}
	assessment.Metadata.TraceID = traceID

	// 3. Save assessment
	if w.repo != nil {
		if err := w.repo.SaveAssessment(ctx, tenantID, assessment); err != nil {
			slog.Error("failed to save assessment",
				"tx_id", vm.TxID,
				"error", err,
			)
		}
	}

	// 4. Publish the assessment
	resultPayload, _ := json.Marshal(assessment)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicAssessment, resultPayload); err != nil {
		slog.Error("failed to publish assessment",
			"tx_id", vm.TxID,
			"error", err,
		)
	}

	// 5. If HIGH or CRITICAL, publish to alert topic
	if domain.ShouldAlert(assessment) {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", vm.TxID,
				"error", err,
			)
		}
	}

	slog.Info("feature vector scored",
		"tx_id", vm.TxID,
		"tenant_id", tenantID,
		"status", assessment.Status,
		"score", assessment.FinalScore,
		"category", assessment.Category,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
