package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	scorer   *scorer.Scorer
	profiles *profile.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, sc *scorer.Scorer, profiles *profile.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		scorer:   sc,
		profiles: profiles,
		version:  version,
	}
}

// ScoreRequest is the request body for POST /score and each element of
// POST /score/batch.
type ScoreRequest struct {
	TxID        string             `json:"txId"`
	CustomerID  string             `json:"customerId,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Features    map[string]float64 `json:"features"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// BatchScoreRequest is the request body for POST /score/batch.
type BatchScoreRequest struct {
	Transactions []ScoreRequest `json:"transactions"`
}

func (req *ScoreRequest) toFeatureVector(tenantID string) *domain.FeatureVector {
	return &domain.FeatureVector{
		TxID:        req.TxID,
		TenantID:    tenantID,
		CustomerID:  req.CustomerID,
		Timestamp:   req.Timestamp,
		Features:    req.Features,
		Categorical: req.Categorical,
	}
}

// Score handles POST /score requests: it scores one transaction
// synchronously and returns the full risk assessment.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	fv := req.toFeatureVector(tenantID)

	// Attach the customer's historical profile when one exists. Scoring
	// proceeds without it; detectors fall back to population baselines.
	if h.profiles != nil {
		if err := h.profiles.Enrich(ctx, fv); err != nil {
			slog.Warn("profile enrichment failed",
				"tx_id", fv.TxID,
				"customer_id", fv.CustomerID,
				"error", err,
			)
		}
	}

	assessment, err := h.scorer.Predict(ctx, fv)
	if err != nil {
		if domain.IsInputError(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("scoring failed", "tx_id", fv.TxID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}

	assessment.Metadata.TraceID = traceID
	h.persistAndPublish(r, tenantID, assessment)

	writeJSON(w, http.StatusOK, assessment)
}

// ScoreBatch handles POST /score/batch requests: it scores every
// transaction in the batch and returns one assessment per input, in input
// order, ranked by investigation priority. Per-transaction failures come
// back as FAILED assessments, never as a rejected batch.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req BatchScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions must not be empty",
		})
		return
	}

	fvs := make([]*domain.FeatureVector, len(req.Transactions))
	for i := range req.Transactions {
		fvs[i] = req.Transactions[i].toFeatureVector(tenantID)
		if h.profiles != nil {
			if err := h.profiles.Enrich(ctx, fvs[i]); err != nil {
				slog.Warn("profile enrichment failed",
					"tx_id", fvs[i].TxID,
					"error", err,
				)
			}
		}
	}

	assessments, err := h.scorer.ScoreBatch(ctx, fvs)
	if err != nil {
		slog.Warn("batch interrupted", "error", err, "scored", len(assessments))
	}

	for _, a := range assessments {
		if a == nil {
			continue
		}
		a.Metadata.TraceID = traceID
		h.persistAndPublish(r, tenantID, a)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// persistAndPublish saves an assessment and emits bus events. Persistence
// and publication failures are logged, not surfaced: the caller already has
// the assessment.
func (h *Handler) persistAndPublish(r *http.Request, tenantID string, a *domain.RiskAssessment) {
	ctx := r.Context()

	if h.repo != nil {
		if err := h.repo.SaveAssessment(ctx, tenantID, a); err != nil {
			slog.Error("failed to save assessment", "id", a.ID, "tx_id", a.TxID, "error", err)
		}
	}

	if h.bus == nil {
		return
	}

	payload, err := json.Marshal(a)
	if err != nil {
		slog.Error("failed to marshal assessment", "id", a.ID, "error", err)
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicAssessment, payload); err != nil {
		slog.Error("failed to publish assessment", "id", a.ID, "error", err)
	}

	if domain.ShouldAlert(a) {
		if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "id", a.ID, "error", err)
		}
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	assessmentID := chi.URLParam(r, "id")

	if assessmentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "assessment id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAssessment(ctx, tenantID, assessmentID)
	if err != nil {
		slog.Error("failed to get assessment", "id", assessmentID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// GetAssessmentByTx retrieves the latest assessment for a transaction.
func (h *Handler) GetAssessmentByTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "txId")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	a, err := h.repo.GetAssessmentByTx(ctx, tenantID, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "assessment not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// ListAssessments returns recent assessments for the tenant, newest first.
// Accepts an optional ?since=RFC3339 query parameter (default: last 24h).
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC3339 timestamp",
			})
			return
		}
		since = parsed
	}

	assessments, err := h.repo.ListAssessments(ctx, tenantID, since, 100)
	if err != nil {
		slog.Error("failed to list assessments", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list assessments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	// Return rules currently loaded in the engine (sourced from database)
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	// Check rules loaded in the engine (from database)
	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Description          string              `json:"description,omitempty"`
	Expression           string              `json:"expression"`
	Kind                 domain.RuleKind     `json:"kind"`
	Delta                float64             `json:"delta,omitempty"`
	Floor                domain.RiskCategory `json:"floor,omitempty"`
	RequiresDisagreement bool                `json:"requiresDisagreement,omitempty"`
	Order                int                 `json:"order"`
	Reason               string              `json:"reason,omitempty"`
	Enabled              bool                `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	// Create rule config (global tenant)
	ruleConfig := &domain.RuleConfig{
		ID:                   req.ID,
		TenantID:             GlobalTenantID,
		Name:                 req.Name,
		Description:          req.Description,
		Version:              "1.0.0",
		Expression:           req.Expression,
		Kind:                 req.Kind,
		Delta:                req.Delta,
		Floor:                req.Floor,
		RequiresDisagreement: req.RequiresDisagreement,
		Order:                req.Order,
		Reason:               req.Reason,
		Enabled:              req.Enabled,
	}

	if err := domain.ValidateRuleConfig(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	// Persist to repository (global tenant ID)
	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	// Load rules from database (global rules)
	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	// Reload into engine
	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// GetProfile retrieves a customer profile snapshot.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "customerId")

	if customerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customer id is required",
		})
		return
	}

	if h.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "profile service not available",
		})
		return
	}

	p, err := h.profiles.GetProfile(ctx, tenantID, customerID)
	if err != nil || p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "profile not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// SaveProfile stores a customer profile snapshot, replacing any previous one.
func (h *Handler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "customerId")

	if customerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customer id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var p domain.CustomerProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	p.CustomerID = customerID
	p.TenantID = tenantID
	if p.ComputedAt.IsZero() {
		p.ComputedAt = time.Now().UTC()
	}

	if err := h.repo.SaveProfile(ctx, tenantID, &p); err != nil {
		slog.Error("failed to save profile", "customer_id", customerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save profile",
		})
		return
	}

	// Refresh the cache so the next scoring call sees the new snapshot.
	if h.cache != nil {
		if err := h.cache.SetProfile(ctx, tenantID, customerID, &p, 5*time.Minute); err != nil {
			slog.Warn("failed to refresh profile cache", "customer_id", customerID, "error", err)
		}
	}

	slog.Info("profile saved", "customer_id", customerID, "sample_count", p.SampleCount)
	writeJSON(w, http.StatusOK, &p)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
