package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
)

// createTestServer creates a server wired with a statistical-only scorer.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	// One delta rule that only triggers on an explicit takeover signal, so
	// ordinary test vectors pass through unadjusted.
	testRule := &domain.RuleConfig{
		ID:         "takeover-test-001",
		Name:       "Takeover signal",
		Expression: `"channel_changed" in features && features["channel_changed"] >= 1.0`,
		Kind:       domain.RuleKindDelta,
		Delta:      0.2,
		Order:      10,
		Reason:     "channel changed mid-session",
		Enabled:    true,
	}
	if err := engine.LoadRule(testRule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	scoringCfg := domain.DefaultScoringConfig()
	scoringCfg.Weights = map[string]float64{
		"zscore": 0.6,
		"iqr":    0.4,
	}
	scoringCfg.Detectors.ZScoreFeatures = []string{"amount"}
	scoringCfg.Detectors.IQRFeatures = []string{"amount"}
	scoringCfg.Detectors.PopulationStats = map[string]domain.FeatureStats{
		"amount": {Mean: 100, StdDev: 50, Q1: 70, Q3: 130},
	}

	sc, err := scorer.New(scoringCfg, nil, engine)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}

	return NewServer(cfg, nil, nil, nil, engine, sc, nil, "test-v1")
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulScoring", func(t *testing.T) {
		reqBody := ScoreRequest{
			TxID:       "tx-001",
			CustomerID: "cust-001",
			Timestamp:  time.Now().UTC(),
			Features:   map[string]float64{"amount": 120},
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.RiskAssessment
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.ID == "" {
			t.Error("expected assessment id in response")
		}
		if resp.Status != domain.AssessmentScored {
			t.Errorf("expected status SCORED, got %s", resp.Status)
		}
		if resp.Category != domain.CategoryLow {
			t.Errorf("expected LOW category for a typical amount, got %s", resp.Category)
		}
		if resp.Priority != 1 {
			t.Errorf("expected priority 1 for single prediction, got %d", resp.Priority)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if resp.Metadata.DetectorsRun != 2 {
			t.Errorf("expected 2 detectors run, got %d", resp.Metadata.DetectorsRun)
		}
	})

	t.Run("RuleFloorsAndDeltas", func(t *testing.T) {
		reqBody := ScoreRequest{
			TxID:      "tx-takeover",
			Timestamp: time.Now().UTC(),
			Features: map[string]float64{
				"amount":          450, // 7 stddevs out
				"channel_changed": 1.0,
			},
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.RiskAssessment
		json.Unmarshal(rr.Body.Bytes(), &resp)

		// Both detectors saturate and the rule adds 0.2: final score clamps to 1.
		if resp.FinalScore != 1.0 {
			t.Errorf("expected final score 1.0, got %g", resp.FinalScore)
		}
		if resp.Category != domain.CategoryCritical {
			t.Errorf("expected CRITICAL, got %s", resp.Category)
		}
		if len(resp.Adjustments) != 1 || !resp.Adjustments[0].Triggered {
			t.Errorf("expected the takeover rule to trigger, got %+v", resp.Adjustments)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		// No X-Tenant-ID header

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTxID", func(t *testing.T) {
		reqBody := ScoreRequest{
			Timestamp: time.Now().UTC(),
			Features:  map[string]float64{"amount": 100},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFeatures", func(t *testing.T) {
		reqBody := ScoreRequest{
			TxID:      "tx-nofeat",
			Timestamp: time.Now().UTC(),
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		reqBody := ScoreRequest{
			TxID:      "tx-headers",
			Timestamp: time.Now().UTC(),
			Features:  map[string]float64{"amount": 100},
		}
		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestScoreBatchEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("BatchWithMalformedEntry", func(t *testing.T) {
		reqBody := BatchScoreRequest{
			Transactions: []ScoreRequest{
				{TxID: "tx-b1", Timestamp: time.Now().UTC(), Features: map[string]float64{"amount": 100}},
				{TxID: "tx-b2"}, // missing timestamp and features
				{TxID: "tx-b3", Timestamp: time.Now().UTC(), Features: map[string]float64{"amount": 400}},
			},
		}

		body, _ := json.Marshal(reqBody)
		req := httptest.NewRequest(http.MethodPost, "/score/batch", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Assessments []*domain.RiskAssessment `json:"assessments"`
			Count       int                      `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Count != 3 {
			t.Fatalf("expected 3 assessments, got %d", resp.Count)
		}

		// Order preserved: the bad entry comes back as a FAILED record.
		if resp.Assessments[1].Status != domain.AssessmentFailed {
			t.Errorf("expected FAILED for malformed entry, got %s", resp.Assessments[1].Status)
		}
		if resp.Assessments[1].FailureKind != domain.FailureInput {
			t.Errorf("expected input_error kind, got %s", resp.Assessments[1].FailureKind)
		}
		if resp.Assessments[0].Status != domain.AssessmentScored {
			t.Errorf("expected SCORED for first entry, got %s", resp.Assessments[0].Status)
		}

		// The riskier transaction outranks the typical one.
		if resp.Assessments[2].Priority >= resp.Assessments[0].Priority {
			t.Errorf("expected tx-b3 (priority %d) to outrank tx-b1 (priority %d)",
				resp.Assessments[2].Priority, resp.Assessments[0].Priority)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/score/batch", bytes.NewBufferString(`{"transactions":[]}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
