package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Scoring holds the engine thresholds, weights and hyperparameters.
	// Loaded once; the scorer treats it as immutable for its lifetime.
	Scoring ScoringConfig `json:"scoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ScoringConfig is the parsed threshold/weight configuration consumed by the
// scorer at construction. Invalid values are fatal (ConfigurationError).
type ScoringConfig struct {
	// Thresholds are the ascending category cut-points. A final score
	// greater than or equal to a cut-point belongs to that band or higher.
	Thresholds CategoryThresholds `json:"thresholds"`

	// Weights maps detector name to its fusion weight. Nonnegative;
	// the sum need not be 1 (renormalized over OK detectors per call).
	Weights map[string]float64 `json:"weights"`

	// Detectors holds per-detector hyperparameters.
	Detectors DetectorParams `json:"detectors"`

	// Rules holds built-in rule thresholds.
	Rules RuleThresholds `json:"rules"`

	// AgreementEpsilon: when all OK detectors' normalized scores fall
	// within this band, rules requiring disagreement signals are skipped.
	AgreementEpsilon float64 `json:"agreementEpsilon"`

	// DetectorTimeout is the per-detector scoring budget. A detector that
	// exceeds it is marked UNAVAILABLE, not FAILED.
	DetectorTimeout time.Duration `json:"detectorTimeout"`

	// BatchWorkers bounds cross-transaction parallelism in ScoreBatch.
	BatchWorkers int `json:"batchWorkers"`
}

// CategoryThresholds are the ascending cut-points for the four risk bands.
type CategoryThresholds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DetectorParams holds the statistical detectors' hyperparameters and the
// feature subsets they aggregate over. ML detector parameters travel with
// their model artifacts instead.
type DetectorParams struct {
	// ZScoreFeatures is the feature subset the Z-score detector inspects.
	ZScoreFeatures []string `json:"zscoreFeatures"`

	// ZScoreAggregate is "max" or "mean" across the feature subset.
	ZScoreAggregate string `json:"zscoreAggregate"`

	// ZScoreSaturation is the raw score at which normalization saturates
	// to 1.0 (e.g. 3.0 standard deviations).
	ZScoreSaturation float64 `json:"zscoreSaturation"`

	// IQRFeatures is the feature subset the IQR detector inspects.
	IQRFeatures []string `json:"iqrFeatures"`

	// IQRMultiplier is the k in [Q1 - k*IQR, Q3 + k*IQR].
	IQRMultiplier float64 `json:"iqrMultiplier"`

	// IQRSaturation is the raw distance (in IQR units) saturating to 1.0.
	IQRSaturation float64 `json:"iqrSaturation"`

	// MahalanobisFeatures is the ordered feature list matching the
	// covariance matrix supplied in the population artifact.
	MahalanobisFeatures []string `json:"mahalanobisFeatures"`

	// MahalanobisSaturation is the raw distance saturating to 1.0.
	MahalanobisSaturation float64 `json:"mahalanobisSaturation"`

	// PopulationStats are the population-level fallback statistics used
	// when a customer profile lacks a feature.
	PopulationStats map[string]FeatureStats `json:"populationStats"`

	// PopulationCovariance is the row-major covariance matrix over
	// MahalanobisFeatures, supplied with the population artifact.
	PopulationCovariance [][]float64 `json:"populationCovariance"`

	// PopulationMeans are the means over MahalanobisFeatures.
	PopulationMeans []float64 `json:"populationMeans"`
}

// RuleThresholds holds the built-in business rule cut-points.
type RuleThresholds struct {
	// ChannelDeviation is the channel-usage deviation ratio above which
	// the channel rule triggers (e.g. 0.15).
	ChannelDeviation float64 `json:"channelDeviation"`

	// LocationMismatchKm is the distance from the home branch above which
	// the geographic rule triggers.
	LocationMismatchKm float64 `json:"locationMismatchKm"`

	// VelocityRatio is the daily-spend velocity ratio above which the
	// velocity rule triggers (daily amount vs. monthly baseline / 30).
	VelocityRatio float64 `json:"velocityRatio"`
}

// Validate enforces the construction-time invariants. Any violation is a
// ConfigurationError and the engine must refuse to start.
func (c *ScoringConfig) Validate() error {
	t := c.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return &ConfigurationError{
			Field:  "thresholds",
			Reason: "category thresholds must be strictly ascending (low < medium < high < critical)",
		}
	}
	if t.Low < 0 || t.Critical > 1 {
		return &ConfigurationError{
			Field:  "thresholds",
			Reason: "category thresholds must lie in [0,1]",
		}
	}
	if len(c.Weights) == 0 {
		return &ConfigurationError{Field: "weights", Reason: "at least one detector weight is required"}
	}
	var sum float64
	for name, w := range c.Weights {
		if w < 0 {
			return &ConfigurationError{Field: "weights." + name, Reason: "weight must be nonnegative"}
		}
		sum += w
	}
	if sum == 0 {
		return &ConfigurationError{Field: "weights", Reason: "weights must not all be zero"}
	}
	if c.AgreementEpsilon < 0 {
		return &ConfigurationError{Field: "agreementEpsilon", Reason: "must be nonnegative"}
	}
	if c.DetectorTimeout <= 0 {
		return &ConfigurationError{Field: "detectorTimeout", Reason: "a per-detector timeout is mandatory"}
	}
	if c.BatchWorkers < 0 {
		return &ConfigurationError{Field: "batchWorkers", Reason: "must be nonnegative"}
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultScoringConfig returns documented default thresholds and weights.
// Saturation constants and rule cut-points are deployment configuration;
// these defaults match the reference pipeline.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Thresholds: CategoryThresholds{
			Low:      0.0,
			Medium:   0.4,
			High:     0.65,
			Critical: 0.85,
		},
		Weights: map[string]float64{
			"zscore":           0.20,
			"iqr":              0.15,
			"mahalanobis":      0.15,
			"isolation_forest": 0.20,
			"lof":              0.15,
			"ocsvm":            0.15,
		},
		Detectors: DetectorParams{
			ZScoreFeatures:        []string{"amount", "daily_velocity_ratio"},
			ZScoreAggregate:       "max",
			ZScoreSaturation:      3.0,
			IQRFeatures:           []string{"amount"},
			IQRMultiplier:         1.5,
			IQRSaturation:         3.0,
			MahalanobisFeatures:   []string{"amount", "daily_velocity_ratio", "home_branch_distance_km"},
			MahalanobisSaturation: 5.0,
			PopulationStats: map[string]FeatureStats{
				"amount":               {Mean: 100, StdDev: 50, Q1: 70, Q3: 130},
				"daily_velocity_ratio": {Mean: 1, StdDev: 0.8, Q1: 0.5, Q3: 1.4},
			},
			PopulationMeans: []float64{100, 1, 8},
			PopulationCovariance: [][]float64{
				{2500, 0, 0},
				{0, 0.64, 0},
				{0, 0, 100},
			},
		},
		Rules: RuleThresholds{
			ChannelDeviation:   0.15,
			LocationMismatchKm: 100.0,
			VelocityRatio:      3.0,
		},
		AgreementEpsilon: 0.05,
		DetectorTimeout:  500 * time.Millisecond,
		BatchWorkers:     8,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:    TierCommunity,
		Scoring: DefaultScoringConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
