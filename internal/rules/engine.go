// Package rules provides the CEL-Go based business rule layer applied after
// ensemble fusion. Rules are deterministic and side-effect free: each reads
// the feature vector and the running composite score, then either adds a
// bounded delta or forces a minimum risk category.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds compiled rules and applies them in configured order.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	byID    map[string]*CompiledRule
	ordered []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates the rule engine with the feature-vector environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("categorical", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("unanimous", cel.BoolType),
		cel.Variable("customer_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:  env,
		byID: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles and validates a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if err := domain.ValidateRuleConfig(cfg); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if err := domain.ValidateRuleConfig(cfg); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.byID[cfg.ID] = compiled
	e.reorder()
	return nil
}

// LoadRules compiles and loads the enabled rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the repository.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := domain.ValidateRuleConfig(cfg); err != nil {
			return err
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.byID = newRules
	e.reorder()
	return nil
}

// reorder rebuilds the application order. Callers hold the write lock.
// Ties on Order fall back to ID for a deterministic sequence.
func (e *Engine) reorder() {
	ordered := make([]*CompiledRule, 0, len(e.byID))
	for _, r := range e.byID {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Config, ordered[j].Config
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	e.ordered = ordered
}

// Outcome is the result of applying the rule layer to one transaction.
type Outcome struct {
	// FinalScore is the composite score after all deltas, in [0,1].
	FinalScore float64

	// Floor is the strongest category floor forced by any triggered floor
	// rule, or "" when none triggered.
	Floor domain.RiskCategory

	// Adjustments lists every evaluated rule in applied order.
	Adjustments []domain.RuleAdjustment
}

// Apply evaluates all loaded rules strictly in configured order. Later rules
// see the score as adjusted by earlier ones. Rule evaluation errors are
// absorbed: the rule does not trigger and the reason is recorded.
func (e *Engine) Apply(fv *domain.FeatureVector, es *domain.EnsembleScore) Outcome {
	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	features := fv.Features
	if features == nil {
		features = map[string]float64{}
	}
	categorical := fv.Categorical
	if categorical == nil {
		categorical = map[string]string{}
	}

	out := Outcome{
		FinalScore:  clamp01(es.CompositeScore),
		Adjustments: make([]domain.RuleAdjustment, 0, len(ordered)),
	}

	for _, rule := range ordered {
		cfg := rule.Config

		adj := domain.RuleAdjustment{Rule: cfg.Name}
		if adj.Rule == "" {
			adj.Rule = cfg.ID
		}

		if cfg.RequiresDisagreement && es.Unanimous {
			// No disagreement signal to act on; documented skip, not a
			// silent one.
			adj.Reason = "skipped: detectors agree within epsilon"
			out.Adjustments = append(out.Adjustments, adj)
			continue
		}

		activation := map[string]any{
			"features":    features,
			"categorical": categorical,
			"score":       out.FinalScore,
			"unanimous":   es.Unanimous,
			"customer_id": fv.CustomerID,
		}

		val, _, err := rule.Program.Eval(activation)
		if err != nil {
			adj.Reason = fmt.Sprintf("evaluation error: %v", err)
			out.Adjustments = append(out.Adjustments, adj)
			continue
		}
		triggered, okBool := val.(types.Bool)
		if !okBool || !bool(triggered) {
			out.Adjustments = append(out.Adjustments, adj)
			continue
		}

		adj.Triggered = true
		adj.Reason = cfg.Reason

		switch cfg.Kind {
		case domain.RuleKindDelta:
			before := out.FinalScore
			out.FinalScore = clamp01(before + cfg.Delta)
			adj.AppliedDelta = out.FinalScore - before
		case domain.RuleKindFloor:
			adj.FloorCategory = cfg.Floor
			if domain.CategoryRank(cfg.Floor) > domain.CategoryRank(out.Floor) {
				out.Floor = cfg.Floor
			}
		}
		out.Adjustments = append(out.Adjustments, adj)
	}

	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}

// GetLoadedRules returns the currently loaded rule configurations in
// application order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.ordered))
	for _, compiled := range e.ordered {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = make(map[string]*CompiledRule)
	e.ordered = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
