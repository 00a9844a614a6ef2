// Package policy provides the CEL-Go based decision layer evaluated
// over scored output.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates decision policies. Policies see the
// model's fraud probability alongside the same feature values the model
// scored, so thresholds can be conditioned on entity history.
//
// Compiled policies are keyed by tenant: a tenant's scores see that
// tenant's policies plus the policies loaded under
// domain.GlobalTenantID, never another tenant's.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	tenants map[string]map[string]*CompiledPolicy
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.PolicyConfig
	Program cel.Program
}

// Input holds the scored transaction data for policy evaluation.
type Input struct {
	Probability float64
	Amount      float64
	Aggregates  *domain.EntityAggregates
}

// NewEngine creates a policy engine with the scoring variable set.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("probability", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("customer_count", cel.IntType),
		cel.Variable("customer_total", cel.DoubleType),
		cel.Variable("customer_avg", cel.DoubleType),
		cel.Variable("merchant_count", cel.IntType),
		cel.Variable("merchant_total", cel.DoubleType),
		cel.Variable("merchant_avg", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:     env,
		tenants: make(map[string]map[string]*CompiledPolicy),
	}, nil
}

func tenantKey(tenantID string) string {
	if tenantID == "" {
		return domain.GlobalTenantID
	}
	return tenantID
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(cfg *domain.PolicyConfig) error {
	if cfg == nil {
		return fmt.Errorf("policy config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compilePolicy(cfg)
	return err
}

// LoadPolicy compiles and loads a policy into its tenant's set, keyed
// by the config's TenantID (domain.GlobalTenantID when empty).
func (e *Engine) LoadPolicy(cfg *domain.PolicyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compilePolicy(cfg)
	if err != nil {
		return err
	}

	key := tenantKey(cfg.TenantID)
	if e.tenants[key] == nil {
		e.tenants[key] = make(map[string]*CompiledPolicy)
	}
	e.tenants[key][cfg.ID] = compiled
	return nil
}

// ReloadPolicies replaces one tenant's loaded set atomically. Disabled
// policies are skipped; other tenants' sets are untouched. This enables
// hot-reloading from the store.
func (e *Engine) ReloadPolicies(tenantID string, configs []*domain.PolicyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledPolicy)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compilePolicy(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	key := tenantKey(tenantID)
	if len(next) == 0 {
		delete(e.tenants, key)
		return nil
	}
	e.tenants[key] = next
	return nil
}

// EvaluateAll runs the tenant's policies plus the global set against a
// scored transaction and returns the per-policy results plus the final
// decision. With no matching policy (or no policies at all) the
// decision is PASS.
func (e *Engine) EvaluateAll(tenantID string, input *Input) ([]domain.PolicyResult, string) {
	key := tenantKey(tenantID)

	e.mu.RLock()
	var policies []*CompiledPolicy
	for _, p := range e.tenants[domain.GlobalTenantID] {
		policies = append(policies, p)
	}
	if key != domain.GlobalTenantID {
		for _, p := range e.tenants[key] {
			policies = append(policies, p)
		}
	}
	e.mu.RUnlock()

	activation := map[string]any{
		"probability":    input.Probability,
		"amount":         input.Amount,
		"customer_count": int64(0),
		"customer_total": 0.0,
		"customer_avg":   0.0,
		"merchant_count": int64(0),
		"merchant_total": 0.0,
		"merchant_avg":   0.0,
	}
	if input.Aggregates != nil && input.Aggregates.Customer != nil {
		activation["customer_count"] = input.Aggregates.Customer.TransactionCount
		activation["customer_total"] = input.Aggregates.Customer.TotalAmount
		activation["customer_avg"] = input.Aggregates.Customer.AvgTransactionAmount
	}
	if input.Aggregates != nil && input.Aggregates.Merchant != nil {
		activation["merchant_count"] = input.Aggregates.Merchant.TransactionCount
		activation["merchant_total"] = input.Aggregates.Merchant.TotalAmount
		activation["merchant_avg"] = input.Aggregates.Merchant.AvgTransactionAmount
	}

	results := make([]domain.PolicyResult, 0, len(policies))
	decision := domain.DecisionPass

	for _, p := range policies {
		result := e.evaluatePolicy(p, activation)
		results = append(results, result)
		if result.Matched && severity(result.Decision) > severity(decision) {
			decision = result.Decision
		}
	}

	return results, decision
}

func (e *Engine) evaluatePolicy(p *CompiledPolicy, activation map[string]any) domain.PolicyResult {
	start := time.Now()

	result := domain.PolicyResult{
		PolicyID: p.Config.ID,
	}

	out, _, err := p.Program.Eval(activation)
	if err != nil {
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	if matched, ok := out.(types.Bool); ok && bool(matched) {
		result.Matched = true
		result.Decision = p.Config.Decision
		result.Reason = p.Config.Reason
	}
	result.ProcessMs = time.Since(start).Milliseconds()
	return result
}

// PoliciesCount returns how many policies apply to the tenant: its own
// set plus the global one.
func (e *Engine) PoliciesCount(tenantID string) int {
	key := tenantKey(tenantID)

	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.tenants[domain.GlobalTenantID])
	if key != domain.GlobalTenantID {
		n += len(e.tenants[key])
	}
	return n
}

// GetLoadedPolicies returns the policy configurations that apply to the
// tenant, global set included.
func (e *Engine) GetLoadedPolicies(tenantID string) []*domain.PolicyConfig {
	key := tenantKey(tenantID)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*domain.PolicyConfig
	for _, p := range e.tenants[domain.GlobalTenantID] {
		out = append(out, p.Config)
	}
	if key != domain.GlobalTenantID {
		for _, p := range e.tenants[key] {
			out = append(out, p.Config)
		}
	}
	return out
}

// Close clears every loaded policy set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants = make(map[string]map[string]*CompiledPolicy)
	return nil
}

func (e *Engine) compilePolicy(cfg *domain.PolicyConfig) (*CompiledPolicy, error) {
	if cfg.Decision != domain.DecisionAlert && cfg.Decision != domain.DecisionReview {
		return nil, fmt.Errorf("policy %s: decision must be %s or %s, got %q",
			cfg.ID, domain.DecisionAlert, domain.DecisionReview, cfg.Decision)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", cfg.ID, err)
	}

	return &CompiledPolicy{Config: cfg, Program: program}, nil
}

func severity(decision string) int {
	switch decision {
	case domain.DecisionAlert:
		return 2
	case domain.DecisionReview:
		return 1
	default:
		return 0
	}
}
