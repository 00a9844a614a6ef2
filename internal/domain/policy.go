package domain

// GlobalTenantID marks configuration that applies to every tenant.
const GlobalTenantID = "*"

// PolicyConfig defines a decision policy evaluated over scored output.
// The CEL expression sees the fraud probability, the transaction amount and
// the aggregate attributes of both entities, and must return a bool. When it
// returns true the policy's decision applies; the most severe matching
// decision wins (ALERT > REVIEW > PASS).
type PolicyConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Decision applied when the expression matches: "ALERT" or "REVIEW".
	Decision string `json:"decision"`

	// Reason attached to matching results.
	Reason string `json:"reason"`

	// Whether the policy is active
	Enabled bool `json:"enabled"`
}

// PolicyResult is the output of evaluating one policy against a score.
type PolicyResult struct {
	PolicyID  string `json:"policyId"`
	Matched   bool   `json:"matched"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	ProcessMs int64  `json:"processMs"`
}
