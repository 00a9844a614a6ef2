package domain

import (
	"time"
)

// Scoring request states. A request either walks the full pipeline to
// StateScored or stops at StateFailed carrying the specific error kind.
const (
	StateReceived        = "received"
	StateFeaturesFetched = "features_fetched"
	StateScaled          = "scaled"
	StateScored          = "scored"
	StateFailed          = "failed"
)

// Decision outcomes produced by the policy engine.
const (
	DecisionPass   = "PASS"
	DecisionReview = "REVIEW"
	DecisionAlert  = "ALERT"
)

// Score is the persisted result of one fraud scoring call.
type Score struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	CustomerID string  `json:"customerId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`

	// Probability is the fraud probability in [0,1] assigned by the
	// classifier to the positive class.
	Probability float64 `json:"probability"`

	// Decision is the policy outcome over the scored output.
	Decision string `json:"decision"`

	// State is the terminal pipeline state for this request.
	State string `json:"state"`

	Features      FeatureVector  `json:"features"`
	PolicyResults []PolicyResult `json:"policyResults,omitempty"`

	Timestamp time.Time     `json:"timestamp"`
	Metadata  ScoreMetadata `json:"metadata"`
}

// ScoreMetadata contains processing information for one scoring call.
type ScoreMetadata struct {
	TraceID      string `json:"traceId"`
	FetchMs      int64  `json:"fetchMs"`
	ScoreMs      int64  `json:"scoreMs"`
	TotalMs      int64  `json:"totalMs"`
	ModelVersion string `json:"modelVersion"`
}

// ScoreRequest is the API request payload for POST /score.
type ScoreRequest struct {
	CustomerID string  `json:"customerId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
}
