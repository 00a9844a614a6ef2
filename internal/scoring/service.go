// Package scoring runs the end-to-end fraud scoring pipeline: feature
// assembly, scaling, classification, policy decision, persistence and
// event publication.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Service scores prospective transactions. The model bundle is
// immutable after construction; the policy engine hot-reloads
// independently.
type Service struct {
	store     domain.GraphStore
	assembler *features.Assembler
	bundle    *model.Bundle
	policies  *policy.Engine
	bus       domain.EventBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewService wires the scoring pipeline. Bus and metrics may be nil.
func NewService(
	store domain.GraphStore,
	assembler *features.Assembler,
	bundle *model.Bundle,
	policies *policy.Engine,
	bus domain.EventBus,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Service, error) {
	if bundle == nil || bundle.Scaler == nil || bundle.Classifier == nil {
		return nil, fmt.Errorf("%w: no model bundle loaded", domain.ErrModelUnavailable)
	}
	return &Service{
		store:     store,
		assembler: assembler,
		bundle:    bundle,
		policies:  policies,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("kestrel/scoring"),
	}, nil
}

// PredictFraud walks one request through the pipeline and persists the
// outcome. The same request against the same aggregates and model
// always yields the same probability.
func (s *Service) PredictFraud(ctx context.Context, tenantID string, req *domain.ScoreRequest) (*domain.Score, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "scoring.PredictFraud",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("customer.id", req.CustomerID),
			attribute.String("merchant.id", req.MerchantID),
		),
	)
	defer span.End()

	if err := validateRequest(tenantID, req); err != nil {
		return nil, s.fail(err)
	}

	score := &domain.Score{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CustomerID: req.CustomerID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		State:      domain.StateReceived,
		Timestamp:  time.Now().UTC(),
		Metadata: domain.ScoreMetadata{
			TraceID:      span.SpanContext().TraceID().String(),
			ModelVersion: s.bundle.Classifier.Version(),
		},
	}

	// Feature assembly.
	fetchStart := time.Now()
	vector, agg, err := s.assembler.Assemble(ctx, tenantID, req.CustomerID, req.MerchantID, req.Amount)
	score.Metadata.FetchMs = time.Since(fetchStart).Milliseconds()
	if err != nil {
		score.State = domain.StateFailed
		return nil, s.fail(err)
	}
	score.Features = vector
	score.State = domain.StateFeaturesFetched

	// Scale, then classify.
	scoreStart := time.Now()
	scaled := s.bundle.Scaler.Transform(vector)
	score.State = domain.StateScaled

	score.Probability = s.bundle.Classifier.PredictProba(scaled)
	score.Metadata.ScoreMs = time.Since(scoreStart).Milliseconds()
	score.State = domain.StateScored

	// Policy decision over the scored output.
	score.Decision = domain.DecisionPass
	if s.policies != nil {
		results, decision := s.policies.EvaluateAll(tenantID, &policy.Input{
			Probability: score.Probability,
			Amount:      req.Amount,
			Aggregates:  agg,
		})
		score.PolicyResults = results
		score.Decision = decision
	}

	score.Metadata.TotalMs = time.Since(start).Milliseconds()

	if err := s.store.SaveScore(ctx, tenantID, score); err != nil {
		// The caller still gets the score; persistence failure is logged
		// and surfaced through metrics rather than failing the request.
		s.logger.Error("failed to persist score",
			"tenant_id", tenantID,
			"score_id", score.ID,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.ScoreErrors.WithLabelValues("persist").Inc()
		}
	}

	s.publish(ctx, score)

	if s.metrics != nil {
		s.metrics.ScoresTotal.WithLabelValues(score.Decision).Inc()
		s.metrics.ScoreDuration.Observe(time.Since(start).Seconds())
	}

	s.logger.Info("transaction scored",
		"tenant_id", tenantID,
		"score_id", score.ID,
		"customer_id", req.CustomerID,
		"merchant_id", req.MerchantID,
		"probability", score.Probability,
		"decision", score.Decision,
		"total_ms", score.Metadata.TotalMs,
	)

	return score, nil
}

// GetScore fetches a persisted score by ID.
func (s *Service) GetScore(ctx context.Context, tenantID, scoreID string) (*domain.Score, error) {
	return s.store.GetScore(ctx, tenantID, scoreID)
}

// ReloadPolicies reloads the tenant's decision policies from the store.
// Other tenants' sets, including the global one, are untouched.
func (s *Service) ReloadPolicies(ctx context.Context, tenantID string) (int, error) {
	if s.policies == nil {
		return 0, nil
	}
	configs, err := s.store.ListPolicies(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("loading policies: %w", err)
	}
	if err := s.policies.ReloadPolicies(tenantID, configs); err != nil {
		return 0, err
	}
	return s.policies.PoliciesCount(tenantID), nil
}

func (s *Service) publish(ctx context.Context, score *domain.Score) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(score)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, score.TenantID, domain.TopicScoreCompleted, payload); err != nil {
		s.logger.Warn("failed to publish score event",
			"tenant_id", score.TenantID,
			"score_id", score.ID,
			"error", err,
		)
	}

	if score.Decision == domain.DecisionAlert {
		if err := s.bus.Publish(ctx, score.TenantID, domain.TopicAlert, payload); err != nil {
			s.logger.Warn("failed to publish alert event",
				"tenant_id", score.TenantID,
				"score_id", score.ID,
				"error", err,
			)
		}
	}
}

func (s *Service) fail(err error) error {
	if s.metrics != nil {
		s.metrics.ScoreErrors.WithLabelValues(errorReason(err)).Inc()
	}
	return err
}

func validateRequest(tenantID string, req *domain.ScoreRequest) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if req == nil {
		return fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
	}
	if req.CustomerID == "" || req.MerchantID == "" {
		return fmt.Errorf("%w: customerId and merchantId are required", domain.ErrInvalidInput)
	}
	if req.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidInput)
	}
	return nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrEntityNotFound):
		return "entity_not_found"
	case errors.Is(err, domain.ErrIncompleteAggregates):
		return "incomplete_aggregates"
	case errors.Is(err, domain.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
