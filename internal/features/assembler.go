// Package features turns a scoring request into the fixed-order
// feature vector the model consumes, reading entity aggregates through
// the cache when possible.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Assembler looks up entity aggregates and builds feature vectors.
type Assembler struct {
	store   domain.GraphStore
	cache   domain.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger

	aggregateTTL time.Duration
}

// NewAssembler creates an assembler. Cache may be nil, in which case
// every lookup goes to the store.
func NewAssembler(store domain.GraphStore, cache domain.Cache, m *metrics.Metrics, logger *slog.Logger, aggregateTTL time.Duration) *Assembler {
	if aggregateTTL <= 0 {
		aggregateTTL = 30 * time.Second
	}
	return &Assembler{
		store:        store,
		cache:        cache,
		metrics:      m,
		logger:       logger,
		aggregateTTL: aggregateTTL,
	}
}

// Assemble builds the feature vector for a prospective transaction.
// Both entities must exist and carry aggregates from a completed
// aggregation pass; otherwise the model would silently score against
// fabricated history.
func (a *Assembler) Assemble(ctx context.Context, tenantID, customerID, merchantID string, amount float64) (domain.FeatureVector, *domain.EntityAggregates, error) {
	if amount < 0 {
		return domain.FeatureVector{}, nil, fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidInput)
	}

	agg, err := a.lookupAggregates(ctx, tenantID, customerID, merchantID)
	if err != nil {
		return domain.FeatureVector{}, nil, err
	}

	if !agg.Complete() {
		return domain.FeatureVector{}, nil, fmt.Errorf("%w: %s", domain.ErrIncompleteAggregates, missingDetail(agg))
	}

	return domain.NewFeatureVector(amount, agg), agg, nil
}

func (a *Assembler) lookupAggregates(ctx context.Context, tenantID, customerID, merchantID string) (*domain.EntityAggregates, error) {
	if a.cache != nil {
		cached, err := a.cache.GetAggregates(ctx, tenantID, customerID, merchantID)
		if err != nil {
			a.logger.Warn("aggregate cache read failed",
				"tenant_id", tenantID,
				"error", err,
			)
		} else if cached != nil {
			if a.metrics != nil {
				a.metrics.CacheHits.Inc()
			}
			return cached, nil
		}
		if a.metrics != nil {
			a.metrics.CacheMisses.Inc()
		}
	}

	start := time.Now()
	agg, err := a.store.GetEntityAggregates(ctx, tenantID, customerID, merchantID)
	if a.metrics != nil {
		a.metrics.FeatureFetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	// Only complete lookups are worth caching; incomplete ones resolve
	// as soon as the next aggregation pass lands.
	if a.cache != nil && agg.Complete() {
		if err := a.cache.SetAggregates(ctx, tenantID, agg, a.aggregateTTL); err != nil {
			a.logger.Warn("aggregate cache write failed",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
	return agg, nil
}

func missingDetail(agg *domain.EntityAggregates) string {
	switch {
	case agg.Customer == nil && agg.Merchant == nil:
		return fmt.Sprintf("customer %s and merchant %s have no aggregated history", agg.CustomerID, agg.MerchantID)
	case agg.Customer == nil:
		return fmt.Sprintf("customer %s has no aggregated history", agg.CustomerID)
	default:
		return fmt.Sprintf("merchant %s has no aggregated history", agg.MerchantID)
	}
}
