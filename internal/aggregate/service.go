// Package aggregate runs the batch recomputation of per-entity
// transaction statistics and tracks how stale the stored aggregates
// are between passes.
package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Entity labels used in events and metrics.
const (
	LabelCustomer = "customer"
	LabelMerchant = "merchant"
)

// RefreshEvent is the payload published after a successful pass.
type RefreshEvent struct {
	Label           string    `json:"label"`
	EntitiesUpdated int64     `json:"entitiesUpdated"`
	DurationMs      int64     `json:"durationMs"`
	CompletedAt     time.Time `json:"completedAt"`
}

// RefreshResult summarizes a full pass over both labels.
type RefreshResult struct {
	CustomersUpdated int64         `json:"customersUpdated"`
	MerchantsUpdated int64         `json:"merchantsUpdated"`
	Duration         time.Duration `json:"-"`
	DurationMs       int64         `json:"durationMs"`
}

// Service serializes aggregation passes per entity label. The store
// already makes each pass atomic; the label mutexes keep concurrent
// triggers (debounced worker, periodic timer, manual API call) from
// stacking redundant passes on the database.
type Service struct {
	store   domain.GraphStore
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger

	customerMu sync.Mutex
	merchantMu sync.Mutex

	mu       sync.Mutex
	lastPass map[string]time.Time

	stopStaleness chan struct{}
	stalenessOnce sync.Once
}

// NewService creates an aggregation service. Cache and bus may be nil;
// flushing and event publication are skipped when they are.
func NewService(store domain.GraphStore, cache domain.Cache, bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		cache:         cache,
		bus:           bus,
		metrics:       m,
		logger:        logger,
		lastPass:      make(map[string]time.Time),
		stopStaleness: make(chan struct{}),
	}
}

// RefreshCustomers recomputes every customer's aggregates for a tenant.
func (s *Service) RefreshCustomers(ctx context.Context, tenantID string) (int64, error) {
	s.customerMu.Lock()
	defer s.customerMu.Unlock()
	return s.refresh(ctx, tenantID, LabelCustomer, s.store.RecomputeCustomerAggregates)
}

// RefreshMerchants recomputes every merchant's aggregates for a tenant.
func (s *Service) RefreshMerchants(ctx context.Context, tenantID string) (int64, error) {
	s.merchantMu.Lock()
	defer s.merchantMu.Unlock()
	return s.refresh(ctx, tenantID, LabelMerchant, s.store.RecomputeMerchantAggregates)
}

// RefreshAll runs both label passes and returns the combined result.
// Customers first, then merchants; each pass is atomic on its own but
// the pair is not.
func (s *Service) RefreshAll(ctx context.Context, tenantID string) (*RefreshResult, error) {
	start := time.Now()

	customers, err := s.RefreshCustomers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	merchants, err := s.RefreshMerchants(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	return &RefreshResult{
		CustomersUpdated: customers,
		MerchantsUpdated: merchants,
		Duration:         elapsed,
		DurationMs:       elapsed.Milliseconds(),
	}, nil
}

func (s *Service) refresh(ctx context.Context, tenantID, label string, recompute func(context.Context, string) (int64, error)) (int64, error) {
	start := time.Now()

	updated, err := recompute(ctx, tenantID)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.AggregationDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}

	if err != nil {
		if s.metrics != nil {
			s.metrics.AggregationRuns.WithLabelValues(label, "error").Inc()
		}
		s.logger.Error("aggregation pass failed",
			"label", label,
			"tenant_id", tenantID,
			"error", err,
		)
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.AggregationRuns.WithLabelValues(label, "success").Inc()
		s.metrics.EntitiesUpdated.WithLabelValues(label).Add(float64(updated))
		s.metrics.AggregationStaleness.WithLabelValues(label).Set(0)
	}

	s.mu.Lock()
	s.lastPass[label] = time.Now()
	s.mu.Unlock()

	// Cached aggregate snapshots predate this pass; drop them so the
	// next feature read sees fresh values.
	if s.cache != nil {
		if err := s.cache.Flush(ctx, tenantID); err != nil {
			s.logger.Warn("cache flush after aggregation failed",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	s.publishRefresh(ctx, tenantID, label, updated, elapsed)

	s.logger.Info("aggregation pass completed",
		"label", label,
		"tenant_id", tenantID,
		"entities_updated", updated,
		"duration_ms", elapsed.Milliseconds(),
	)
	return updated, nil
}

func (s *Service) publishRefresh(ctx context.Context, tenantID, label string, updated int64, elapsed time.Duration) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(RefreshEvent{
		Label:           label,
		EntitiesUpdated: updated,
		DurationMs:      elapsed.Milliseconds(),
		CompletedAt:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicAggregatesRefreshed, payload); err != nil {
		s.logger.Warn("failed to publish refresh event",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// LastPass returns when the label was last successfully aggregated.
// The zero time means no pass has completed yet.
func (s *Service) LastPass(label string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPass[label]
}

// StartStalenessTracking updates the staleness gauges on an interval
// until Close is called.
func (s *Service) StartStalenessTracking(interval time.Duration) {
	if s.metrics == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.updateStaleness()
			case <-s.stopStaleness:
				return
			}
		}
	}()
}

func (s *Service) updateStaleness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, label := range []string{LabelCustomer, LabelMerchant} {
		last, ok := s.lastPass[label]
		if !ok {
			continue
		}
		s.metrics.AggregationStaleness.WithLabelValues(label).Set(time.Since(last).Seconds())
	}
}

// Close stops staleness tracking.
func (s *Service) Close() {
	s.stalenessOnce.Do(func() { close(s.stopStaleness) })
}
