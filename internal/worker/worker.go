// Package worker keeps entity aggregates fresh by reacting to ingest
// events and, optionally, a periodic timer.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker listens for ingested transactions and schedules aggregation
// passes. Ingest bursts are debounced so a bulk import triggers one
// recompute, not one per row.
type Worker struct {
	bus        domain.EventBus
	aggregates *aggregate.Service
	logger     *slog.Logger

	debounce time.Duration
	periodic time.Duration

	subscriptions []domain.Subscription
	mu            sync.Mutex
	timers        map[string]*time.Timer
	stopped       bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// RefreshDebounce is how long to wait after the last ingest event
	// before recomputing. Zero means recompute immediately.
	RefreshDebounce time.Duration

	// PeriodicInterval triggers a recompute per tenant even without
	// ingest events. Zero disables the periodic pass.
	PeriodicInterval time.Duration
}

// NewWorker creates an aggregation worker.
func NewWorker(bus domain.EventBus, aggregates *aggregate.Service, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		aggregates: aggregates,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for ingest events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	w.debounce = cfg.RefreshDebounce
	w.periodic = cfg.PeriodicInterval

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		if w.periodic > 0 {
			w.startPeriodic(tenantID)
		}
	}

	w.logger.Info("aggregation workers started",
		"tenant_count", len(cfg.TenantIDs),
		"debounce", w.debounce.String(),
		"periodic", w.periodic.String(),
	)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		w.scheduleRefresh(tenantID)
		return nil
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// scheduleRefresh arms (or re-arms) the debounce timer for a tenant.
// Every ingest event within the window pushes the deadline out.
func (w *Worker) scheduleRefresh(tenantID string) {
	if w.debounce <= 0 {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		w.runRefresh(tenantID)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if timer, ok := w.timers[tenantID]; ok {
		timer.Reset(w.debounce)
		return
	}

	// The WaitGroup slot is taken while the timer is armed, not inside
	// the callback, so Stop never observes Add racing its Wait. Stop
	// releases the slot itself when it cancels a pending timer.
	w.wg.Add(1)
	w.timers[tenantID] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, tenantID)
		w.mu.Unlock()
		w.runRefresh(tenantID)
	})
}

func (w *Worker) runRefresh(tenantID string) {
	if w.ctx.Err() != nil {
		return
	}

	result, err := w.aggregates.RefreshAll(w.ctx, tenantID)
	if err != nil {
		w.logger.Error("scheduled aggregation failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return
	}

	w.logger.Debug("scheduled aggregation completed",
		"tenant_id", tenantID,
		"customers_updated", result.CustomersUpdated,
		"merchants_updated", result.MerchantsUpdated,
		"duration_ms", result.DurationMs,
	)
}

func (w *Worker) startPeriodic(tenantID string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.periodic)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.runRefresh(tenantID)
			}
		}
	}()
}

// Stop gracefully stops all workers and pending timers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	for tenantID, timer := range w.timers {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.timers, tenantID)
	}
	w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("aggregation workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	PendingRefreshes  int      `json:"pendingRefreshes"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	pending := len(w.timers)
	w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		PendingRefreshes:  pending,
		Topics:            topics,
	}
}
