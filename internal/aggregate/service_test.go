package aggregate

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/store"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []string
}

func (f *flushRecorder) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	return nil, nil
}
func (f *flushRecorder) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (f *flushRecorder) Delete(ctx context.Context, tenantID, key string) error { return nil }
func (f *flushRecorder) GetAggregates(ctx context.Context, tenantID, customerID, merchantID string) (*domain.EntityAggregates, error) {
	return nil, nil
}
func (f *flushRecorder) SetAggregates(ctx context.Context, tenantID string, agg *domain.EntityAggregates, ttl time.Duration) error {
	return nil
}
func (f *flushRecorder) Flush(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, tenantID)
	return nil
}
func (f *flushRecorder) Ping(ctx context.Context) error { return nil }
func (f *flushRecorder) Close() error                   { return nil }

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

type publishRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (p *publishRecorder) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}
func (p *publishRecorder) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}
func (p *publishRecorder) Ping(ctx context.Context) error { return nil }
func (p *publishRecorder) Close() error                   { return nil }

func (p *publishRecorder) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.topics))
	copy(out, p.topics)
	return out
}

func newTestService(t *testing.T) (*Service, domain.GraphStore, *flushRecorder, *publishRecorder) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-agg-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	s, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := &flushRecorder{}
	bus := &publishRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())

	svc := NewService(s, cache, bus, m, logger)
	t.Cleanup(svc.Close)
	return svc, s, cache, bus
}

func seedTransactions(t *testing.T, s domain.GraphStore, tenantID string) {
	t.Helper()
	ctx := context.Background()

	txs := []struct {
		id         string
		customerID string
		merchantID string
		amount     float64
	}{
		{"tx-1", "C001", "M001", 100.0},
		{"tx-2", "C001", "M001", 100.0},
		{"tx-3", "C002", "M001", 300.0},
	}
	for _, tx := range txs {
		if err := s.UpsertCustomer(ctx, tenantID, tx.customerID); err != nil {
			t.Fatalf("UpsertCustomer failed: %v", err)
		}
		if err := s.UpsertMerchant(ctx, tenantID, tx.merchantID); err != nil {
			t.Fatalf("UpsertMerchant failed: %v", err)
		}
		if err := s.CreateTransaction(ctx, tenantID, &domain.Transaction{
			ID: tx.id, CustomerID: tx.customerID, MerchantID: tx.merchantID,
			Amount: tx.amount, Date: time.Now().UTC(), CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
	}
}

func TestRefreshAll(t *testing.T) {
	svc, s, cache, bus := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	seedTransactions(t, s, tenantID)

	result, err := svc.RefreshAll(ctx, tenantID)
	if err != nil {
		t.Fatalf("RefreshAll failed: %v", err)
	}
	if result.CustomersUpdated != 2 {
		t.Errorf("expected 2 customers updated, got %d", result.CustomersUpdated)
	}
	if result.MerchantsUpdated != 1 {
		t.Errorf("expected 1 merchant updated, got %d", result.MerchantsUpdated)
	}

	t.Run("AggregatesVisible", func(t *testing.T) {
		c, err := s.GetCustomer(ctx, tenantID, "C001")
		if err != nil {
			t.Fatalf("GetCustomer failed: %v", err)
		}
		if c.Stats == nil || c.Stats.TransactionCount != 2 || c.Stats.AvgTransactionAmount != 100.0 {
			t.Errorf("unexpected customer stats: %+v", c.Stats)
		}
	})

	t.Run("FlushesCache", func(t *testing.T) {
		// One flush per label pass.
		if cache.count() != 2 {
			t.Errorf("expected 2 cache flushes, got %d", cache.count())
		}
	})

	t.Run("PublishesRefreshEvents", func(t *testing.T) {
		topics := bus.published()
		if len(topics) != 2 {
			t.Fatalf("expected 2 events, got %d", len(topics))
		}
		for _, topic := range topics {
			if topic != domain.TopicAggregatesRefreshed {
				t.Errorf("unexpected topic %q", topic)
			}
		}
	})

	t.Run("RecordsLastPass", func(t *testing.T) {
		if svc.LastPass(LabelCustomer).IsZero() {
			t.Error("expected customer last pass to be recorded")
		}
		if svc.LastPass(LabelMerchant).IsZero() {
			t.Error("expected merchant last pass to be recorded")
		}
	})
}

func TestRefreshSerialized(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	seedTransactions(t, s, tenantID)

	// Concurrent triggers for the same label must not interleave; all
	// should succeed and leave consistent aggregates.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RefreshCustomers(ctx, tenantID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent refresh failed: %v", err)
	}

	c, err := s.GetCustomer(ctx, tenantID, "C001")
	if err != nil {
		t.Fatalf("GetCustomer failed: %v", err)
	}
	if c.Stats.TransactionCount != 2 || c.Stats.TotalAmount != 200.0 {
		t.Errorf("unexpected stats after concurrent refresh: %+v", c.Stats)
	}
}

func TestRefreshWithoutCacheAndBus(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kestrel-agg-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	s, err := store.New(domain.StoreConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(s, nil, nil, nil, logger)
	t.Cleanup(svc.Close)

	seedTransactions(t, s, "tenant-001")
	if _, err := svc.RefreshAll(context.Background(), "tenant-001"); err != nil {
		t.Fatalf("RefreshAll without cache/bus failed: %v", err)
	}
}
