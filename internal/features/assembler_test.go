package features

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/store"
)

// countingCache wraps a map cache and records aggregate hits/misses.
type countingCache struct {
	mu      sync.Mutex
	entries map[string]*domain.EntityAggregates
	reads   int
	writes  int
}

func newCountingCache() *countingCache {
	return &countingCache{entries: make(map[string]*domain.EntityAggregates)}
}

func (c *countingCache) key(tenantID, customerID, merchantID string) string {
	return tenantID + "/" + customerID + "/" + merchantID
}

func (c *countingCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	return nil, nil
}
func (c *countingCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *countingCache) Delete(ctx context.Context, tenantID, key string) error { return nil }

func (c *countingCache) GetAggregates(ctx context.Context, tenantID, customerID, merchantID string) (*domain.EntityAggregates, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	return c.entries[c.key(tenantID, customerID, merchantID)], nil
}

func (c *countingCache) SetAggregates(ctx context.Context, tenantID string, agg *domain.EntityAggregates, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	c.entries[c.key(tenantID, agg.CustomerID, agg.MerchantID)] = agg
	return nil
}

func (c *countingCache) Flush(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*domain.EntityAggregates)
	return nil
}
func (c *countingCache) Ping(ctx context.Context) error { return nil }
func (c *countingCache) Close() error                   { return nil }

func newTestStore(t *testing.T) domain.GraphStore {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-features-test-*.db")
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
	return s
}

func boolPtr(b bool) *bool { return &b }

// seedScenario loads the reference graph: C001 made 100+100 at M001 and
// M002, M001 also received 300 from C002, then aggregates are computed.
func seedScenario(t *testing.T, s domain.GraphStore, tenantID string) {
	t.Helper()
	ctx := context.Background()

	txs := []struct {
		id, customerID, merchantID string
		amount                     float64
		isFraud                    *bool
	}{
		{"tx-1", "C001", "M002", 100.0, boolPtr(false)},
		{"tx-2", "C001", "M002", 100.0, boolPtr(false)},
		{"tx-3", "C002", "M001", 300.0, boolPtr(true)},
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
			Amount: tx.amount, Date: time.Now().UTC(), IsFraud: tx.isFraud,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
	}

	if _, err := s.RecomputeCustomerAggregates(ctx, tenantID); err != nil {
		t.Fatalf("recompute customers failed: %v", err)
	}
	if _, err := s.RecomputeMerchantAggregates(ctx, tenantID); err != nil {
		t.Fatalf("recompute merchants failed: %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAssemble(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedScenario(t, s, tenantID)

	a := NewAssembler(s, nil, nil, discardLogger(), 0)
	ctx := context.Background()

	t.Run("FixedOrderVector", func(t *testing.T) {
		// C001: 2 tx totaling 200, avg 100. M001: 1 tx of 300.
		v, agg, err := a.Assemble(ctx, tenantID, "C001", "M001", 100.0)
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}

		want := domain.FeatureVector{100, 2, 200, 100, 1, 300, 300}
		if v != want {
			t.Errorf("vector = %v, want %v", v, want)
		}
		if agg.CustomerID != "C001" || agg.MerchantID != "M001" {
			t.Errorf("unexpected aggregate identity: %+v", agg)
		}
	})

	t.Run("UnknownCustomer", func(t *testing.T) {
		_, _, err := a.Assemble(ctx, tenantID, "C999", "M001", 50.0)
		if !errors.Is(err, domain.ErrEntityNotFound) {
			t.Errorf("expected ErrEntityNotFound, got: %v", err)
		}
	})

	t.Run("UnknownMerchant", func(t *testing.T) {
		_, _, err := a.Assemble(ctx, tenantID, "C001", "M999", 50.0)
		if !errors.Is(err, domain.ErrEntityNotFound) {
			t.Errorf("expected ErrEntityNotFound, got: %v", err)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		_, _, err := a.Assemble(ctx, tenantID, "C001", "M001", -1.0)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("CustomerWithoutHistory", func(t *testing.T) {
		if err := s.UpsertCustomer(ctx, tenantID, "C100"); err != nil {
			t.Fatalf("UpsertCustomer failed: %v", err)
		}

		_, _, err := a.Assemble(ctx, tenantID, "C100", "M001", 50.0)
		if !errors.Is(err, domain.ErrIncompleteAggregates) {
			t.Fatalf("expected ErrIncompleteAggregates, got: %v", err)
		}
		if !strings.Contains(err.Error(), "C100") {
			t.Errorf("error should name the entity: %v", err)
		}
	})
}

func TestAssembleUsesCache(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedScenario(t, s, tenantID)

	cache := newCountingCache()
	a := NewAssembler(s, cache, nil, discardLogger(), time.Minute)
	ctx := context.Background()

	first, _, err := a.Assemble(ctx, tenantID, "C001", "M001", 100.0)
	if err != nil {
		t.Fatalf("first Assemble failed: %v", err)
	}
	if cache.writes != 1 {
		t.Errorf("expected 1 cache write after miss, got %d", cache.writes)
	}

	second, _, err := a.Assemble(ctx, tenantID, "C001", "M001", 100.0)
	if err != nil {
		t.Fatalf("second Assemble failed: %v", err)
	}
	if cache.writes != 1 {
		t.Errorf("cache hit should not write again, writes=%d", cache.writes)
	}
	if first != second {
		t.Errorf("cached vector differs: %v vs %v", first, second)
	}

	t.Run("IncompleteNotCached", func(t *testing.T) {
		if err := s.UpsertMerchant(ctx, tenantID, "M100"); err != nil {
			t.Fatalf("UpsertMerchant failed: %v", err)
		}
		writesBefore := cache.writes
		_, _, err := a.Assemble(ctx, tenantID, "C001", "M100", 10.0)
		if !errors.Is(err, domain.ErrIncompleteAggregates) {
			t.Fatalf("expected ErrIncompleteAggregates, got: %v", err)
		}
		if cache.writes != writesBefore {
			t.Error("incomplete lookup must not be cached")
		}
	})
}

func TestExportTrainingCSV(t *testing.T) {
	s := newTestStore(t)
	tenantID := "tenant-001"
	seedScenario(t, s, tenantID)

	a := NewAssembler(s, nil, nil, discardLogger(), 0)

	var buf bytes.Buffer
	n, err := a.ExportTrainingCSV(context.Background(), tenantID, &buf)
	if err != nil {
		t.Fatalf("ExportTrainingCSV failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows exported, got %d", n)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing export failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header + 3 rows, got %d records", len(records))
	}

	wantHeader := []string{
		"transaction_id",
		"amount",
		"customer_transaction_count",
		"customer_total_amount",
		"customer_avg_amount",
		"merchant_transaction_count",
		"merchant_total_amount",
		"merchant_avg_amount",
		"is_fraud",
	}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}

	// tx-3 is the fraud label on C002 at M001.
	var fraudRow []string
	for _, rec := range records[1:] {
		if rec[0] == "tx-3" {
			fraudRow = rec
		}
	}
	if fraudRow == nil {
		t.Fatal("tx-3 missing from export")
	}
	if fraudRow[8] != "1" {
		t.Errorf("expected is_fraud=1 for tx-3, got %q", fraudRow[8])
	}
	if fraudRow[1] != "300" {
		t.Errorf("expected amount 300 for tx-3, got %q", fraudRow[1])
	}
}
