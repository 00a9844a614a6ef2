package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/store"
)

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

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func newTestService(t *testing.T) (*Service, domain.GraphStore, *publishRecorder) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-ingest-test-*.db")
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

	bus := &publishRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(s, bus, nil, logger), s, bus
}

func TestIngest(t *testing.T) {
	svc, s, bus := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("CreatesEntitiesAndTransaction", func(t *testing.T) {
		fraud := false
		tx, err := svc.Ingest(ctx, tenantID, &domain.TransactionRequest{
			ID:         "tx-001",
			CustomerID: "C001",
			MerchantID: "M001",
			Amount:     125.50,
			Date:       "2025-06-15",
			IsFraud:    &fraud,
		})
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if tx.ID != "tx-001" {
			t.Errorf("expected given ID kept, got %s", tx.ID)
		}

		stored, err := s.GetTransaction(ctx, tenantID, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if stored.Amount != 125.50 {
			t.Errorf("expected amount 125.50, got %v", stored.Amount)
		}

		if _, err := s.GetCustomer(ctx, tenantID, "C001"); err != nil {
			t.Errorf("customer should exist: %v", err)
		}
		if _, err := s.GetMerchant(ctx, tenantID, "M001"); err != nil {
			t.Errorf("merchant should exist: %v", err)
		}
	})

	t.Run("GeneratesIDWhenMissing", func(t *testing.T) {
		tx, err := svc.Ingest(ctx, tenantID, &domain.TransactionRequest{
			CustomerID: "C001",
			MerchantID: "M001",
			Amount:     10,
		})
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if tx.ID == "" {
			t.Error("expected generated transaction ID")
		}
		if tx.IsFraud != nil {
			t.Error("expected unlabeled transaction")
		}
	})

	t.Run("PublishesIngestedEvent", func(t *testing.T) {
		if bus.count() == 0 {
			t.Error("expected ingest events on the bus")
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		cases := []struct {
			name string
			req  *domain.TransactionRequest
		}{
			{"MissingCustomer", &domain.TransactionRequest{MerchantID: "M001", Amount: 10}},
			{"MissingMerchant", &domain.TransactionRequest{CustomerID: "C001", Amount: 10}},
			{"NegativeAmount", &domain.TransactionRequest{CustomerID: "C001", MerchantID: "M001", Amount: -10}},
			{"BadDate", &domain.TransactionRequest{CustomerID: "C001", MerchantID: "M001", Amount: 10, Date: "15/06/2025"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.Ingest(ctx, tenantID, tc.req)
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got: %v", err)
				}
			})
		}
	})
}

func TestImportCSV(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("ValidFile", func(t *testing.T) {
		csvData := strings.Join([]string{
			"transaction_id,customer_id,merchant_id,date,amount,is_fraud",
			"tx-1,C001,M001,2025-01-10,50.00,0",
			"tx-2,C001,M001,2025-01-11,150.00,1",
			"tx-3,C002,M001,2025-01-12,300.00,",
		}, "\n")

		result, err := svc.ImportCSV(ctx, tenantID, strings.NewReader(csvData))
		if err != nil {
			t.Fatalf("ImportCSV failed: %v", err)
		}
		if result.Imported != 3 {
			t.Errorf("expected 3 imported, got %d", result.Imported)
		}
		if result.Skipped != 0 {
			t.Errorf("expected 0 skipped, got %d: %v", result.Skipped, result.Errors)
		}

		tx, err := s.GetTransaction(ctx, tenantID, "tx-2")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.IsFraud == nil || !*tx.IsFraud {
			t.Error("expected tx-2 labeled fraud")
		}

		unlabeled, err := s.GetTransaction(ctx, tenantID, "tx-3")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if unlabeled.IsFraud != nil {
			t.Error("expected tx-3 unlabeled")
		}
	})

	t.Run("SkipsBadRows", func(t *testing.T) {
		csvData := strings.Join([]string{
			"transaction_id,customer_id,merchant_id,date,amount,is_fraud",
			"tx-10,C003,M003,2025-02-01,75.00,0",
			"tx-11,C003,M003,2025-02-02,not-a-number,0",
			"tx-12,,M003,2025-02-03,20.00,0",
		}, "\n")

		result, err := svc.ImportCSV(ctx, tenantID, strings.NewReader(csvData))
		if err != nil {
			t.Fatalf("ImportCSV failed: %v", err)
		}
		if result.Imported != 1 {
			t.Errorf("expected 1 imported, got %d", result.Imported)
		}
		if result.Skipped != 2 {
			t.Errorf("expected 2 skipped, got %d", result.Skipped)
		}
		if len(result.Errors) != 2 {
			t.Errorf("expected 2 error lines, got %v", result.Errors)
		}
	})

	t.Run("RejectsWrongHeader", func(t *testing.T) {
		csvData := "id,from,to,when,value\n1,a,b,2025-01-01,10\n"
		_, err := svc.ImportCSV(ctx, tenantID, strings.NewReader(csvData))
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("DuplicateIDSkipped", func(t *testing.T) {
		csvData := strings.Join([]string{
			"transaction_id,customer_id,merchant_id,date,amount,is_fraud",
			"tx-dup,C004,M004,2025-03-01,10.00,0",
			"tx-dup,C004,M004,2025-03-01,10.00,0",
		}, "\n")

		result, err := svc.ImportCSV(ctx, tenantID, strings.NewReader(csvData))
		if err != nil {
			t.Fatalf("ImportCSV failed: %v", err)
		}
		if result.Imported != 1 || result.Skipped != 1 {
			t.Errorf("expected 1 imported and 1 skipped, got %+v", result)
		}
	})
}
