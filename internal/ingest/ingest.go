// Package ingest loads transactions into the graph store, one at a
// time or in bulk from CSV, and announces them on the event bus.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Service writes transactions and their entities into the store.
type Service struct {
	store   domain.GraphStore
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates an ingest service. Bus and metrics may be nil.
func NewService(store domain.GraphStore, bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// IngestedEvent is the payload published for each accepted transaction.
type IngestedEvent struct {
	TransactionID string  `json:"transactionId"`
	CustomerID    string  `json:"customerId"`
	MerchantID    string  `json:"merchantId"`
	Amount        float64 `json:"amount"`
}

// Ingest validates and stores one transaction. Both entities are
// upserted first so the transaction always lands with its edges intact.
func (s *Service) Ingest(ctx context.Context, tenantID string, req *domain.TransactionRequest) (*domain.Transaction, error) {
	tx, err := s.buildTransaction(tenantID, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertCustomer(ctx, tenantID, tx.CustomerID); err != nil {
		return nil, fmt.Errorf("upserting customer: %w", err)
	}
	if err := s.store.UpsertMerchant(ctx, tenantID, tx.MerchantID); err != nil {
		return nil, fmt.Errorf("upserting merchant: %w", err)
	}
	if err := s.store.CreateTransaction(ctx, tenantID, tx); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TransactionsIngested.WithLabelValues("api").Inc()
	}
	s.publishIngested(ctx, tenantID, tx)

	return tx, nil
}

// ImportResult summarizes a bulk CSV import. Bad rows are skipped and
// reported; they never abort the rest of the file.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Expected CSV columns, in order.
var csvColumns = []string{"transaction_id", "customer_id", "merchant_id", "date", "amount", "is_fraud"}

// ImportCSV reads transactions from CSV. The header must match the
// transaction_id,customer_id,merchant_id,date,amount,is_fraud layout.
// An empty is_fraud field leaves the transaction unlabeled.
func (s *Service) ImportCSV(ctx context.Context, tenantID string, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading CSV header: %v", domain.ErrInvalidInput, err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	result := &ImportResult{}
	line := 1

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		req, err := parseRecord(record)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		tx, err := s.buildTransaction(tenantID, req)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		if err := s.store.UpsertCustomer(ctx, tenantID, tx.CustomerID); err != nil {
			return result, fmt.Errorf("upserting customer at line %d: %w", line, err)
		}
		if err := s.store.UpsertMerchant(ctx, tenantID, tx.MerchantID); err != nil {
			return result, fmt.Errorf("upserting merchant at line %d: %w", line, err)
		}
		if err := s.store.CreateTransaction(ctx, tenantID, tx); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		result.Imported++
		if s.metrics != nil {
			s.metrics.TransactionsIngested.WithLabelValues("csv").Inc()
		}
		s.publishIngested(ctx, tenantID, tx)
	}

	s.logger.Info("CSV import finished",
		"tenant_id", tenantID,
		"imported", result.Imported,
		"skipped", result.Skipped,
	)
	return result, nil
}

func (s *Service) buildTransaction(tenantID string, req *domain.TransactionRequest) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if req == nil || req.CustomerID == "" || req.MerchantID == "" {
		return nil, fmt.Errorf("%w: customerId and merchantId are required", domain.ErrInvalidInput)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidInput)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := parseDate(req.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		date = parsed
	}

	return &domain.Transaction{
		ID:         id,
		TenantID:   tenantID,
		CustomerID: req.CustomerID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Date:       date,
		IsFraud:    req.IsFraud,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (s *Service) publishIngested(ctx context.Context, tenantID string, tx *domain.Transaction) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(IngestedEvent{
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		MerchantID:    tx.MerchantID,
		Amount:        tx.Amount,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
		s.logger.Warn("failed to publish ingest event",
			"tenant_id", tenantID,
			"transaction_id", tx.ID,
			"error", err,
		)
	}
}

func validateHeader(header []string) error {
	if len(header) != len(csvColumns) {
		return fmt.Errorf("%w: expected %d columns, got %d", domain.ErrInvalidInput, len(csvColumns), len(header))
	}
	for i, col := range csvColumns {
		if strings.TrimSpace(strings.ToLower(header[i])) != col {
			return fmt.Errorf("%w: column %d must be %q, got %q", domain.ErrInvalidInput, i, col, header[i])
		}
	}
	return nil
}

func parseRecord(record []string) (*domain.TransactionRequest, error) {
	if len(record) != len(csvColumns) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(csvColumns), len(record))
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", record[4])
	}

	req := &domain.TransactionRequest{
		ID:         strings.TrimSpace(record[0]),
		CustomerID: strings.TrimSpace(record[1]),
		MerchantID: strings.TrimSpace(record[2]),
		Date:       strings.TrimSpace(record[3]),
		Amount:     amount,
	}

	if label := strings.TrimSpace(record[5]); label != "" {
		switch label {
		case "1", "true", "True":
			v := true
			req.IsFraud = &v
		case "0", "false", "False":
			v := false
			req.IsFraud = &v
		default:
			return nil, fmt.Errorf("invalid is_fraud value %q", record[5])
		}
	}

	return req, nil
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, want RFC 3339 or YYYY-MM-DD", value)
}
