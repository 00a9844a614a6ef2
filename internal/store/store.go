// Package store provides the SQL-backed graph of customers, merchants and
// transactions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
)

// SQLGraphStore implements domain.GraphStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLGraphStore struct {
	db     *sql.DB
	driver string
}

// New creates a new graph store based on configuration.
func New(cfg domain.StoreConfig) (domain.GraphStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLGraphStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLGraphStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// UpsertCustomer creates the customer if absent. Existing rows, including
// their derived attributes, are left untouched.
func (s *SQLGraphStore) UpsertCustomer(ctx context.Context, tenantID string, customerID string) error {
	return s.upsertEntity(ctx, "customers", tenantID, customerID)
}

// UpsertMerchant creates the merchant if absent.
func (s *SQLGraphStore) UpsertMerchant(ctx context.Context, tenantID string, merchantID string) error {
	return s.upsertEntity(ctx, "merchants", tenantID, merchantID)
}

func (s *SQLGraphStore) upsertEntity(ctx context.Context, table, tenantID, entityID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if entityID == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO ` + table + ` (tenant_id, id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query), tenantID, entityID, time.Now().UTC())
	return err
}

// GetCustomer retrieves a customer and its derived attributes.
func (s *SQLGraphStore) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	stats, createdAt, err := s.getEntity(ctx, "customers", tenantID, customerID)
	if err != nil {
		return nil, err
	}
	return &domain.Customer{ID: customerID, TenantID: tenantID, Stats: stats, CreatedAt: createdAt}, nil
}

// GetMerchant retrieves a merchant and its derived attributes.
func (s *SQLGraphStore) GetMerchant(ctx context.Context, tenantID string, merchantID string) (*domain.Merchant, error) {
	stats, createdAt, err := s.getEntity(ctx, "merchants", tenantID, merchantID)
	if err != nil {
		return nil, err
	}
	return &domain.Merchant{ID: merchantID, TenantID: tenantID, Stats: stats, CreatedAt: createdAt}, nil
}

func (s *SQLGraphStore) getEntity(ctx context.Context, table, tenantID, entityID string) (*domain.AggregateStats, time.Time, error) {
	if tenantID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT transaction_count, total_amount, avg_transaction_amount, created_at
		FROM ` + table + `
		WHERE tenant_id = ? AND id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, entityID)
	stats, createdAt, err := scanEntityRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, entityID)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return stats, createdAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntityRow reads the three nullable aggregate columns. All three are
// written in one pass, so either all are present or none is.
func scanEntityRow(row rowScanner) (*domain.AggregateStats, time.Time, error) {
	var count sql.NullInt64
	var total, avg sql.NullFloat64
	var createdAt time.Time

	if err := row.Scan(&count, &total, &avg, &createdAt); err != nil {
		return nil, time.Time{}, err
	}

	if !count.Valid {
		return nil, createdAt, nil
	}

	return &domain.AggregateStats{
		TransactionCount:     count.Int64,
		TotalAmount:          total.Float64,
		AvgTransactionAmount: avg.Float64,
	}, createdAt, nil
}

// CreateTransaction inserts an immutable transaction record.
func (s *SQLGraphStore) CreateTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if tx.ID == "" || tx.CustomerID == "" || tx.MerchantID == "" {
		return fmt.Errorf("%w: transaction id, customer id and merchant id are required", domain.ErrInvalidInput)
	}
	if tx.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", domain.ErrInvalidInput)
	}

	var isFraud sql.NullBool
	if tx.IsFraud != nil {
		isFraud = sql.NullBool{Bool: *tx.IsFraud, Valid: true}
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, customer_id, merchant_id, amount, date, is_fraud, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		tx.ID, tenantID, tx.CustomerID, tx.MerchantID,
		tx.Amount, tx.Date, isFraud, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (s *SQLGraphStore) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, merchant_id, amount, date, is_fraud, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var isFraud sql.NullBool

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.MerchantID,
		&tx.Amount, &tx.Date, &isFraud, &tx.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if isFraud.Valid {
		v := isFraud.Bool
		tx.IsFraud = &v
	}

	return &tx, nil
}

// RecomputeCustomerAggregates rewrites the derived attributes of every
// customer with at least one transaction, in one transactional write.
func (s *SQLGraphStore) RecomputeCustomerAggregates(ctx context.Context, tenantID string) (int64, error) {
	return s.recomputeAggregates(ctx, "customers", "customer_id", tenantID)
}

// RecomputeMerchantAggregates is the symmetric pass over merchants.
func (s *SQLGraphStore) RecomputeMerchantAggregates(ctx context.Context, tenantID string) (int64, error) {
	return s.recomputeAggregates(ctx, "merchants", "merchant_id", tenantID)
}

// recomputeAggregates runs the whole pass for one label inside a single SQL
// transaction: either every matched entity gets its three attributes
// rewritten together, or nothing is observable. The GROUP BY only yields
// entities with >= 1 transaction, so the division is always defined and
// untouched entities keep NULL attributes.
func (s *SQLGraphStore) recomputeAggregates(ctx context.Context, table, edgeColumn, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", domain.ErrAggregationFailed, err)
	}
	defer dbTx.Rollback()

	query := `
		UPDATE ` + table + `
		SET transaction_count = agg.cnt,
		    total_amount = agg.total,
		    avg_transaction_amount = agg.total / agg.cnt
		FROM (
			SELECT ` + edgeColumn + ` AS entity_id, COUNT(*) AS cnt, SUM(amount) AS total
			FROM transactions
			WHERE tenant_id = ?
			GROUP BY ` + edgeColumn + `
		) AS agg
		WHERE ` + table + `.tenant_id = ? AND ` + table + `.id = agg.entity_id
	`

	result, err := dbTx.ExecContext(ctx, s.rebind(query), tenantID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrAggregationFailed, err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", domain.ErrAggregationFailed, err)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", domain.ErrAggregationFailed, err)
	}

	return updated, nil
}

// GetEntityAggregates reads the derived attributes of one customer and one
// merchant inside a single transaction, so the six values are mutually
// consistent as of one snapshot.
func (s *SQLGraphStore) GetEntityAggregates(ctx context.Context, tenantID string, customerID, merchantID string) (*domain.EntityAggregates, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if customerID == "" || merchantID == "" {
		return nil, fmt.Errorf("%w: customer id and merchant id are required", domain.ErrInvalidInput)
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	customerQuery := s.rebind(`
		SELECT transaction_count, total_amount, avg_transaction_amount, created_at
		FROM customers WHERE tenant_id = ? AND id = ?
	`)
	merchantQuery := s.rebind(`
		SELECT transaction_count, total_amount, avg_transaction_amount, created_at
		FROM merchants WHERE tenant_id = ? AND id = ?
	`)

	customerStats, _, err := scanEntityRowErr(dbTx.QueryRowContext(ctx, customerQuery, tenantID, customerID), "customer", customerID)
	if err != nil {
		return nil, err
	}

	merchantStats, _, err := scanEntityRowErr(dbTx.QueryRowContext(ctx, merchantQuery, tenantID, merchantID), "merchant", merchantID)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	return &domain.EntityAggregates{
		CustomerID: customerID,
		MerchantID: merchantID,
		Customer:   customerStats,
		Merchant:   merchantStats,
	}, nil
}

func scanEntityRowErr(row rowScanner, label, entityID string) (*domain.AggregateStats, time.Time, error) {
	stats, createdAt, err := scanEntityRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %s %s", domain.ErrEntityNotFound, label, entityID)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return stats, createdAt, nil
}

// TrainingRows returns every labeled transaction joined with the current
// aggregate attributes of its customer and merchant, in stable order.
// Fails with ErrIncompleteAggregates if any joined entity has never been
// aggregated, rather than exporting silent zeros.
func (s *SQLGraphStore) TrainingRows(ctx context.Context, tenantID string) ([]*domain.TrainingRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT t.id, t.amount,
		       c.transaction_count, c.total_amount, c.avg_transaction_amount,
		       m.transaction_count, m.total_amount, m.avg_transaction_amount,
		       t.is_fraud
		FROM transactions t
		JOIN customers c ON c.tenant_id = t.tenant_id AND c.id = t.customer_id
		JOIN merchants m ON m.tenant_id = t.tenant_id AND m.id = t.merchant_id
		WHERE t.tenant_id = ? AND t.is_fraud IS NOT NULL
		ORDER BY t.created_at, t.id
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TrainingRow
	for rows.Next() {
		var txID string
		var amount float64
		var cCount, mCount sql.NullInt64
		var cTotal, cAvg, mTotal, mAvg sql.NullFloat64
		var isFraud bool

		if err := rows.Scan(
			&txID, &amount,
			&cCount, &cTotal, &cAvg,
			&mCount, &mTotal, &mAvg,
			&isFraud,
		); err != nil {
			return nil, err
		}

		if !cCount.Valid || !mCount.Valid {
			return nil, fmt.Errorf("%w: transaction %s references an entity without derived attributes", domain.ErrIncompleteAggregates, txID)
		}

		out = append(out, &domain.TrainingRow{
			TransactionID: txID,
			Features: domain.FeatureVector{
				amount,
				float64(cCount.Int64), cTotal.Float64, cAvg.Float64,
				float64(mCount.Int64), mTotal.Float64, mAvg.Float64,
			},
			IsFraud: isFraud,
		})
	}

	return out, rows.Err()
}

// SaveScore stores a scoring result with tenant isolation.
func (s *SQLGraphStore) SaveScore(ctx context.Context, tenantID string, score *domain.Score) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	features, _ := json.Marshal(score.Features)
	policyResults, _ := json.Marshal(score.PolicyResults)
	metadata, _ := json.Marshal(score.Metadata)

	query := `
		INSERT INTO scores (
			id, tenant_id, customer_id, merchant_id, amount,
			probability, decision, state, features, policy_results,
			timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		score.ID, tenantID, score.CustomerID, score.MerchantID, score.Amount,
		score.Probability, score.Decision, score.State,
		string(features), string(policyResults),
		score.Timestamp, string(metadata),
	)
	return err
}

// GetScore retrieves a scoring result by ID with tenant isolation.
func (s *SQLGraphStore) GetScore(ctx context.Context, tenantID string, scoreID string) (*domain.Score, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, merchant_id, amount,
		       probability, decision, state, features, policy_results,
		       timestamp, metadata
		FROM scores
		WHERE tenant_id = ? AND id = ?
	`

	var score domain.Score
	var features, policyResults, metadata string

	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, scoreID).Scan(
		&score.ID, &score.TenantID, &score.CustomerID, &score.MerchantID, &score.Amount,
		&score.Probability, &score.Decision, &score.State,
		&features, &policyResults,
		&score.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(features), &score.Features)
	if policyResults != "" {
		json.Unmarshal([]byte(policyResults), &score.PolicyResults)
	}
	json.Unmarshal([]byte(metadata), &score.Metadata)

	return &score, nil
}

// SavePolicy stores a decision policy with tenant isolation.
func (s *SQLGraphStore) SavePolicy(ctx context.Context, tenantID string, policy *domain.PolicyConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO policies (
			id, tenant_id, name, description, version, expression, decision, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			decision = excluded.decision,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		policy.ID, tenantID, policy.Name, policy.Description,
		policy.Version, policy.Expression, policy.Decision, policy.Reason, enabled,
		now, now,
	)
	return err
}

// ListPolicies retrieves all active policies for a tenant.
func (s *SQLGraphStore) ListPolicies(ctx context.Context, tenantID string) ([]*domain.PolicyConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, decision, reason, enabled
		FROM policies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.PolicyConfig
	for rows.Next() {
		var p domain.PolicyConfig
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Name, &p.Description,
			&p.Version, &p.Expression, &p.Decision, &p.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		p.Enabled = enabled == 1
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// DeletePolicy soft-deletes a policy by setting enabled = 0.
func (s *SQLGraphStore) DeletePolicy(ctx context.Context, tenantID string, policyID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		UPDATE policies
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query), time.Now().UTC(), tenantID, policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (s *SQLGraphStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLGraphStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLGraphStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
