package domain

import (
	"context"
	"time"
)

// GraphStore defines the interface for the transactional graph of
// customers, merchants and transactions. All methods require tenantID for
// strict multi-tenancy isolation.
type GraphStore interface {
	// Entity operations. Upserts match on id (MERGE semantics) and never
	// touch derived attributes.
	UpsertCustomer(ctx context.Context, tenantID string, customerID string) error
	UpsertMerchant(ctx context.Context, tenantID string, merchantID string) error
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*Customer, error)
	GetMerchant(ctx context.Context, tenantID string, merchantID string) (*Merchant, error)

	// Transaction operations. Transactions are insert-only.
	CreateTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// Aggregation. Each call is one atomic transactional write: for every
	// entity of the label with at least one transaction, count, total and
	// avg are overwritten together from the current transaction set.
	// Entities without transactions are left untouched. Returns the number
	// of entities updated.
	RecomputeCustomerAggregates(ctx context.Context, tenantID string) (int64, error)
	RecomputeMerchantAggregates(ctx context.Context, tenantID string) (int64, error)

	// GetEntityAggregates reads both entities' derived attributes in a
	// single store snapshot. Returns ErrEntityNotFound if either id does
	// not resolve.
	GetEntityAggregates(ctx context.Context, tenantID string, customerID, merchantID string) (*EntityAggregates, error)

	// TrainingRows streams all labeled transactions joined with the current
	// aggregate attributes, in stable order.
	TrainingRows(ctx context.Context, tenantID string) ([]*TrainingRow, error)

	// Scoring results.
	SaveScore(ctx context.Context, tenantID string, score *Score) error
	GetScore(ctx context.Context, tenantID string, scoreID string) (*Score, error)

	// Decision policy configuration.
	SavePolicy(ctx context.Context, tenantID string, policy *PolicyConfig) error
	ListPolicies(ctx context.Context, tenantID string) ([]*PolicyConfig, error)
	DeletePolicy(ctx context.Context, tenantID string, policyID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for graph store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
