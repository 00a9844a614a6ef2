package store

// Schema definitions for the Kestrel graph.
// Compatible with both SQLite and PostgreSQL.

// Derived aggregate columns are nullable on purpose: NULL means the
// aggregator has never produced attributes for the entity, which downstream
// consumers must treat as "no history", not as zero.
const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    transaction_count BIGINT,
    total_amount REAL,
    avg_transaction_amount REAL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaMerchants = `
CREATE TABLE IF NOT EXISTS merchants (
    tenant_id TEXT NOT NULL,
    id TEXT NOT NULL,
    transaction_count BIGINT,
    total_amount REAL,
    avg_transaction_amount REAL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount REAL NOT NULL,
    date TIMESTAMP NOT NULL,
    is_fraud BOOLEAN,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(tenant_id, merchant_id);
`

const schemaScores = `
CREATE TABLE IF NOT EXISTS scores (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    amount REAL NOT NULL,
    probability REAL NOT NULL,
    decision TEXT NOT NULL,
    state TEXT NOT NULL,
    features TEXT NOT NULL,
    policy_results TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_tenant ON scores(tenant_id);
CREATE INDEX IF NOT EXISTS idx_scores_customer ON scores(tenant_id, customer_id);
CREATE INDEX IF NOT EXISTS idx_scores_timestamp ON scores(tenant_id, timestamp);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    decision TEXT NOT NULL,
    reason TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_policies_enabled ON policies(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaMerchants,
		schemaTransactions,
		schemaScores,
		schemaPolicies,
	}
}
