// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// AggregateStats holds the derived transaction statistics for an entity.
// The three values are always recomputed together from the same aggregation
// pass; avg is total / count and count is never zero here.
type AggregateStats struct {
	TransactionCount     int64   `json:"transactionCount"`
	TotalAmount          float64 `json:"totalAmount"`
	AvgTransactionAmount float64 `json:"avgTransactionAmount"`
}

// Customer is a graph entity that makes transactions.
// Stats is nil until the aggregator has run over an entity with at least
// one transaction. Nil means "no history", not zero history.
type Customer struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	Stats    *AggregateStats `json:"stats,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Merchant is a graph entity that receives transactions.
// Same aggregate semantics as Customer.
type Merchant struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	Stats    *AggregateStats `json:"stats,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EntityAggregates is the result of the combined point lookup used by the
// feature assembler: both entities' derived attributes read in one store
// snapshot.
type EntityAggregates struct {
	CustomerID string          `json:"customerId"`
	MerchantID string          `json:"merchantId"`
	Customer   *AggregateStats `json:"customer,omitempty"`
	Merchant   *AggregateStats `json:"merchant,omitempty"`
}

// Complete reports whether both entities carry derived attributes.
func (a *EntityAggregates) Complete() bool {
	return a != nil && a.Customer != nil && a.Merchant != nil
}
