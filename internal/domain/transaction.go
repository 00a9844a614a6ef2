package domain

import (
	"time"
)

// Transaction represents one ingested transaction record. Transactions are
// immutable once created: amount, date and label never change.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Graph edges: customer -MADE-> transaction -AT-> merchant.
	CustomerID string `json:"customerId"`
	MerchantID string `json:"merchantId"`

	Amount float64   `json:"amount"`
	Date   time.Time `json:"date"`

	// IsFraud is the historical label. Nil for transactions that were
	// scored before creation and never labeled.
	IsFraud *bool `json:"isFraud,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TransactionRequest is the API request payload for ingesting a transaction.
type TransactionRequest struct {
	ID         string  `json:"id,omitempty"`
	CustomerID string  `json:"customerId"`
	MerchantID string  `json:"merchantId"`
	Amount     float64 `json:"amount"`
	Date       string  `json:"date,omitempty"` // RFC 3339 or YYYY-MM-DD
	IsFraud    *bool   `json:"isFraud,omitempty"`
}
