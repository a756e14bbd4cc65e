package domain

import (
	"time"
)

// Transaction represents an incoming authorization event to be decisioned.
// Transactions are immutable once created; all downstream records reference
// them by ID.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Entities involved
	AccountID  string `json:"accountId"`
	CardID     string `json:"cardId,omitempty"`
	MerchantID string `json:"merchantId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Channel (e.g., "web", "pos", "atm", "app")
	Channel string `json:"channel"`

	// Geolocation at authorization time
	Geo *Geo `json:"geo,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Geo is the geolocation attached to a transaction.
type Geo struct {
	Country string  `json:"country"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// TransactionRequest is the API request payload for transaction decisioning.
type TransactionRequest struct {
	ID         string                 `json:"id,omitempty"`
	AccountID  string                 `json:"accountId" validate:"required"`
	CardID     string                 `json:"cardId,omitempty"`
	MerchantID string                 `json:"merchantId" validate:"required"`
	Amount     Amount                 `json:"amount" validate:"required"`
	Channel    string                 `json:"channel,omitempty"`
	Geo        *Geo                   `json:"geo,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Amount represents a monetary value.
type Amount struct {
	Value    float64 `json:"value" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"required,len=3"`
}

// ToTransaction converts a request to a Transaction domain object.
// A missing timestamp defaults to now; upstream sources that deliver events
// late or out of order supply their own authorization timestamp.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:         r.ID,
		TenantID:   tenantID,
		AccountID:  r.AccountID,
		CardID:     r.CardID,
		MerchantID: r.MerchantID,
		Amount:     r.Amount.Value,
		Currency:   r.Amount.Currency,
		Channel:    r.Channel,
		Geo:        r.Geo,
		Timestamp:  ts,
		CreatedAt:  now,
		Metadata:   r.Metadata,
	}
}
