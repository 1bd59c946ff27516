package agentpay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Price describes what a service charges per call.
type Price struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	Asset    string `json:"asset"`
	Decimals int32  `json:"decimals"`
}

// Reputation summarises ratings and job statistics.
type Reputation struct {
	Rating      float64 `json:"rating"`
	ReviewCount int64   `json:"review_count"`
	JobCount    int64   `json:"job_count"`
	SuccessRate float64 `json:"success_rate"`
}

// Service is a registered, purchasable capability.
type Service struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Endpoint      string     `json:"endpoint"`
	Capabilities  []string   `json:"capabilities"`
	Price         Price      `json:"price"`
	PayoutAddress string     `json:"payout_address"`
	Reputation    Reputation `json:"reputation"`
	Health        string     `json:"health"`
}

// Query filters service discovery.
type Query struct {
	Capabilities []string
	MaxPrice     string
	MinRating    float64
	Network      string
	Currency     string
	SortBy       string
	Limit        int
}

// Requirements narrow and order the candidates considered for a fulfillment.
type Requirements struct {
	MaxPrice      string  `json:"max_price,omitempty"`
	MinRating     float64 `json:"min_rating,omitempty"`
	Network       string  `json:"network,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	SortBy        string  `json:"sort_by,omitempty"`
	MaxCandidates int     `json:"max_candidates,omitempty"`
	Probe         bool    `json:"probe,omitempty"`
}

// PrepareRequest opens a fulfillment session.
type PrepareRequest struct {
	Capability   string          `json:"capability"`
	Payload      json.RawMessage `json:"payload"`
	Requirements Requirements    `json:"requirements"`
}

// PaymentRequirements tells the caller whom to pay and how much, in base units.
type PaymentRequirements struct {
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
}

// Instructions are returned with HTTP 402 by prepare and by a failover.
type Instructions struct {
	SessionID           string              `json:"session_id"`
	ServiceID           string              `json:"service_id"`
	ServiceName         string              `json:"service_name"`
	Payment             PaymentRequirements `json:"payment"`
	Attempt             int                 `json:"attempt"`
	RemainingCandidates int                 `json:"remaining_candidates"`
	ExpiresAt           time.Time           `json:"expires_at"`
}

// Proof is the caller's claim of an on-chain payment.
type Proof struct {
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Payer     string `json:"payer,omitempty"`
	Payee     string `json:"payee"`
	Reference string `json:"transaction_reference"`
}

// Receipt describes a verified payment.
type Receipt struct {
	Network       string `json:"network"`
	Reference     string `json:"transaction_reference"`
	Payer         string `json:"payer"`
	Payee         string `json:"payee"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
}

// Session states reported in an Outcome.
const (
	StateAwaitingPayment = "awaiting_payment"
	StateCompleted       = "completed"
	StateExhausted       = "exhausted"
)

// Outcome is the result of completing a session. When State is
// StateAwaitingPayment the provider failed and Next names the replacement.
type Outcome struct {
	SessionID     string          `json:"session_id"`
	State         string          `json:"state"`
	ServiceID     string          `json:"service_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Receipt       *Receipt        `json:"receipt,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Next          *Instructions   `json:"next,omitempty"`
	// Error is set on a completed outcome whose result was delivered but
	// whose server-side bookkeeping failed.
	Error *APIError `json:"error,omitempty"`
}

// Transaction is a ledger entry for one paid attempt.
type Transaction struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	ServiceID       string          `json:"service_id"`
	Identity        string          `json:"identity"`
	Amount          int64           `json:"amount"`
	Asset           string          `json:"asset"`
	Network         string          `json:"network"`
	ProofReference  string          `json:"proof_reference"`
	Status          string          `json:"status"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Rating          *int            `json:"rating,omitempty"`
	Review          string          `json:"review,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// SpendingStatus reports spend and headroom in the current UTC windows.
type SpendingStatus struct {
	Identity         string `json:"identity"`
	WindowDay        string `json:"window_day"`
	WindowMonth      string `json:"window_month"`
	DailySpent       int64  `json:"daily_spent"`
	MonthlySpent     int64  `json:"monthly_spent"`
	DailyRemaining   *int64 `json:"daily_remaining,omitempty"`
	MonthlyRemaining *int64 `json:"monthly_remaining,omitempty"`
	OpenReservations int    `json:"open_reservations"`
}

// APIError represents an error rendered by the server as {code, message, metadata}.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}
