// Package payments records every settlement attempt against a session.
// A Payment is the receipt a viewer or payee can later query: what was
// spent, how it split between payee and fee, and where it landed on the
// settlement network.
package payments

import (
	"errors"
	"time"
)

// Status is the payment record's lifecycle state.
type Status string

const (
	// StatusPending means the settlement was submitted but not yet
	// confirmed by the network.
	StatusPending Status = "pending"
	// StatusVerified means the network confirmed the transfer and the
	// session ledger was debited.
	StatusVerified Status = "verified"
	// StatusFailed means the settlement did not complete; the session
	// ledger was not touched.
	StatusFailed Status = "failed"
)

// Payment is one settlement attempt. Amounts are USDC decimal strings;
// Amount is the gross price, PayeeAmount and FeeAmount its split.
type Payment struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Owner      string `json:"owner"`
	Payee      string `json:"payee"`
	ResourceID string `json:"resourceId,omitempty"`

	Amount      string `json:"amount"`
	PayeeAmount string `json:"payeeAmount"`
	FeeAmount   string `json:"feeAmount"`

	Status        Status `json:"status"`
	TransferRef   string `json:"transferRef,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ErrPaymentNotFound is returned when no payment record matches.
var ErrPaymentNotFound = errors.New("payment not found")
