// Package session manages viewer spending sessions.
//
// A session is a one-time pre-authorization: the viewer approves a
// spending ceiling, the platform generates a short-lived delegate key
// held in custody, and every later purchase settles against the
// remaining ceiling without another wallet prompt.
//
// Lifecycle: Pending -> Active -> Revoked | Expired. Revoked and
// Expired are terminal; marking a terminal session terminal again is a
// no-op.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusPending means the session exists but the viewer has not yet
	// confirmed the on-chain approval.
	StatusPending Status = "pending"
	// StatusActive means the approval is confirmed and purchases may
	// settle against the ceiling.
	StatusActive Status = "active"
	// StatusRevoked means the viewer (or the platform, on a custody
	// failure) cancelled the session.
	StatusRevoked Status = "revoked"
	// StatusExpired means the session passed its deadline.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Session is a viewer's delegated spending session.
//
// Amounts are USDC decimal strings. The ledger maintains
// approved == spent + remaining at all times, and remaining never goes
// negative.
type Session struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`        // funding wallet address
	DelegateAddr string `json:"delegateAddr"` // address of the custodied delegate key
	SealedKey    []byte `json:"-"`            // delegate private key, sealed by custody

	Approved  string `json:"approved"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`

	Status      Status `json:"status"`
	ApprovalRef string `json:"approvalRef,omitempty"` // network reference of the confirmed approval

	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsActive reports whether the session can settle purchases right now.
func (s *Session) IsActive() bool {
	return s.Status == StatusActive && time.Now().Before(s.ExpiresAt)
}

// CreateRequest is the payload for opening a new session.
type CreateRequest struct {
	// Approve is the spending ceiling, e.g. "10.00".
	Approve string `json:"approve" binding:"required"`

	// ExpiresIn is a duration string, e.g. "2h", "1d". Defaults to 24h.
	ExpiresIn string `json:"expiresIn,omitempty"`
	// ExpiresAt is an exact RFC3339 timestamp, overriding ExpiresIn.
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// ConfirmRequest carries the viewer's proof that the on-chain approval
// went through.
type ConfirmRequest struct {
	ApprovalRef string `json:"approvalRef" binding:"required"`
}

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Common validation and state errors
var (
	ErrSessionNotFound       = &ValidationError{Code: "session_not_found", Message: "Session not found"}
	ErrSessionNotActive      = &ValidationError{Code: "session_not_active", Message: "Session is not active"}
	ErrSessionPending        = &ValidationError{Code: "session_pending", Message: "Session approval has not been confirmed"}
	ErrSessionRevoked        = &ValidationError{Code: "session_revoked", Message: "Session has been revoked"}
	ErrSessionExpired        = &ValidationError{Code: "session_expired", Message: "Session has expired"}
	ErrInsufficientRemaining = &ValidationError{Code: "insufficient_remaining", Message: "Amount exceeds remaining session balance"}
	ErrInvalidAmount         = &ValidationError{Code: "invalid_amount", Message: "Invalid amount"}
	ErrInvalidOwner          = &ValidationError{Code: "invalid_owner", Message: "Owner must be a valid wallet address"}
	ErrNoFundingAccount      = &ValidationError{Code: "no_funding_account", Message: "Owner has no funding account on the settlement network"}
	ErrNotOwner              = &ValidationError{Code: "not_owner", Message: "Session does not belong to this wallet"}
	ErrNoActiveSession       = &ValidationError{Code: "no_active_session", Message: "Wallet has no active session"}
	ErrInvalidApprovalRef    = &ValidationError{Code: "invalid_approval_ref", Message: "Approval reference is malformed"}
)
