// Package chain handles all settlement-network interactions.
//
// The engine never talks to the network directly; it goes through the
// Network interface so tests can substitute a fake and the rest of the
// codebase stays free of RPC details.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransferReverted  = errors.New("chain: transfer reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// SubmitError wraps submission failures with the operation and, when the
// transaction made it out, the reference for later reconciliation.
type SubmitError struct {
	Op  string
	Ref string
	Err error
}

func (e *SubmitError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("chain: %s failed (ref: %s): %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// TransferStatus is the observed state of a submitted transfer.
type TransferStatus string

const (
	// TransferPending means the transfer was submitted but not yet mined.
	TransferPending TransferStatus = "pending"
	// TransferConfirmed means the transfer was mined and succeeded.
	TransferConfirmed TransferStatus = "confirmed"
	// TransferFailed means the transfer was mined and reverted.
	TransferFailed TransferStatus = "failed"
	// TransferUnknown means the network has no record of the reference.
	TransferUnknown TransferStatus = "unknown"
)

// SignedAuthorization pairs a transfer authorization with the delegate
// key's signature over its canonical message.
type SignedAuthorization struct {
	Authorization
	Signature string `json:"signature"`
}

// SplitTransferRequest moves owner funds to two recipients in one
// network transaction. Both legs carry their own delegate signature;
// the facilitator wallet signs and pays for the transaction itself.
type SplitTransferRequest struct {
	Owner string              `json:"owner"`
	Payee SignedAuthorization `json:"payee"`
	Fee   SignedAuthorization `json:"fee"`
}

// SplitTransferResult describes a submitted (and possibly confirmed)
// split transfer.
type SplitTransferResult struct {
	Ref         string `json:"ref"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

// ApprovalInstruction is an unsigned token approval for the owner wallet
// to sign client-side. It grants the disburser contract a spending
// allowance up to the approved ceiling.
type ApprovalInstruction struct {
	To      string `json:"to"`      // token contract
	Data    string `json:"data"`    // hex-encoded calldata
	Spender string `json:"spender"` // disburser contract
	Amount  string `json:"amount"`  // smallest units, decimal string
	ChainID int64  `json:"chainId"`
}

// Network abstracts the settlement network.
type Network interface {
	// AccountExists reports whether addr can receive token transfers.
	AccountExists(ctx context.Context, addr string) (bool, error)

	// EnsureAccount provisions addr to receive transfers if it cannot
	// yet. Provisioning cost is paid by the facilitator wallet. Calling
	// it for an already provisioned account is a no-op.
	EnsureAccount(ctx context.Context, addr string) error

	// OwnerBalance returns the owner wallet's token balance in smallest
	// units.
	OwnerBalance(ctx context.Context, owner string) (*big.Int, error)

	// Allowance returns how much the disburser contract may still move
	// out of the owner wallet.
	Allowance(ctx context.Context, owner string) (*big.Int, error)

	// SubmitSplitTransfer sends a dual-authorized split transfer and
	// returns its reference without waiting for it to be mined.
	SubmitSplitTransfer(ctx context.Context, req *SplitTransferRequest) (*SplitTransferResult, error)

	// WaitForTransfer blocks until the referenced transfer is mined or
	// the timeout elapses. Returns ErrTransferReverted if it was mined
	// but failed, ErrTimeout if it stayed pending.
	WaitForTransfer(ctx context.Context, ref string, timeout time.Duration) (*SplitTransferResult, error)

	// TransferStatus is a one-shot status probe used to reconcile a
	// transfer whose confirmation wait timed out.
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)

	// BuildApprovalInstruction builds the unsigned approval the owner
	// wallet must sign to raise its spending allowance to amount.
	BuildApprovalInstruction(owner string, amount *big.Int) (*ApprovalInstruction, error)
}
