// Package settlement executes purchases against an active session: it
// checks the ledger, unseals the delegate key, submits one atomic split
// transfer on the settlement network, and debits the session only after
// the network confirms. Concurrent settlements on the same session are
// serialized so the ceiling can never be spent twice.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/viewlock/viewlock/internal/chain"
	"github.com/viewlock/viewlock/internal/custody"
	"github.com/viewlock/viewlock/internal/idgen"
	"github.com/viewlock/viewlock/internal/logging"
	"github.com/viewlock/viewlock/internal/payments"
	"github.com/viewlock/viewlock/internal/retry"
	"github.com/viewlock/viewlock/internal/session"
	"github.com/viewlock/viewlock/internal/syncutil"
	"github.com/viewlock/viewlock/internal/traces"
	"github.com/viewlock/viewlock/internal/usdc"
	"github.com/viewlock/viewlock/internal/validation"
)

// Error codes callers can map to remediation hints.
const (
	CodeInvalidAmount         = "invalid_amount"
	CodeInvalidPayee          = "invalid_payee"
	CodeSessionNotFound       = "session_not_found"
	CodeSessionNotActive      = "session_not_active"
	CodeSessionExpired        = "session_expired"
	CodeSessionRevoked        = "session_revoked"
	CodeInsufficientRemaining = "insufficient_session_remaining"
	CodeInsufficientFunds     = "insufficient_external_funds"
	CodeCustodyFailure        = "custody_failure"
	CodeIntegrityFailure      = "integrity_failure"
	CodeNetworkFailure        = "network_failure"
	CodeTransferReverted      = "transfer_reverted"
)

const (
	// DefaultSubmitAttempts bounds resubmission of the split transfer.
	DefaultSubmitAttempts = 3
	// DefaultSubmitBackoff is the base delay between attempts.
	DefaultSubmitBackoff = 500 * time.Millisecond
	// DefaultConfirmTimeout bounds the wait for network confirmation.
	DefaultConfirmTimeout = 60 * time.Second
	// DefaultAuthorizationTTL is how long a signed transfer
	// authorization stays valid on the network.
	DefaultAuthorizationTTL = 5 * time.Minute
)

// Sessions is the slice of the session manager the engine needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	DelegateKey(ctx context.Context, s *session.Session) (*ecdsa.PrivateKey, error)
}

// Ledger is the slice of the session ledger the engine needs.
type Ledger interface {
	Debit(ctx context.Context, sessionID, amount string) error
}

// Request is one purchase to settle.
type Request struct {
	SessionID  string
	Payee      string
	Amount     string // USDC decimal string, gross price
	ResourceID string // optional, recorded on the payment
}

// Engine settles purchases against sessions.
type Engine struct {
	sessions Sessions
	ledger   Ledger
	payments payments.Store
	network  chain.Network

	feeBps       int64
	feeRecipient string

	locks *syncutil.ContextShardedMutex

	submitAttempts int
	submitBackoff  time.Duration
	confirmTimeout time.Duration
	authzTTL       time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSubmitPolicy overrides the submission retry policy.
func WithSubmitPolicy(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.submitAttempts = attempts
		e.submitBackoff = backoff
	}
}

// WithConfirmTimeout overrides how long a confirmation wait may take.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Engine) { e.confirmTimeout = d }
}

// NewEngine creates a settlement engine. feeBps is the platform cut in
// basis points, feeRecipient the wallet that collects it.
func NewEngine(sessions Sessions, ledger Ledger, store payments.Store,
	network chain.Network, feeBps int64, feeRecipient string, opts ...Option) *Engine {

	e := &Engine{
		sessions:       sessions,
		ledger:         ledger,
		payments:       store,
		network:        network,
		feeBps:         feeBps,
		feeRecipient:   feeRecipient,
		locks:          syncutil.NewContextShardedMutex(),
		submitAttempts: DefaultSubmitAttempts,
		submitBackoff:  DefaultSubmitBackoff,
		confirmTimeout: DefaultConfirmTimeout,
		authzTTL:       DefaultAuthorizationTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle executes one purchase. On success the returned payment is
// verified and the session ledger is already debited. On failure the
// ledger is untouched unless the error says otherwise (a debit failure
// after network confirmation is reported and alerted, never hidden).
func (e *Engine) Settle(ctx context.Context, req *Request) (*payments.Payment, error) {
	started := time.Now()

	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.SessionID(req.SessionID), traces.Amount(req.Amount), traces.ResourceID(req.ResourceID))
	defer span.End()

	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, validationErr(CodeInvalidAmount, "amount must be a positive USDC value")
	}
	if !validation.IsValidEthAddress(req.Payee) {
		return nil, validationErr(CodeInvalidPayee, "payee must be a valid wallet address")
	}

	// One settlement per session at a time. The lock is released
	// during retry backoff so other sessions on the shard keep moving.
	unlock, err := e.locks.LockContext(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer func() { unlock() }()

	s, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, stateErr(CodeSessionNotFound, "no session with that ID")
		}
		return nil, err
	}
	if !s.IsActive() {
		code := CodeSessionNotActive
		switch {
		case s.Status == session.StatusExpired,
			s.Status == session.StatusActive && time.Now().After(s.ExpiresAt):
			code = CodeSessionExpired
		case s.Status == session.StatusRevoked:
			code = CodeSessionRevoked
		}
		return nil, stateErr(code,
			fmt.Sprintf("session is %s, settlement requires an active session", s.Status))
	}

	// Fail fast before any network I/O: the atomic debit at the end is
	// still the authoritative check.
	remaining, _ := usdc.Parse(s.Remaining)
	if remaining.Cmp(amount) < 0 {
		return nil, stateErr(CodeInsufficientRemaining,
			fmt.Sprintf("session remaining %s cannot cover %s", s.Remaining, usdc.Format(amount)))
	}

	key, err := e.sessions.DelegateKey(ctx, s)
	if err != nil {
		if errors.Is(err, custody.ErrIntegrity) {
			return nil, &Error{Kind: KindIntegrity, Code: CodeIntegrityFailure,
				Message: "delegate key failed integrity check, session revoked", Err: err}
		}
		return nil, &Error{Kind: KindCustody, Code: CodeCustodyFailure,
			Message: "delegate key unavailable", Err: err}
	}

	balance, err := e.network.OwnerBalance(ctx, s.Owner)
	if err != nil {
		return nil, networkErr(CodeNetworkFailure, err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, stateErr(CodeInsufficientFunds,
			fmt.Sprintf("wallet balance %s cannot cover %s", usdc.Format(balance), usdc.Format(amount)))
	}

	fee, payeeAmt := usdc.SplitFee(amount, e.feeBps)

	if err := e.network.EnsureAccount(ctx, req.Payee); err != nil {
		return nil, networkErr(CodeNetworkFailure, err)
	}
	if err := e.network.EnsureAccount(ctx, e.feeRecipient); err != nil {
		return nil, networkErr(CodeNetworkFailure, err)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	expiry := time.Now().Add(e.authzTTL).Unix()

	payeeAuth, err := chain.Authorization{
		Owner: s.Owner, Recipient: req.Payee, Amount: payeeAmt,
		Nonce: nonce, Expiry: expiry,
	}.Sign(key)
	if err != nil {
		return nil, fmt.Errorf("sign payee authorization: %w", err)
	}
	feeAuth, err := chain.Authorization{
		Owner: s.Owner, Recipient: e.feeRecipient, Amount: fee,
		Nonce: nonce, Expiry: expiry,
	}.Sign(key)
	if err != nil {
		return nil, fmt.Errorf("sign fee authorization: %w", err)
	}

	pay := &payments.Payment{
		ID:          idgen.WithPrefix("pay_"),
		SessionID:   s.ID,
		Owner:       s.Owner,
		Payee:       req.Payee,
		ResourceID:  req.ResourceID,
		Amount:      usdc.Format(amount),
		PayeeAmount: usdc.Format(payeeAmt),
		FeeAmount:   usdc.Format(fee),
		Status:      payments.StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := e.payments.Create(ctx, pay); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	result, err := e.submitWithReconciliation(ctx, req.SessionID, unlockRelockFns(e, req.SessionID, &unlock), &chain.SplitTransferRequest{
		Owner: s.Owner,
		Payee: payeeAuth,
		Fee:   feeAuth,
	})
	if err != nil {
		e.failPayment(ctx, pay, err)
		settlementsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, chain.ErrTransferReverted) {
			return nil, &Error{Kind: KindNetwork, Code: CodeTransferReverted,
				Message: "transfer rejected by the settlement network", Err: err}
		}
		return nil, networkErr(CodeNetworkFailure, err)
	}

	// Network confirmed. The ceiling is spent no matter what happens
	// below, so a debit failure here is an accounting incident, not a
	// settlement failure.
	if err := e.ledger.Debit(ctx, s.ID, pay.Amount); err != nil {
		debitFailures.Inc()
		logging.L(ctx).Error("CRITICAL: confirmed transfer but session debit failed, ledger out of sync",
			"sessionId", s.ID, "paymentId", pay.ID, "ref", result.Ref, "amount", pay.Amount, "error", err)
	}

	now := time.Now()
	pay.Status = payments.StatusVerified
	pay.TransferRef = result.Ref
	pay.VerifiedAt = &now
	if err := e.payments.Update(ctx, pay); err != nil {
		logging.L(ctx).Error("confirmed transfer but payment record update failed",
			"paymentId", pay.ID, "ref", result.Ref, "error", err)
	}

	settlementsTotal.WithLabelValues("verified").Inc()
	settlementDuration.Observe(time.Since(started).Seconds())
	if amt, err := strconv.ParseFloat(pay.Amount, 64); err == nil && amt > 0 {
		settlementAmount.Observe(amt)
	}

	logging.L(ctx).Info("settlement verified",
		"sessionId", s.ID, "paymentId", pay.ID, "ref", result.Ref,
		"amount", pay.Amount, "payeeAmount", pay.PayeeAmount, "feeAmount", pay.FeeAmount)

	return pay, nil
}

// submitWithReconciliation submits the split transfer with bounded
// retry. Once a submission produced a reference, every later attempt
// first probes TransferStatus so a transfer that confirmed while we
// were timing out is never submitted twice.
func (e *Engine) submitWithReconciliation(ctx context.Context, sessionID string,
	fns [2]func(), req *chain.SplitTransferRequest) (*chain.SplitTransferResult, error) {

	var (
		result *chain.SplitTransferResult
		ref    string
	)

	err := retry.DoWithUnlock(ctx, e.submitAttempts, e.submitBackoff, fns[0], fns[1], func() error {
		if ref != "" {
			status, serr := e.network.TransferStatus(ctx, ref)
			if serr != nil {
				return serr
			}
			switch status {
			case chain.TransferConfirmed:
				result = &chain.SplitTransferResult{Ref: ref}
				return nil
			case chain.TransferFailed:
				return retry.Permanent(chain.ErrTransferReverted)
			case chain.TransferPending:
				// Still in flight. Keep waiting rather than resubmit.
				res, werr := e.network.WaitForTransfer(ctx, ref, e.confirmTimeout)
				if werr != nil {
					if errors.Is(werr, chain.ErrTransferReverted) {
						return retry.Permanent(werr)
					}
					return werr
				}
				result = res
				return nil
			}
			// Unknown reference: the network never saw it. Resubmit.
			logging.L(ctx).Warn("transfer reference unknown to network, resubmitting",
				"sessionId", sessionID, "ref", ref)
			ref = ""
		}

		res, serr := e.network.SubmitSplitTransfer(ctx, req)
		if serr != nil {
			return serr
		}
		ref = res.Ref

		wres, werr := e.network.WaitForTransfer(ctx, ref, e.confirmTimeout)
		if werr != nil {
			if errors.Is(werr, chain.ErrTransferReverted) {
				return retry.Permanent(werr)
			}
			logging.L(ctx).Warn("confirmation wait failed, will reconcile before retry",
				"sessionId", sessionID, "ref", ref, "error", werr)
			return werr
		}
		result = wres
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) failPayment(ctx context.Context, pay *payments.Payment, cause error) {
	pay.Status = payments.StatusFailed
	pay.FailureReason = cause.Error()
	if err := e.payments.Update(ctx, pay); err != nil {
		logging.L(ctx).Error("could not mark payment as failed",
			"paymentId", pay.ID, "error", err)
	}
}

// unlockRelockFns builds the unlock/relock pair for DoWithUnlock. The
// relock uses a background context: once a transfer may be in flight
// the caller must get the lock back to finish bookkeeping.
func unlockRelockFns(e *Engine, sessionID string, unlock *func()) [2]func() {
	unlockFn := func() { (*unlock)() }
	relockFn := func() {
		u, err := e.locks.LockContext(context.Background(), sessionID)
		if err == nil {
			*unlock = u
		}
	}
	return [2]func(){unlockFn, relockFn}
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
