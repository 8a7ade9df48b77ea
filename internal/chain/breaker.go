package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/viewlock/viewlock/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the RPC circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("chain: rpc circuit open")

const breakerKey = "rpc"

// breakerNetwork wraps a Network with a circuit breaker keyed on the RPC
// endpoint. Repeated connectivity failures trip the circuit and calls are
// rejected immediately until the probe window opens.
type breakerNetwork struct {
	inner   Network
	breaker *circuitbreaker.Breaker
}

// WithBreaker decorates n with circuit-breaker protection.
func WithBreaker(n Network, b *circuitbreaker.Breaker) Network {
	return &breakerNetwork{inner: n, breaker: b}
}

// guard runs fn under the breaker. A reverted transfer is a healthy RPC
// answer, so it counts as success for circuit purposes.
func (b *breakerNetwork) guard(fn func() error) error {
	if !b.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w", ErrCircuitOpen)
	}
	err := fn()
	if err != nil && !errors.Is(err, ErrTransferReverted) {
		b.breaker.RecordFailure(breakerKey)
		return err
	}
	b.breaker.RecordSuccess(breakerKey)
	return err
}

func (b *breakerNetwork) AccountExists(ctx context.Context, addr string) (bool, error) {
	var exists bool
	err := b.guard(func() error {
		var err error
		exists, err = b.inner.AccountExists(ctx, addr)
		return err
	})
	return exists, err
}

func (b *breakerNetwork) EnsureAccount(ctx context.Context, addr string) error {
	return b.guard(func() error {
		return b.inner.EnsureAccount(ctx, addr)
	})
}

func (b *breakerNetwork) OwnerBalance(ctx context.Context, owner string) (*big.Int, error) {
	var bal *big.Int
	err := b.guard(func() error {
		var err error
		bal, err = b.inner.OwnerBalance(ctx, owner)
		return err
	})
	return bal, err
}

func (b *breakerNetwork) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	var allowance *big.Int
	err := b.guard(func() error {
		var err error
		allowance, err = b.inner.Allowance(ctx, owner)
		return err
	})
	return allowance, err
}

func (b *breakerNetwork) SubmitSplitTransfer(ctx context.Context, req *SplitTransferRequest) (*SplitTransferResult, error) {
	var res *SplitTransferResult
	err := b.guard(func() error {
		var err error
		res, err = b.inner.SubmitSplitTransfer(ctx, req)
		return err
	})
	return res, err
}

func (b *breakerNetwork) WaitForTransfer(ctx context.Context, ref string, timeout time.Duration) (*SplitTransferResult, error) {
	var res *SplitTransferResult
	err := b.guard(func() error {
		var err error
		res, err = b.inner.WaitForTransfer(ctx, ref, timeout)
		return err
	})
	return res, err
}

func (b *breakerNetwork) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	status := TransferUnknown
	err := b.guard(func() error {
		var err error
		status, err = b.inner.TransferStatus(ctx, ref)
		return err
	})
	return status, err
}

// BuildApprovalInstruction is pure calldata construction, no RPC involved.
func (b *breakerNetwork) BuildApprovalInstruction(owner string, amount *big.Int) (*ApprovalInstruction, error) {
	return b.inner.BuildApprovalInstruction(owner, amount)
}

// Close releases the inner network's connection when it has one.
func (b *breakerNetwork) Close() error {
	if closer, ok := b.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
