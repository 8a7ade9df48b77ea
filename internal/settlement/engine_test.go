package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/viewlock/viewlock/internal/chain"
	"github.com/viewlock/viewlock/internal/custody"
	"github.com/viewlock/viewlock/internal/payments"
	"github.com/viewlock/viewlock/internal/session"
)

const (
	testOwner = "0xaaaa000000000000000000000000000000000001"
	testPayee = "0xbbbb000000000000000000000000000000000002"
	testFees  = "0xcccc000000000000000000000000000000000003"
)

type fakeFunding struct{}

func (fakeFunding) AccountExists(ctx context.Context, addr string) (bool, error) {
	return true, nil
}

func (fakeFunding) BuildApprovalInstruction(owner string, amount *big.Int) (*chain.ApprovalInstruction, error) {
	return &chain.ApprovalInstruction{Amount: amount.String()}, nil
}

// fakeNetwork scripts settlement-network behavior per test.
type fakeNetwork struct {
	mu sync.Mutex

	balance    *big.Int
	balanceErr error

	submitErr   error
	submitCalls int
	lastReq     *chain.SplitTransferRequest

	waitErrs  []error // consumed per WaitForTransfer call; nil means confirm
	waitCalls int

	status      chain.TransferStatus
	statusCalls int

	ensured []string
}

func (f *fakeNetwork) AccountExists(ctx context.Context, addr string) (bool, error) {
	return true, nil
}

func (f *fakeNetwork) EnsureAccount(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, addr)
	return nil
}

func (f *fakeNetwork) OwnerBalance(ctx context.Context, owner string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if f.balance == nil {
		return big.NewInt(1_000_000_000), nil // 1000 USDC
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeNetwork) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeNetwork) SubmitSplitTransfer(ctx context.Context, req *chain.SplitTransferRequest) (*chain.SplitTransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitCalls++
	f.lastReq = req
	return &chain.SplitTransferResult{Ref: fmt.Sprintf("0xref%04d", f.submitCalls)}, nil
}

func (f *fakeNetwork) WaitForTransfer(ctx context.Context, ref string, timeout time.Duration) (*chain.SplitTransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	if len(f.waitErrs) > 0 {
		err := f.waitErrs[0]
		f.waitErrs = f.waitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chain.SplitTransferResult{Ref: ref, BlockNumber: 100}, nil
}

func (f *fakeNetwork) TransferStatus(ctx context.Context, ref string) (chain.TransferStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.status == "" {
		return chain.TransferConfirmed, nil
	}
	return f.status, nil
}

func (f *fakeNetwork) BuildApprovalInstruction(owner string, amount *big.Int) (*chain.ApprovalInstruction, error) {
	return &chain.ApprovalInstruction{Amount: amount.String()}, nil
}

type fixture struct {
	engine  *Engine
	manager *session.Manager
	store   *session.MemoryStore
	pays    *payments.MemoryStore
	network *fakeNetwork
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key := make([]byte, custody.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	keeper, err := custody.NewKeeper(key)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}

	store := session.NewMemoryStore()
	manager := session.NewManager(store, keeper, fakeFunding{}, session.NewMemoryPendingCache())
	network := &fakeNetwork{}
	pays := payments.NewMemoryStore()

	engine := NewEngine(manager, session.NewLedger(store), pays, network, 235, testFees,
		WithSubmitPolicy(3, time.Millisecond),
		WithConfirmTimeout(time.Second),
	)
	return &fixture{engine: engine, manager: manager, store: store, pays: pays, network: network}
}

func (f *fixture) activeSession(t *testing.T, approve string) *session.Session {
	t.Helper()
	ctx := context.Background()

	result, err := f.manager.Create(ctx, testOwner, &session.CreateRequest{Approve: approve})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := f.manager.Confirm(ctx, result.Session.ID, &session.ConfirmRequest{ApprovalRef: "0xabc123"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return s
}

func TestSettle(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	pay, err := f.engine.Settle(ctx, &Request{
		SessionID: s.ID, Payee: testPayee, Amount: "3.50", ResourceID: "res_1",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if pay.Status != payments.StatusVerified {
		t.Errorf("status = %s, want verified", pay.Status)
	}
	// 2.35% of 3.50 is 0.082250, remainder to the payee.
	if pay.FeeAmount != "0.082250" || pay.PayeeAmount != "3.417750" {
		t.Errorf("split = fee %s / payee %s", pay.FeeAmount, pay.PayeeAmount)
	}
	if pay.TransferRef == "" || pay.VerifiedAt == nil {
		t.Error("verified payment missing transfer ref or timestamp")
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "6.500000" || got.Spent != "3.500000" {
		t.Errorf("session spent/remaining = %s/%s, want 3.5/6.5", got.Spent, got.Remaining)
	}

	// Both legs share nonce and expiry, amounts sum to the gross price.
	req := f.network.lastReq
	if req.Payee.Nonce != req.Fee.Nonce || req.Payee.Expiry != req.Fee.Expiry {
		t.Error("transfer legs must share nonce and expiry")
	}
	sum := new(big.Int).Add(req.Payee.Amount, req.Fee.Amount)
	if sum.String() != "3500000" {
		t.Errorf("leg sum = %s, want 3500000", sum.String())
	}
}

func TestSettle_InsufficientRemaining(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	if _, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "3.50"}); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	submits := f.network.submitCalls

	_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "7.00"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeInsufficientRemaining {
		t.Fatalf("got %v, want %s", err, CodeInsufficientRemaining)
	}
	if se.Kind != KindState {
		t.Errorf("kind = %s, want state", se.Kind)
	}
	if f.network.submitCalls != submits {
		t.Error("failed local check must not reach the network")
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "6.500000" {
		t.Errorf("remaining = %s, want 6.500000", got.Remaining)
	}
}

func TestSettle_ValidationBeforeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
		code string
	}{
		{"zero amount", &Request{SessionID: "ses_x", Payee: testPayee, Amount: "0"}, CodeInvalidAmount},
		{"negative amount", &Request{SessionID: "ses_x", Payee: testPayee, Amount: "-1.00"}, CodeInvalidAmount},
		{"bad payee", &Request{SessionID: "ses_x", Payee: "nope", Amount: "1.00"}, CodeInvalidPayee},
		{"unknown session", &Request{SessionID: "ses_x", Payee: testPayee, Amount: "1.00"}, CodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Settle(ctx, tt.req)
			var se *Error
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Errorf("got %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestSettle_NotActive(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	if err := f.manager.Revoke(ctx, s.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "1.00"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeSessionRevoked {
		t.Fatalf("got %v, want %s", err, CodeSessionRevoked)
	}
}

func TestSettle_InsufficientExternalFunds(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	f.network.balance = big.NewInt(500_000) // 0.50 USDC
	ctx := context.Background()

	_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "1.00"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeInsufficientFunds {
		t.Fatalf("got %v, want %s", err, CodeInsufficientFunds)
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "10.000000" {
		t.Errorf("remaining = %s, ceiling must be untouched", got.Remaining)
	}
}

func TestSettle_ConcurrentSpends(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "6.50")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "4.00"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		failed++
		var se *Error
		if !errors.As(err, &se) || se.Code != CodeInsufficientRemaining {
			t.Errorf("loser got %v, want %s", err, CodeInsufficientRemaining)
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d, want exactly one success", ok, failed)
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "2.500000" {
		t.Errorf("remaining = %s, want 2.500000", got.Remaining)
	}
	if f.network.submitCalls != 1 {
		t.Errorf("submits = %d, want 1", f.network.submitCalls)
	}
}

func TestSettle_TimeoutReconciliation(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	// First confirmation wait times out; the status probe then finds
	// the transfer confirmed. No second submission may happen.
	f.network.waitErrs = []error{chain.ErrTimeout}
	f.network.status = chain.TransferConfirmed

	pay, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "2.00"})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if pay.Status != payments.StatusVerified {
		t.Errorf("status = %s, want verified", pay.Status)
	}
	if f.network.submitCalls != 1 {
		t.Errorf("submits = %d, reconciliation must not double-submit", f.network.submitCalls)
	}
	if f.network.statusCalls == 0 {
		t.Error("timeout must trigger a status probe")
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "8.000000" {
		t.Errorf("remaining = %s, want 8.000000", got.Remaining)
	}
}

func TestSettle_Reverted(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	f.network.waitErrs = []error{chain.ErrTransferReverted}

	_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "2.00"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeTransferReverted {
		t.Fatalf("got %v, want %s", err, CodeTransferReverted)
	}

	// Reverted transfer moved nothing: ceiling stays intact and the
	// payment record says failed.
	got, _ := f.store.Get(ctx, s.ID)
	if got.Remaining != "10.000000" {
		t.Errorf("remaining = %s, want 10.000000", got.Remaining)
	}
	list, _ := f.pays.ListBySession(ctx, s.ID, 10)
	if len(list) != 1 || list[0].Status != payments.StatusFailed {
		t.Fatalf("payment records = %+v, want one failed", list)
	}
	if list[0].FailureReason == "" {
		t.Error("failed payment missing reason")
	}
}

func TestSettle_TamperedKeyForcesRevoke(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	stored, _ := f.store.Get(ctx, s.ID)
	stored.SealedKey[len(stored.SealedKey)/2] ^= 0x01
	if err := f.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "1.00"})
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindIntegrity {
		t.Fatalf("got %v, want integrity error", err)
	}

	got, _ := f.store.Get(ctx, s.ID)
	if got.Status != session.StatusRevoked {
		t.Errorf("status = %s, tampered custody must revoke the session", got.Status)
	}
}

func TestSettle_EnsuresRecipientAccounts(t *testing.T) {
	f := newFixture(t)
	s := f.activeSession(t, "10.00")
	ctx := context.Background()

	if _, err := f.engine.Settle(ctx, &Request{SessionID: s.ID, Payee: testPayee, Amount: "1.00"}); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	want := map[string]bool{testPayee: false, testFees: false}
	for _, addr := range f.network.ensured {
		if _, ok := want[addr]; ok {
			want[addr] = true
		}
	}
	for addr, seen := range want {
		if !seen {
			t.Errorf("account %s was not provisioned", addr)
		}
	}
}
