package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/viewlock/viewlock/internal/chain"
	"github.com/viewlock/viewlock/internal/custody"
	"github.com/viewlock/viewlock/internal/idgen"
	"github.com/viewlock/viewlock/internal/logging"
	"github.com/viewlock/viewlock/internal/metrics"
	"github.com/viewlock/viewlock/internal/usdc"
	"github.com/viewlock/viewlock/internal/validation"
)

const (
	// DefaultTTL is the session lifetime when the request names none.
	DefaultTTL = 24 * time.Hour

	// ConfirmWindow is how long a pending session waits for the viewer
	// to confirm the approval before it lapses.
	ConfirmWindow = 15 * time.Minute
)

// FundingNetwork is the slice of the settlement network the manager
// needs: funding-account checks and approval calldata. chain.Network
// satisfies it.
type FundingNetwork interface {
	AccountExists(ctx context.Context, addr string) (bool, error)
	BuildApprovalInstruction(owner string, amount *big.Int) (*chain.ApprovalInstruction, error)
}

// Manager handles the session lifecycle.
type Manager struct {
	store      Store
	keeper     *custody.Keeper
	network    FundingNetwork
	pending    PendingCache
	defaultTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultTTL overrides the session lifetime used when a create
// request names no expiry.
func WithDefaultTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// NewManager creates a session manager.
func NewManager(store Store, keeper *custody.Keeper, network FundingNetwork, pending PendingCache, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		keeper:     keeper,
		network:    network,
		pending:    pending,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateResult pairs a new pending session with the approval the owner
// wallet must sign to activate it.
type CreateResult struct {
	Session  *Session                   `json:"session"`
	Approval *chain.ApprovalInstruction `json:"approval"`
}

// Create opens a new pending session for owner with the requested
// ceiling. The delegate key never leaves the server: it is generated
// here, sealed into custody, and only its address is exposed.
func (m *Manager) Create(ctx context.Context, owner string, req *CreateRequest) (*CreateResult, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if !validation.IsValidEthAddress(owner) {
		return nil, ErrInvalidOwner
	}

	amount, ok := usdc.Parse(req.Approve)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	expiresAt, err := resolveExpiry(req.ExpiresAt, req.ExpiresIn, m.defaultTTL)
	if err != nil {
		return nil, &ValidationError{Code: "invalid_expiry", Message: err.Error()}
	}

	// Fail before generating anything if the owner cannot fund the
	// session at all.
	exists, err := m.network.AccountExists(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to check funding account: %w", err)
	}
	if !exists {
		return nil, ErrNoFundingAccount
	}

	delegate, err := chain.GenerateDelegateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate delegate key: %w", err)
	}
	sealed, err := m.keeper.Seal([]byte(delegate.PrivateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("failed to seal delegate key: %w", err)
	}

	now := time.Now()
	ceiling := usdc.Format(amount)
	s := &Session{
		ID:           idgen.WithPrefix("ses_"),
		Owner:        owner,
		DelegateAddr: delegate.Address,
		SealedKey:    sealed,
		Approved:     ceiling,
		Spent:        "0.000000",
		Remaining:    ceiling,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		UpdatedAt:    now,
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	confirmTTL := ConfirmWindow
	if until := time.Until(expiresAt); until < confirmTTL {
		confirmTTL = until
	}
	if err := m.pending.Put(ctx, s.ID, confirmTTL); err != nil {
		logging.L(ctx).Warn("failed to register pending session", "sessionId", s.ID, "error", err)
	}

	approval, err := m.network.BuildApprovalInstruction(owner, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to build approval instruction: %w", err)
	}

	metrics.SessionsCreatedTotal.Inc()
	return &CreateResult{Session: s, Approval: approval}, nil
}

// Confirm activates a pending session once the viewer reports the
// approval reference. Confirming an already active session is a no-op
// returning the session; confirming a terminal session fails with the
// terminal state's error.
func (m *Manager) Confirm(ctx context.Context, id string, req *ConfirmRequest) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case StatusActive:
		return s, nil
	case StatusRevoked:
		return nil, ErrSessionRevoked
	case StatusExpired:
		return nil, ErrSessionExpired
	}

	if time.Now().After(s.ExpiresAt) {
		m.markExpired(ctx, s)
		return nil, ErrSessionExpired
	}

	// The confirm window is enforced by the pending cache TTL. A lapsed
	// entry means the viewer walked away; the session lapses with it.
	inWindow, err := m.pending.Exists(ctx, s.ID)
	if err != nil {
		logging.L(ctx).Warn("pending cache lookup failed, allowing confirm", "sessionId", s.ID, "error", err)
		inWindow = true
	}
	if !inWindow {
		m.markExpired(ctx, s)
		return nil, ErrSessionExpired
	}

	ref := strings.TrimSpace(req.ApprovalRef)
	if ref == "" || !validation.IsValidHex(ref) {
		return nil, ErrInvalidApprovalRef
	}

	now := time.Now()
	s.Status = StatusActive
	s.ActivatedAt = &now
	s.ApprovalRef = ref
	if err := m.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}
	_ = m.pending.Delete(ctx, s.ID)

	metrics.SessionsConfirmedTotal.Inc()
	logging.L(ctx).Info("session activated",
		"sessionId", s.ID, "owner", s.Owner, "approved", s.Approved)
	return s, nil
}

// ConfirmByOwner activates the owner's newest pending session whose
// ceiling is covered by the observed approval amount. Used by the
// approval watcher so a session goes live without the viewer having to
// report the reference manually. Returns ErrSessionNotFound when no
// pending session matches.
func (m *Manager) ConfirmByOwner(ctx context.Context, owner, approvalRef string, approvedAmount *big.Int) (*Session, error) {
	sessions, err := m.store.GetByOwner(ctx, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}

	var candidate *Session
	for _, s := range sessions {
		if s.Status != StatusPending {
			continue
		}
		ceiling, ok := usdc.Parse(s.Approved)
		if !ok || approvedAmount.Cmp(ceiling) < 0 {
			continue
		}
		if candidate == nil || s.CreatedAt.After(candidate.CreatedAt) {
			candidate = s
		}
	}
	if candidate == nil {
		return nil, ErrSessionNotFound
	}

	return m.Confirm(ctx, candidate.ID, &ConfirmRequest{ApprovalRef: approvalRef})
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// GetActive returns the owner's current active session. Sessions past
// their deadline are expired lazily on the way; when several are
// active, the newest wins.
func (m *Manager) GetActive(ctx context.Context, owner string) (*Session, error) {
	sessions, err := m.store.GetByOwner(ctx, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var active []*Session
	for _, s := range sessions {
		if !s.Status.IsTerminal() && now.After(s.ExpiresAt) {
			m.markExpired(ctx, s)
			continue
		}
		if s.Status == StatusActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActiveSession
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active[0], nil
}

// Revoke cancels a session. Revoking an already terminal session is a
// no-op.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	s.Status = StatusRevoked
	s.RevokedAt = &now
	if err := m.store.Update(ctx, s); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	_ = m.pending.Delete(ctx, id)

	metrics.SessionsRevokedTotal.Inc()
	logging.L(ctx).Info("session revoked", "sessionId", id, "owner", s.Owner)
	return nil
}

// DelegateKey unseals the session's delegate key for signing. A failed
// integrity check force-revokes the session: tampered key material must
// never authorize another transfer.
func (m *Manager) DelegateKey(ctx context.Context, s *Session) (*ecdsa.PrivateKey, error) {
	raw, err := m.keeper.Open(s.SealedKey)
	if err != nil {
		if errors.Is(err, custody.ErrIntegrity) {
			logging.L(ctx).Error("delegate key failed integrity check, revoking session",
				"sessionId", s.ID, "owner", s.Owner)
			if revokeErr := m.Revoke(ctx, s.ID); revokeErr != nil {
				logging.L(ctx).Error("failed to revoke compromised session",
					"sessionId", s.ID, "error", revokeErr)
			}
		}
		return nil, err
	}

	key, err := chain.ParseDelegateKey(string(raw))
	if err != nil {
		return nil, err
	}
	if got := chain.DelegateAddress(key); got != s.DelegateAddr {
		return nil, fmt.Errorf("unsealed key derives %s, session expects %s", got, s.DelegateAddr)
	}
	return key, nil
}

// CountActive returns the number of currently active sessions.
func (m *Manager) CountActive(ctx context.Context) (int64, error) {
	return m.store.CountActive(ctx)
}

// ExpireSweep marks every non-terminal session past its deadline as
// expired and returns how many it closed.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	expirable, err := m.store.ListExpirable(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, s := range expirable {
		if m.markExpired(ctx, s) {
			closed++
		}
	}
	return closed, nil
}

func (m *Manager) markExpired(ctx context.Context, s *Session) bool {
	s.Status = StatusExpired
	if err := m.store.Update(ctx, s); err != nil {
		logging.L(ctx).Warn("failed to expire session", "sessionId", s.ID, "error", err)
		return false
	}
	_ = m.pending.Delete(ctx, s.ID)
	metrics.SessionsExpiredTotal.Inc()
	return true
}

func resolveExpiry(expiresAt, expiresIn string, defaultTTL time.Duration) (time.Time, error) {
	if expiresAt != "" {
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expiresAt format: %w", err)
		}
		if !t.After(time.Now()) {
			return time.Time{}, errors.New("expiresAt must be in the future")
		}
		return t, nil
	}
	if expiresIn != "" {
		d, err := parseDuration(expiresIn)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expiresIn format: %w", err)
		}
		if d <= 0 {
			return time.Time{}, errors.New("expiresIn must be positive")
		}
		return time.Now().Add(d), nil
	}
	return time.Now().Add(defaultTTL), nil
}

// parseDuration supports "7d" for days on top of time.ParseDuration.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
