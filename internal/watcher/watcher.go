// Package watcher monitors the settlement network for token approvals.
//
// When an owner wallet approves the disburser contract, the matching
// pending session is confirmed automatically, so a viewer who signed
// the approval in their wallet does not have to report the transaction
// reference back to the API.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 Approval event signature
var approvalEventSig = common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925")

// SessionActivator confirms pending sessions from observed approvals.
type SessionActivator interface {
	ConfirmByOwner(ctx context.Context, owner, approvalRef string, approvedAmount *big.Int) error
}

// Config for the approval watcher
type Config struct {
	RPCURL            string
	USDCContract      common.Address
	DisburserContract common.Address
	PollInterval      time.Duration
	StartBlock        uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher monitors for owner approvals of the disburser contract
type Watcher struct {
	client    *ethclient.Client
	config    Config
	activator SessionActivator
	logger    *slog.Logger

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a new approval watcher
func New(cfg Config, activator SessionActivator, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	return &Watcher{
		client:    client,
		config:    cfg,
		activator: activator,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching for approvals
func (w *Watcher) Start(ctx context.Context) error {
	// Get starting block
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("approval watcher started",
		"disburser", w.config.DisburserContract.Hex(),
		"usdc", w.config.USDCContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForApprovals(ctx); err != nil {
				w.logger.Error("approval check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForApprovals(ctx context.Context) error {
	// Get current block
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Query for Approval events naming the disburser as spender
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.USDCContract},
		Topics: [][]common.Hash{
			{approvalEventSig}, // Approval event
			nil,                // Any owner address
			{common.BytesToHash(w.config.DisburserContract.Bytes())}, // Spender = disburser
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processApproval(ctx, vLog); err != nil {
			w.logger.Error("failed to process approval", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processApproval(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the approval is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Parse the Approval event
	// Topics[1] = owner address (indexed)
	// Topics[2] = spender address (indexed)
	// Data = allowance amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid approval event")
	}

	owner := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	amount := new(big.Int).SetBytes(vLog.Data)

	// An approval down to zero is a revocation on the wallet side;
	// nothing to confirm from it.
	if amount.Sign() <= 0 {
		succeeded = true
		return nil
	}

	if err := w.activator.ConfirmByOwner(ctx, owner, txHash, amount); err != nil {
		w.logger.Info("approval with no matching pending session",
			"owner", owner,
			"amount", formatUSDC(amount),
			"tx", txHash,
			"reason", err.Error(),
		)
		succeeded = true // Nothing to retry; sessions may be created later
		return nil
	}

	w.logger.Info("session confirmed from observed approval",
		"owner", owner,
		"amount", formatUSDC(amount),
		"tx", txHash,
	)

	succeeded = true
	return nil
}

// formatUSDC converts raw amount to decimal string (6 decimals)
func formatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	s := amount.String()
	for len(s) < 7 {
		s = "0" + s
	}
	decimal := len(s) - 6
	return s[:decimal] + "." + s[decimal:]
}
