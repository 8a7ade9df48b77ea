package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 minimal ABI for balance and allowance reads plus the approval
// calldata handed to owner wallets.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Disburser contract ABI. splitTransferFrom moves both legs of a payment
// out of the owner wallet in a single transaction, verifying the two
// delegate signatures on-chain. initAccount provisions a recipient so it
// can receive transfers; isProvisioned reads that flag back.
const disburserABI = `[
	{"constant":false,"inputs":[{"name":"owner","type":"address"},{"name":"payee","type":"address"},{"name":"payeeAmount","type":"uint256"},{"name":"feeRecipient","type":"address"},{"name":"feeAmount","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"expiry","type":"uint256"},{"name":"payeeSig","type":"bytes"},{"name":"feeSig","type":"bytes"}],"name":"splitTransferFrom","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"account","type":"address"}],"name":"initAccount","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"isProvisioned","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// DefaultGasLimit for a split transfer when estimation fails.
	DefaultGasLimit = uint64(250000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for connecting an EVM network.
type Config struct {
	RPCURL         string
	FacilitatorKey string // hex, the wallet that signs and pays for transactions
	ChainID        int64
	TokenContract  string
	Disburser      string
}

// Option configures the EVM network.
type Option func(*EVM)

// WithClient sets a custom client (useful for testing).
func WithClient(client EthClient) Option {
	return func(e *EVM) {
		e.client = client
	}
}

// EVM implements Network against an Ethereum-compatible chain.
type EVM struct {
	client         EthClient
	facilitatorKey *ecdsa.PrivateKey
	facilitator    common.Address
	chainID        *big.Int
	token          common.Address
	disburser      common.Address
	tokenABI       abi.ABI
	disburserABI   abi.ABI
}

var _ Network = (*EVM)(nil)

// New connects to an EVM settlement network.
func New(cfg Config, opts ...Option) (*EVM, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	facilitatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.FacilitatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	tokenParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	disburserParsed, err := abi.JSON(strings.NewReader(disburserABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse disburser ABI: %w", err)
	}

	e := &EVM{
		facilitatorKey: facilitatorKey,
		facilitator:    crypto.PubkeyToAddress(facilitatorKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		token:          common.HexToAddress(cfg.TokenContract),
		disburser:      common.HexToAddress(cfg.Disburser),
		tokenABI:       tokenParsed,
		disburserABI:   disburserParsed,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.FacilitatorKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.TokenContract == "" {
		return errors.New("token contract address required")
	}
	if cfg.Disburser == "" {
		return errors.New("disburser contract address required")
	}
	return nil
}

// FacilitatorAddress returns the wallet paying network fees.
func (e *EVM) FacilitatorAddress() string {
	return strings.ToLower(e.facilitator.Hex())
}

// AccountExists checks the disburser's provisioning flag for addr.
func (e *EVM) AccountExists(ctx context.Context, addr string) (bool, error) {
	data, err := e.disburserABI.Pack("isProvisioned", common.HexToAddress(addr))
	if err != nil {
		return false, fmt.Errorf("failed to pack isProvisioned call: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.disburser, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to call isProvisioned: %w", err)
	}
	return len(result) > 0 && result[len(result)-1] == 1, nil
}

// EnsureAccount provisions addr for transfers. The facilitator wallet
// signs and pays for the provisioning transaction.
func (e *EVM) EnsureAccount(ctx context.Context, addr string) error {
	exists, err := e.AccountExists(ctx, addr)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data, err := e.disburserABI.Pack("initAccount", common.HexToAddress(addr))
	if err != nil {
		return &SubmitError{Op: "init_account_pack", Err: err}
	}

	signedTx, err := e.buildAndSign(ctx, data)
	if err != nil {
		return &SubmitError{Op: "init_account", Err: err}
	}
	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return &SubmitError{Op: "init_account_send", Ref: signedTx.Hash().Hex(), Err: err}
	}
	if _, err := e.WaitForTransfer(ctx, signedTx.Hash().Hex(), 30*time.Second); err != nil {
		return fmt.Errorf("account provisioning not confirmed: %w", err)
	}
	return nil
}

// OwnerBalance reads the owner wallet's token balance.
func (e *EVM) OwnerBalance(ctx context.Context, owner string) (*big.Int, error) {
	data, err := e.tokenABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Allowance reads how much the disburser may still move from owner.
func (e *EVM) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	data, err := e.tokenABI.Pack("allowance", common.HexToAddress(owner), e.disburser)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call allowance: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// SubmitSplitTransfer sends both legs of a payment as one transaction.
// The two authorizations must share owner, nonce, and expiry; the
// contract verifies the delegate signatures before moving funds.
func (e *EVM) SubmitSplitTransfer(ctx context.Context, req *SplitTransferRequest) (*SplitTransferResult, error) {
	if req.Payee.Nonce != req.Fee.Nonce || req.Payee.Expiry != req.Fee.Expiry {
		return nil, &SubmitError{Op: "split_transfer", Err: errors.New("authorization legs do not match")}
	}

	payeeSig, err := decodeSig(req.Payee.Signature)
	if err != nil {
		return nil, &SubmitError{Op: "split_transfer", Err: err}
	}
	feeSig, err := decodeSig(req.Fee.Signature)
	if err != nil {
		return nil, &SubmitError{Op: "split_transfer", Err: err}
	}

	data, err := e.disburserABI.Pack("splitTransferFrom",
		common.HexToAddress(req.Owner),
		common.HexToAddress(req.Payee.Recipient),
		req.Payee.Amount,
		common.HexToAddress(req.Fee.Recipient),
		req.Fee.Amount,
		new(big.Int).SetUint64(req.Payee.Nonce),
		big.NewInt(req.Payee.Expiry),
		payeeSig,
		feeSig,
	)
	if err != nil {
		return nil, &SubmitError{Op: "split_transfer_pack", Err: err}
	}

	signedTx, err := e.buildAndSign(ctx, data)
	if err != nil {
		return nil, &SubmitError{Op: "split_transfer", Err: err}
	}
	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmitError{Op: "split_transfer_send", Ref: signedTx.Hash().Hex(), Err: err}
	}

	return &SplitTransferResult{Ref: signedTx.Hash().Hex()}, nil
}

// buildAndSign assembles a facilitator-signed transaction to the
// disburser contract.
func (e *EVM) buildAndSign(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.facilitator)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas_price: %w", err)
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.facilitator,
		To:    &e.disburser,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.disburser, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.facilitatorKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signedTx, nil
}

// WaitForTransfer polls for the transaction receipt until mined or the
// timeout elapses.
func (e *EVM) WaitForTransfer(ctx context.Context, ref string, timeout time.Duration) (*SplitTransferResult, error) {
	hash := common.HexToHash(ref)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for transfer %s", ErrTimeout, ref)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return nil, fmt.Errorf("%w: %s", ErrTransferReverted, ref)
			}
			return &SplitTransferResult{
				Ref:         ref,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// TransferStatus probes the current state of a submitted transfer.
func (e *EVM) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	hash := common.HexToHash(ref)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == 0 {
			return TransferFailed, nil
		}
		return TransferConfirmed, nil
	}

	// No receipt. Distinguish "still in the mempool" from "never seen".
	_, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		return TransferUnknown, nil
	}
	if pending {
		return TransferPending, nil
	}
	return TransferPending, nil
}

// BuildApprovalInstruction builds the unsigned token approval for the
// owner wallet.
func (e *EVM) BuildApprovalInstruction(owner string, amount *big.Int) (*ApprovalInstruction, error) {
	data, err := e.tokenABI.Pack("approve", e.disburser, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve call: %w", err)
	}
	return &ApprovalInstruction{
		To:      strings.ToLower(e.token.Hex()),
		Data:    "0x" + hex.EncodeToString(data),
		Spender: strings.ToLower(e.disburser.Hex()),
		Amount:  amount.String(),
		ChainID: e.chainID.Int64(),
	}, nil
}

// Close closes the client connection.
func (e *EVM) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func decodeSig(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}
