package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Authorization is a delegate-signed consent to move owner funds to one
// recipient. The nonce and expiry bind the signature to a single
// settlement attempt.
type Authorization struct {
	Owner     string   `json:"owner"`
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
	Nonce     uint64   `json:"nonce"`
	Expiry    int64    `json:"expiry"` // unix seconds
}

// Message returns the canonical text the delegate key signs.
// Format: "Viewlock|{owner}|{recipient}|{amount}|{nonce}|{expiry}"
func (a Authorization) Message() string {
	return fmt.Sprintf("Viewlock|%s|%s|%s|%d|%d",
		strings.ToLower(a.Owner),
		strings.ToLower(a.Recipient),
		a.Amount.String(),
		a.Nonce,
		a.Expiry,
	)
}

// HashMessage creates an Ethereum signed message hash, prefixing the
// message with "\x19Ethereum Signed Message:\n{len}" per EIP-191.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs the authorization with the delegate private key and
// returns a SignedAuthorization carrying the hex signature.
func (a Authorization) Sign(delegateKey *ecdsa.PrivateKey) (SignedAuthorization, error) {
	sig, err := crypto.Sign(HashMessage(a.Message()), delegateKey)
	if err != nil {
		return SignedAuthorization{}, fmt.Errorf("failed to sign authorization: %w", err)
	}
	// Recovery id as v = 27/28 for on-chain ecrecover.
	sig[64] += 27
	return SignedAuthorization{
		Authorization: a,
		Signature:     "0x" + hex.EncodeToString(sig),
	}, nil
}

// RecoverAuthorizer recovers the signing address from a signed
// authorization. The signature must be 65 bytes (r[32] + s[32] + v[1]).
func RecoverAuthorizer(sa SignedAuthorization) (string, error) {
	sigHex := strings.TrimPrefix(sa.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Ecrecover expects the recovery id as 0 or 1.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(sa.Message()), recSig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifyAuthorizer checks that a signed authorization was produced by
// the expected delegate address.
func VerifyAuthorizer(sa SignedAuthorization, expectedAddr string) error {
	recovered, err := RecoverAuthorizer(sa)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(recovered, expectedAddr) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddr, recovered)
	}
	return nil
}

// DelegateKey is a freshly generated delegate keypair. The private half
// goes straight to custody; only the address ever leaves the server.
type DelegateKey struct {
	PrivateKeyHex string
	Address       string
}

// GenerateDelegateKey creates a new secp256k1 keypair for a session.
func GenerateDelegateKey() (*DelegateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate delegate key: %w", err)
	}
	return &DelegateKey{
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key)),
		Address:       strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// ParseDelegateKey loads a delegate private key from its hex form, as
// recovered from custody.
func ParseDelegateKey(privHex string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// DelegateAddress derives the address for a delegate private key.
func DelegateAddress(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}
