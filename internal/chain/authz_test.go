package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationMessage_Format(t *testing.T) {
	a := Authorization{
		Owner:     "0xAAAA000000000000000000000000000000000001",
		Recipient: "0xBBBB000000000000000000000000000000000002",
		Amount:    big.NewInt(3_417_750),
		Nonce:     7,
		Expiry:    1700000000,
	}

	msg := a.Message()
	assert.Equal(t,
		"Viewlock|0xaaaa000000000000000000000000000000000001|0xbbbb000000000000000000000000000000000002|3417750|7|1700000000",
		msg)
}

func TestSignAndRecover_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	a := Authorization{
		Owner:     "0xaaaa000000000000000000000000000000000001",
		Recipient: "0xbbbb000000000000000000000000000000000002",
		Amount:    big.NewInt(1_000_000),
		Nonce:     1,
		Expiry:    1700000000,
	}

	signed, err := a.Sign(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed.Signature, "0x"))

	recovered, err := RecoverAuthorizer(signed)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)

	assert.NoError(t, VerifyAuthorizer(signed, addr))
}

func TestVerifyAuthorizer_WrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	a := Authorization{
		Owner:     "0xaaaa000000000000000000000000000000000001",
		Recipient: "0xbbbb000000000000000000000000000000000002",
		Amount:    big.NewInt(500_000),
		Nonce:     2,
		Expiry:    1700000000,
	}
	signed, err := a.Sign(key)
	require.NoError(t, err)

	assert.Error(t, VerifyAuthorizer(signed, "0xcccc000000000000000000000000000000000003"))
}

func TestRecoverAuthorizer_TamperedFields(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	a := Authorization{
		Owner:     "0xaaaa000000000000000000000000000000000001",
		Recipient: "0xbbbb000000000000000000000000000000000002",
		Amount:    big.NewInt(500_000),
		Nonce:     3,
		Expiry:    1700000000,
	}
	signed, err := a.Sign(key)
	require.NoError(t, err)

	// Raising the amount after signing must not verify against the
	// delegate address.
	signed.Amount = big.NewInt(5_000_000)
	assert.Error(t, VerifyAuthorizer(signed, addr))
}

func TestRecoverAuthorizer_MalformedSignatures(t *testing.T) {
	a := Authorization{
		Owner:     "0xaaaa000000000000000000000000000000000001",
		Recipient: "0xbbbb000000000000000000000000000000000002",
		Amount:    big.NewInt(1),
		Nonce:     1,
		Expiry:    1,
	}

	for _, sig := range []string{"", "0xzz", "0xdeadbeef"} {
		_, err := RecoverAuthorizer(SignedAuthorization{Authorization: a, Signature: sig})
		assert.Error(t, err, "signature %q", sig)
	}
}

func TestGenerateDelegateKey(t *testing.T) {
	dk, err := GenerateDelegateKey()
	require.NoError(t, err)

	assert.Len(t, dk.PrivateKeyHex, 64)
	assert.True(t, strings.HasPrefix(dk.Address, "0x"))
	assert.Len(t, dk.Address, 42)

	// Private half parses back and derives the same address.
	key, err := ParseDelegateKey(dk.PrivateKeyHex)
	require.NoError(t, err)
	assert.Equal(t, dk.Address, DelegateAddress(key))

	// Two generations never collide.
	other, err := GenerateDelegateKey()
	require.NoError(t, err)
	assert.NotEqual(t, dk.PrivateKeyHex, other.PrivateKeyHex)
}

func TestParseDelegateKey_Invalid(t *testing.T) {
	_, err := ParseDelegateKey("not a key")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}
