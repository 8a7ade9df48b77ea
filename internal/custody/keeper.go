// Package custody seals delegate private keys at rest.
//
// Delegate keys never leave the server unencrypted. Each key is sealed
// with AES-256-GCM under a single master key loaded at startup. The
// sealed blob layout is:
//
//	nonce (12 bytes) || tag (16 bytes) || ciphertext
//
// A fresh random nonce is drawn per seal, so sealing the same key twice
// yields different blobs. Any bit flip anywhere in the blob fails GCM
// authentication and surfaces as ErrIntegrity, never as garbage key
// material.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required master key length (AES-256).
	KeySize = 32

	nonceSize = 12
	tagSize   = 16
)

// ErrIntegrity indicates a sealed blob that failed authentication.
// Treat it as possible tampering or storage corruption, not bad input.
var ErrIntegrity = errors.New("sealed key failed integrity check")

// Keeper encrypts and decrypts delegate key material.
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper creates a Keeper from a 32-byte master key.
func NewKeeper(masterKey []byte) (*Keeper, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Keeper{aead: aead}, nil
}

// NewKeeperFromHex creates a Keeper from a hex-encoded 32-byte master key,
// as loaded from configuration.
func NewKeeperFromHex(masterKeyHex string) (*Keeper, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(masterKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("master key must be hex: %w", err)
	}
	return NewKeeper(raw)
}

// Seal encrypts plaintext key material into a sealed blob.
func (k *Keeper) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}

	// GCM appends the tag to the ciphertext; the blob stores it up front.
	sealed := k.aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Open decrypts a sealed blob back into plaintext key material.
// Returns ErrIntegrity if the blob is truncated, reordered, or has been
// modified in any way.
func (k *Keeper) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, ErrIntegrity
	}
	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
