package gate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// nonceStore tracks issued challenge nonces. A nonce is consumed at
// most once and lapses after the TTL, so a captured payment instruction
// cannot be replayed.
type nonceStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	nonces map[string]time.Time // nonce -> issued-at
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{
		ttl:    ttl,
		nonces: make(map[string]time.Time),
	}
}

// issue generates, records, and returns a fresh nonce. Expired entries
// are purged on the way.
func (ns *nonceStore) issue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(b)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	cutoff := time.Now().Add(-ns.ttl)
	for k, issued := range ns.nonces {
		if issued.Before(cutoff) {
			delete(ns.nonces, k)
		}
	}
	ns.nonces[nonce] = time.Now()
	return nonce, nil
}

// consume removes the nonce and reports whether it was live.
func (ns *nonceStore) consume(nonce string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	issued, ok := ns.nonces[nonce]
	if !ok {
		return false
	}
	delete(ns.nonces, nonce)
	return time.Since(issued) <= ns.ttl
}
