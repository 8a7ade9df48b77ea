// Package x402 implements the wire types and client helpers for
// Viewlock's HTTP 402 payment protocol. A server challenges with a
// Challenge body; the client answers with a PaymentInstruction header
// that tells the platform which session to settle the price from.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProofHeader carries the serialized PaymentInstruction.
const ProofHeader = "X-Payment-Proof"

// SessionHeader lets a client present its session for grant lookups
// without re-paying.
const SessionHeader = "X-Viewlock-Session"

// Amount is a priced quantity.
type Amount struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"` // "USDC"
}

// Recipients names where the split lands.
type Recipients struct {
	Primary string `json:"primary"` // resource payee
	Fee     string `json:"fee"`     // platform fee wallet
}

// Split is the fee split in percent.
type Split struct {
	PrimaryPercent float64 `json:"primaryPercent"`
	FeePercent     float64 `json:"feePercent"`
}

// Challenge is the 402 response body.
type Challenge struct {
	ResourceID string     `json:"resourceId"`
	Price      Amount     `json:"price"`
	Recipients Recipients `json:"recipients"`
	Split      Split      `json:"split"`
	IssuedAt   time.Time  `json:"issuedAt"`
	Nonce      string     `json:"nonce"`
}

// PaymentInstruction answers a Challenge: settle the price from this
// session. The nonce binds it to one challenge, one use.
type PaymentInstruction struct {
	SessionID  string `json:"sessionId"`
	ResourceID string `json:"resourceId"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"` // unix seconds
}

// Error is a protocol error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks whether an HTTP response is a payment challenge.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the challenge from a 402 response body.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Failed payment attempts return {error, message, challenge}; a
	// fresh challenge is the bare body. Try the wrapped shape first.
	var wrapped struct {
		Challenge *Challenge `json:"challenge"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Challenge != nil {
		return wrapped.Challenge, nil
	}

	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	return &ch, nil
}

// NewPaymentInstruction builds the answer to a challenge.
func NewPaymentInstruction(sessionID string, ch *Challenge) *PaymentInstruction {
	return &PaymentInstruction{
		SessionID:  sessionID,
		ResourceID: ch.ResourceID,
		Nonce:      ch.Nonce,
		Timestamp:  time.Now().Unix(),
	}
}

// ToHeader serializes the instruction for the proof header.
func (p *PaymentInstruction) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal instruction: %w", err)
	}
	return string(data), nil
}

// AddToRequest attaches the instruction to an HTTP request.
func (p *PaymentInstruction) AddToRequest(req *http.Request) error {
	header, err := p.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set(ProofHeader, header)
	return nil
}
