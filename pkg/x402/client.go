package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

// Client wraps http.Client with automatic 402 handling: when a request
// hits a payment challenge, the client answers it from its configured
// session and retries.
type Client struct {
	httpClient *http.Client
	sessionID  string

	MaxRetries int    // payment retries per request (default: 1)
	AutoPay    bool   // answer 402s automatically (default: true)
	MaxPayment string // refuse challenges above this USDC amount (default: unlimited)

	// OnPayment is called before each payment attempt.
	OnPayment func(ch *Challenge, instruction *PaymentInstruction)
}

// NewClient creates a 402-aware HTTP client spending from sessionID.
func NewClient(sessionID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sessionID:  sessionID,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402
// handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Keep the body around: a challenged request is retried.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	req = req.WithContext(ctx)
	req.Header.Set(SessionHeader, c.sessionID)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired || !c.AutoPay {
			return resp, nil
		}

		ch, err := ParseChallenge(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("parse challenge: %w", err)
		}

		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(ch.Price.Amount); err != nil {
				return nil, err
			}
		}

		instruction := NewPaymentInstruction(c.sessionID, ch)
		if c.OnPayment != nil {
			c.OnPayment(ch, instruction)
		}
		if err := instruction.AddToRequest(req); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max payment retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) checkPaymentLimit(price string) error {
	maxAmount, ok := usdc.Parse(c.MaxPayment)
	if !ok {
		return fmt.Errorf("invalid max payment %q", c.MaxPayment)
	}
	reqAmount, ok := usdc.Parse(price)
	if !ok {
		return fmt.Errorf("invalid challenge price %q", price)
	}
	if reqAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("challenge price %s exceeds max payment %s", price, c.MaxPayment)
	}
	return nil
}
