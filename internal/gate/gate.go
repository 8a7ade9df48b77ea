// Package gate puts priced resources behind HTTP 402. A request with
// no standing access grant gets a payment challenge; answering it with
// a payment instruction settles the price from the caller's session
// and opens the resource. Per caller and resource the flow moves
// no-grant, challenged, paying, granted.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewlock/viewlock/internal/grants"
	"github.com/viewlock/viewlock/internal/idgen"
	"github.com/viewlock/viewlock/internal/logging"
	"github.com/viewlock/viewlock/internal/metrics"
	"github.com/viewlock/viewlock/internal/payments"
	"github.com/viewlock/viewlock/internal/resources"
	"github.com/viewlock/viewlock/internal/session"
	"github.com/viewlock/viewlock/internal/settlement"
	"github.com/viewlock/viewlock/internal/usdc"
	"github.com/viewlock/viewlock/pkg/x402"
)

// DefaultNonceTTL is how long an issued challenge stays answerable.
const DefaultNonceTTL = 5 * time.Minute

// maxClockSkew tolerates instruction timestamps slightly in the future.
const maxClockSkew = 30 * time.Second

// Settler executes a purchase against a session.
type Settler interface {
	Settle(ctx context.Context, req *settlement.Request) (*payments.Payment, error)
}

// Sessions resolves session IDs to their owner.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Gate is the 402 access gate over the resource catalog.
type Gate struct {
	settler      Settler
	sessions     Sessions
	catalog      resources.Store
	grants       grants.Store
	feeBps       int64
	feeRecipient string
	nonces       *nonceStore
	maxPayment   *big.Int // nil means no cap
}

// Option configures a Gate.
type Option func(*Gate)

// WithNonceTTL overrides the challenge nonce lifetime.
func WithNonceTTL(ttl time.Duration) Option {
	return func(g *Gate) { g.nonces = newNonceStore(ttl) }
}

// WithMaxPayment caps the per-purchase price the gate will settle.
// Resources priced above the cap are never purchasable through this
// gate, regardless of the caller's session ceiling.
func WithMaxPayment(amount string) Option {
	return func(g *Gate) {
		if v, ok := usdc.Parse(amount); ok {
			g.maxPayment = v
		}
	}
}

// New creates an access gate.
func New(settler Settler, sessions Sessions, catalog resources.Store,
	grantStore grants.Store, feeBps int64, feeRecipient string, opts ...Option) *Gate {

	g := &Gate{
		settler:      settler,
		sessions:     sessions,
		catalog:      catalog,
		grants:       grantStore,
		feeBps:       feeBps,
		feeRecipient: feeRecipient,
		nonces:       newNonceStore(DefaultNonceTTL),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protect returns gin middleware for routes serving a priced resource
// under the :id parameter. Downstream handlers run only once the caller
// holds a valid access grant.
func (g *Gate) Protect() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		res, err := g.catalog.Get(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, resources.ErrResourceNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
					"error":   "resource_not_found",
					"message": "No resource with that ID",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Request failed",
			})
			return
		}

		proofHeader := c.GetHeader(x402.ProofHeader)
		if proofHeader == "" {
			// No payment attempt. A standing grant still opens the
			// resource when the caller presents its session.
			if sid := c.GetHeader(x402.SessionHeader); sid != "" {
				if grant := g.standingGrant(c, sid, res.ID); grant != nil {
					c.Set("accessGrant", grant)
					c.Next()
					return
				}
			}
			g.challenge(c, res, "", "")
			return
		}

		var instruction x402.PaymentInstruction
		if err := json.Unmarshal([]byte(proofHeader), &instruction); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": "Could not parse payment instruction JSON",
			})
			return
		}

		grant, pay, ok := g.settle(c, res, &instruction)
		if !ok {
			return
		}
		c.Set("accessGrant", grant)
		if pay != nil {
			c.Set("payment", pay)
		}
		c.Next()
	}
}

// settle validates the instruction, runs the purchase, and persists the
// grant. On failure it writes the error response and returns ok=false.
func (g *Gate) settle(c *gin.Context, res *resources.Resource,
	instruction *x402.PaymentInstruction) (*grants.AccessGrant, *payments.Payment, bool) {

	ctx := c.Request.Context()

	// Structural checks come before any engine work.
	if instruction.SessionID == "" || !strings.HasPrefix(instruction.SessionID, "ses_") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": "Instruction is missing a session ID",
		})
		return nil, nil, false
	}
	if instruction.ResourceID != res.ID {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "resource_mismatch",
			"message": "Instruction was issued for a different resource",
		})
		return nil, nil, false
	}
	if instruction.Timestamp > 0 {
		age := time.Since(time.Unix(instruction.Timestamp, 0))
		if age > DefaultNonceTTL || age < -maxClockSkew {
			g.challenge(c, res, "stale_instruction", "Instruction timestamp is outside the accepted window")
			return nil, nil, false
		}
	}
	if instruction.Nonce == "" || !g.nonces.consume(instruction.Nonce) {
		g.challenge(c, res, "challenge_expired", "Nonce is unknown, already used, or expired")
		return nil, nil, false
	}

	s, err := g.sessions.Get(ctx, instruction.SessionID)
	if err != nil {
		g.challenge(c, res, "no_session", "No session with that ID, create and confirm one first")
		return nil, nil, false
	}

	// Already bought: serve again without spending.
	if grant, err := g.grants.Get(ctx, s.Owner, res.ID); err == nil {
		return grant, nil, true
	}

	if g.maxPayment != nil {
		if price, ok := usdc.Parse(res.Price); ok && price.Cmp(g.maxPayment) > 0 {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "price_exceeds_limit",
				"message": "Resource price is above the per-purchase limit",
			})
			return nil, nil, false
		}
	}

	pay, err := g.settler.Settle(ctx, &settlement.Request{
		SessionID:  instruction.SessionID,
		Payee:      res.Payee,
		Amount:     res.Price,
		ResourceID: res.ID,
	})
	if err != nil {
		g.settlementFailed(c, res, err)
		return nil, nil, false
	}

	grant := &grants.AccessGrant{
		ID:         idgen.WithPrefix("grt_"),
		Payer:      s.Owner,
		ResourceID: res.ID,
		PaymentID:  pay.ID,
		GrantedAt:  time.Now(),
	}
	if ttl := res.GrantTTL(); ttl > 0 {
		expires := grant.GrantedAt.Add(ttl)
		grant.ExpiresAt = &expires
	}
	if err := g.grants.Put(ctx, grant); err != nil {
		// The payment settled; losing the grant would charge twice on
		// the next request.
		logging.L(ctx).Error("payment settled but grant could not be stored",
			"paymentId", pay.ID, "payer", s.Owner, "resourceId", res.ID, "error", err)
	}

	metrics.GrantsIssuedTotal.Inc()
	logging.L(ctx).Info("access granted",
		"payer", s.Owner, "resourceId", res.ID, "paymentId", pay.ID, "amount", pay.Amount)

	return grant, pay, true
}

// settlementFailed maps engine errors to protocol responses. State
// failures fall back to a fresh challenge so the caller can remediate
// and retry.
func (g *Gate) settlementFailed(c *gin.Context, res *resources.Resource, err error) {
	var se *settlement.Error
	if !errors.As(err, &se) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Settlement failed",
		})
		return
	}

	switch se.Kind {
	case settlement.KindValidation:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   se.Code,
			"message": se.Message,
		})
	case settlement.KindState:
		g.challenge(c, res, se.Code, se.Message)
	case settlement.KindNetwork:
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error":   se.Code,
			"message": "Settlement network rejected or could not process the transfer",
		})
	default: // custody, integrity
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   se.Code,
			"message": se.Message,
		})
	}
}

// challenge writes the 402 response. When errCode is set the body also
// carries the failure that sent the caller back to the challenge.
func (g *Gate) challenge(c *gin.Context, res *resources.Resource, errCode, errMessage string) {
	nonce, err := g.nonces.issue()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not issue a payment challenge",
		})
		return
	}

	ch := x402.Challenge{
		ResourceID: res.ID,
		Price:      x402.Amount{Amount: res.Price, Unit: "USDC"},
		Recipients: x402.Recipients{Primary: res.Payee, Fee: g.feeRecipient},
		Split: x402.Split{
			PrimaryPercent: float64(10000-g.feeBps) / 100,
			FeePercent:     float64(g.feeBps) / 100,
		},
		IssuedAt: time.Now(),
		Nonce:    nonce,
	}

	metrics.ChallengesIssuedTotal.Inc()

	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Amount", res.Price)
	c.Header("X-Payment-Currency", "USDC")

	if errCode != "" {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":     errCode,
			"message":   errMessage,
			"challenge": ch,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, ch)
}

// standingGrant returns the caller's valid grant for the resource, or
// nil when there is none or the session cannot be resolved.
func (g *Gate) standingGrant(c *gin.Context, sessionID, resourceID string) *grants.AccessGrant {
	ctx := c.Request.Context()
	s, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	grant, err := g.grants.Get(ctx, s.Owner, resourceID)
	if err != nil {
		return nil
	}
	return grant
}

// Purchase handles POST /resources/:id/purchase: the settle-endpoint
// form of answering a challenge, for clients that prefer a body over a
// header. Returns the payment and grant instead of the resource.
func (g *Gate) Purchase(c *gin.Context) {
	res, err := g.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, resources.ErrResourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "resource_not_found",
				"message": "No resource with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}

	var instruction x402.PaymentInstruction
	if err := c.ShouldBindJSON(&instruction); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: sessionId, resourceId, nonce",
		})
		return
	}

	grant, pay, ok := g.settle(c, res, &instruction)
	if !ok {
		return
	}
	body := gin.H{"grant": grant}
	if pay != nil {
		body["payment"] = pay
	}
	c.JSON(http.StatusOK, body)
}

// GrantFromContext retrieves the access grant set by Protect.
func GrantFromContext(c *gin.Context) *grants.AccessGrant {
	if v, ok := c.Get("accessGrant"); ok {
		return v.(*grants.AccessGrant)
	}
	return nil
}
