package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewlock/viewlock/internal/validation"
)

// Handler provides HTTP handlers for session lifecycle operations.
type Handler struct {
	manager *Manager
	ledger  *Ledger
}

// NewHandler creates a session handler.
func NewHandler(manager *Manager, ledger *Ledger) *Handler {
	return &Handler{manager: manager, ledger: ledger}
}

// RegisterRoutes sets up the session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:address/sessions", h.CreateSession)
	r.GET("/wallets/:address/session", h.GetActiveSession)
	r.GET("/wallets/:address/balance", h.GetBalance)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/confirm", h.ConfirmSession)
	r.POST("/sessions/:id/topup", h.TopUpSession)
	r.DELETE("/sessions/:id", h.RevokeSession)
}

// CreateSession handles POST /wallets/:address/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	address := c.Param("address")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: approve (USDC ceiling, e.g. \"10.00\")",
		})
		return
	}

	result, err := h.manager.Create(c.Request.Context(), address, &req)
	if err != nil {
		respondError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ConfirmSession handles POST /sessions/:id/confirm.
func (h *Handler) ConfirmSession(c *gin.Context) {
	id := c.Param("id")

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: approvalRef",
		})
		return
	}

	s, err := h.manager.Confirm(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, err, http.StatusConflict)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// GetActiveSession handles GET /wallets/:address/session.
func (h *Handler) GetActiveSession(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidOwner.Code,
			"message": ErrInvalidOwner.Message,
		})
		return
	}

	s, err := h.manager.GetActive(c.Request.Context(), address)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// GetBalance handles GET /wallets/:address/balance. It reports the
// active session's spending position without exposing the full record.
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidOwner.Code,
			"message": ErrInvalidOwner.Message,
		})
		return
	}

	s, err := h.manager.GetActive(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			c.JSON(http.StatusOK, gin.H{"hasSession": false})
			return
		}
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hasSession": true,
		"sessionId":  s.ID,
		"approved":   s.Approved,
		"spent":      s.Spent,
		"remaining":  s.Remaining,
		"expiresAt":  s.ExpiresAt,
	})
}

// TopUpRequest raises an active session's ceiling after the viewer
// signed a fresh approval. The optional expiry fields extend the
// session deadline alongside the new ceiling; left empty, the
// original deadline stands.
type TopUpRequest struct {
	Amount      string `json:"amount" binding:"required"`
	ApprovalRef string `json:"approvalRef" binding:"required"`

	ExpiresIn string `json:"expiresIn,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// TopUpSession handles POST /sessions/:id/topup.
func (h *Handler) TopUpSession(c *gin.Context) {
	id := c.Param("id")

	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: amount, approvalRef",
		})
		return
	}

	ref := strings.TrimSpace(req.ApprovalRef)
	if ref == "" || !validation.IsValidHex(ref) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidApprovalRef.Code,
			"message": ErrInvalidApprovalRef.Message,
		})
		return
	}

	var newExpiry time.Time
	if req.ExpiresAt != "" || req.ExpiresIn != "" {
		t, err := resolveExpiry(req.ExpiresAt, req.ExpiresIn, 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_expiry",
				"message": err.Error(),
			})
			return
		}
		newExpiry = t
	}

	if err := h.ledger.IncreaseApproval(c.Request.Context(), id, req.Amount, ref, newExpiry); err != nil {
		respondError(c, err, http.StatusConflict)
		return
	}

	s, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// RevokeSession handles DELETE /sessions/:id.
func (h *Handler) RevokeSession(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.Revoke(c.Request.Context(), id); err != nil {
		respondError(c, err, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Session revoked",
		"sessionId": id,
	})
}

// respondError maps domain errors onto HTTP statuses. Not-found is
// always 404; other typed validation errors use the caller's fallback.
func respondError(c *gin.Context, err error, fallback int) {
	if ve, ok := err.(*ValidationError); ok {
		status := fallback
		switch ve {
		case ErrSessionNotFound, ErrNoActiveSession:
			status = http.StatusNotFound
		case ErrSessionRevoked, ErrSessionExpired, ErrSessionPending, ErrSessionNotActive:
			status = http.StatusConflict
		case ErrInsufficientRemaining:
			status = http.StatusPaymentRequired
		case ErrInvalidAmount, ErrInvalidOwner, ErrInvalidApprovalRef, ErrNoFundingAccount:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": ve.Code, "message": ve.Message})
		return
	}
	c.JSON(fallback, gin.H{
		"error":   "internal_error",
		"message": "Request failed",
	})
}
