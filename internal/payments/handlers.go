package payments

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewlock/viewlock/internal/pagination"
	"github.com/viewlock/viewlock/internal/validation"
)

// Handler serves payment receipts.
type Handler struct {
	store Store
}

// NewHandler creates a payment handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the payment receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/sessions/:id/payments", h.ListSessionPayments)
	r.GET("/wallets/:address/payments", h.ListWalletPayments)
}

// GetPayment handles GET /payments/:id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err == ErrPaymentNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "payment_not_found",
			"message": "No payment with that ID",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListSessionPayments handles GET /sessions/:id/payments.
func (h *Handler) ListSessionPayments(c *gin.Context) {
	limit := listLimit(c)
	list, err := h.store.ListBySession(c.Request.Context(), c.Param("id"),
		limit+1, WithCursor(c.Query("cursor")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}
	writePage(c, list, limit)
}

// ListWalletPayments handles GET /wallets/:address/payments.
func (h *Handler) ListWalletPayments(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Invalid wallet address",
		})
		return
	}

	limit := listLimit(c)
	list, err := h.store.ListByOwner(c.Request.Context(), address,
		limit+1, WithCursor(c.Query("cursor")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}
	writePage(c, list, limit)
}

func listLimit(c *gin.Context) int {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}
	return limit
}

func writePage(c *gin.Context, list []*Payment, limit int) {
	page, next, hasMore := pagination.ComputePage(list, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	resp := gin.H{"payments": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
