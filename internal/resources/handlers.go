package resources

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewlock/viewlock/internal/idgen"
	"github.com/viewlock/viewlock/internal/pagination"
	"github.com/viewlock/viewlock/internal/security"
	"github.com/viewlock/viewlock/internal/usdc"
	"github.com/viewlock/viewlock/internal/validation"
)

// Handler serves the resource catalog.
type Handler struct {
	store Store
}

// NewHandler creates a catalog handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/resources", h.CreateResource)
	r.GET("/resources", h.ListResources)
	r.GET("/resources/:id", h.GetResource)
}

// CreateResource handles POST /resources.
func (h *Handler) CreateResource(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: title, payee, price",
		})
		return
	}

	payee := strings.ToLower(strings.TrimSpace(req.Payee))
	if !validation.IsValidEthAddress(payee) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payee",
			"message": "payee must be a valid wallet address",
		})
		return
	}
	price, ok := usdc.Parse(req.Price)
	if !ok || price.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price",
			"message": "price must be a positive USDC amount",
		})
		return
	}
	if req.GrantTTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_grant_ttl",
			"message": "grantTtlSeconds must be zero (permanent) or positive",
		})
		return
	}
	contentURL := strings.TrimSpace(req.ContentURL)
	if contentURL != "" {
		// Publisher-supplied URL, so it gets the SSRF screen before the
		// server will ever serve or fetch it.
		if err := security.ValidateEndpointURL(contentURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_content_url",
				"message": err.Error(),
			})
			return
		}
	}

	now := time.Now()
	r := &Resource{
		ID:              idgen.WithPrefix("res_"),
		Title:           strings.TrimSpace(req.Title),
		Payee:           payee,
		Price:           usdc.Format(price),
		ContentURL:      contentURL,
		GrantTTLSeconds: req.GrantTTLSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.Create(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"resource": r})
}

// ListResources handles GET /resources.
func (h *Handler) ListResources(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.store.List(c.Request.Context(), limit+1, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(list, limit, func(r *Resource) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	resp := gin.H{"resources": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetResource handles GET /resources/:id.
func (h *Handler) GetResource(c *gin.Context) {
	r, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err == ErrResourceNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "resource_not_found",
			"message": "No resource with that ID",
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
	c.JSON(http.StatusOK, gin.H{"resource": r})
}
