package profiles

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler exposes admin endpoints for the payee attributes this service
// depends on.
type Handler struct {
	dir *Directory
}

// NewHandler creates a profile handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/profiles/:id", validation.IDParamMiddleware("id"), h.GetProfile)
	r.PUT("/profiles/:id", validation.IDParamMiddleware("id"), h.PutProfile)
}

// UpsertRequest is the body of PUT /admin/profiles/:id.
type UpsertRequest struct {
	CommissionPercent string       `json:"commissionPercent"`
	GatewayAccount    string       `json:"gatewayAccount"`
	Destination       *Destination `json:"payoutDestination"`
}

// GetProfile handles GET /admin/profiles/:id
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.dir.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Profile not found"})
			return
		}
		logging.L(c.Request.Context()).Error("profile request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// PutProfile handles PUT /admin/profiles/:id
func (h *Handler) PutProfile(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidPercent("commissionPercent", req.CommissionPercent),
		validation.MaxLength("gatewayAccount", req.GatewayAccount, 255),
	}
	if req.Destination != nil {
		validators = append(validators,
			validation.Required("payoutDestination.key", req.Destination.Key),
			validation.MaxLength("payoutDestination.key", req.Destination.Key, 255),
			validation.OneOf("payoutDestination.keyType", string(req.Destination.KeyType), KeyTypes...),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	p := &Profile{
		ID:             c.Param("id"),
		GatewayAccount: req.GatewayAccount,
		Destination:    req.Destination,
	}
	if req.CommissionPercent != "" {
		pct := decimal.RequireFromString(req.CommissionPercent)
		p.CommissionPercent = &pct
	}

	if err := h.dir.Upsert(c.Request.Context(), p); err != nil {
		if errors.Is(err, fees.ErrInvalidCommission) || errors.Is(err, ErrInvalidKeyType) || errors.Is(err, ErrInvalidDestination) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("profile request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
