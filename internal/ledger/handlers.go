package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler serves the transaction history and manual adjustments.
type Handler struct {
	journal *Journal
}

// NewHandler creates a ledger handler.
func NewHandler(journal *Journal) *Handler {
	return &Handler{journal: journal}
}

// RegisterProtectedRoutes sets up routes that require an authenticated profile.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/:profile_id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/adjustments", h.CreateAdjustment)
}

// ListTransactions handles GET /wallet/:profile_id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	profileID := c.Param("profile_id")
	if caller := auth.ProfileID(c); caller != "" && caller != profileID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot read another profile's transactions"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	txs, err := h.journal.History(c.Request.Context(), profileID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// AdjustmentRequest is the body of POST /admin/ledger/adjustments.
type AdjustmentRequest struct {
	ProfileID string `json:"payeeProfileId"`
	Amount    string `json:"amount"`
	Note      string `json:"note"`
}

// CreateAdjustment handles POST /admin/ledger/adjustments
func (h *Handler) CreateAdjustment(c *gin.Context) {
	var req AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("payeeProfileId", req.ProfileID),
		validation.Required("note", req.Note),
		validation.MaxLength("note", req.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Exponent() < -2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a signed decimal with at most 2 places"})
		return
	}

	t, err := h.journal.Adjust(c.Request.Context(), req.ProfileID, amount, validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}
