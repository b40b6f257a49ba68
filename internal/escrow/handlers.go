package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler provides HTTP endpoints for agreement payments.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new escrow handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterProtectedRoutes sets up routes that require a calling profile.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agreements", h.CreateAgreement)
	r.GET("/profiles/:id/agreements", validation.IDParamMiddleware("id"), h.ListAgreements)

	a := r.Group("/agreements/:id", validation.IDParamMiddleware("id"))
	a.GET("", h.GetAgreement)
	a.POST("/authorize", h.Authorize)
	a.POST("/deliver", h.MarkDelivered)
	a.POST("/release", h.Release)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agreements/:id/refund", validation.IDParamMiddleware("id"), h.Refund)
	r.POST("/sweeps/auto-release", h.RunSweep)
}

// CreateAgreement handles POST /agreements
func (h *Handler) CreateAgreement(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	validators := []func() *validation.ValidationError{
		validation.OneOf("kind", string(req.Kind), string(KindProposal), string(KindNegotiation)),
		validation.ValidID("payerId", req.PayerID),
		validation.ValidID("payeeProfileId", req.PayeeProfileID),
		validation.ValidAmount("grossAmount", req.GrossAmount),
	}
	if req.ID != "" {
		validators = append(validators, validation.ValidID("id", req.ID))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	if auth.ProfileID(c) != req.PayerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Authenticated profile must be the payer"})
		return
	}

	a, err := h.coordinator.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agreement": a})
}

// GetAgreement handles GET /agreements/:id
func (h *Handler) GetAgreement(c *gin.Context) {
	a, ok := h.loadParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ListAgreements handles GET /profiles/:id/agreements
func (h *Handler) ListAgreements(c *gin.Context) {
	profileID := c.Param("id")
	if auth.ProfileID(c) != profileID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot list another profile's agreements"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	agreements, err := h.coordinator.ListByProfile(c.Request.Context(), profileID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": agreements, "count": len(agreements)})
}

// Authorize handles POST /agreements/:id/authorize
func (h *Handler) Authorize(c *gin.Context) {
	a, ok := h.loadParty(c)
	if !ok {
		return
	}
	if auth.ProfileID(c) != a.PayerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the payer can authorize payment"})
		return
	}

	res, err := h.coordinator.Authorize(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// MarkDelivered handles POST /agreements/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	a, ok := h.loadParty(c)
	if !ok {
		return
	}
	if auth.ProfileID(c) != a.PayeeProfileID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the payee can mark work delivered"})
		return
	}

	a, err := h.coordinator.MarkWorkDelivered(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// Release handles POST /agreements/:id/release (payer confirmation)
func (h *Handler) Release(c *gin.Context) {
	a, ok := h.loadParty(c)
	if !ok {
		return
	}
	if auth.ProfileID(c) != a.PayerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the payer can confirm delivery"})
		return
	}

	a, err := h.coordinator.Release(c.Request.Context(), a.ID, TriggerPayerConfirmed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": a.PaymentStatus, "agreement": a})
}

// RefundRequest is the body of POST /admin/agreements/:id/refund.
type RefundRequest struct {
	Outcome PaymentStatus `json:"outcome"`
	Reason  string        `json:"reason"`
}

// Refund handles POST /admin/agreements/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Outcome == "" {
		req.Outcome = PaymentRefunded
	}
	if errs := validation.Validate(
		validation.OneOf("outcome", string(req.Outcome), string(PaymentRefunded), string(PaymentFailed)),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	a, err := h.coordinator.Cancel(c.Request.Context(), c.Param("id"), req.Outcome,
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": a.PaymentStatus, "agreement": a})
}

// RunSweep handles POST /admin/sweeps/auto-release
func (h *Handler) RunSweep(c *gin.Context) {
	res, err := h.coordinator.RunAutoReleaseSweep(c.Request.Context())
	if res == nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// loadParty fetches :id and checks the caller is its payer or payee.
func (h *Handler) loadParty(c *gin.Context) (*Agreement, bool) {
	a, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	caller := auth.ProfileID(c)
	if caller != a.PayerID && caller != a.PayeeProfileID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Agreement not found"})
		return nil, false
	}
	return a, true
}

// writeError maps coordinator errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAgreementNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Agreement not found"})
	case errors.Is(err, ErrAgreementExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrPayeeNotPayable):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payee_not_payable", "message": err.Error()})
	case errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, fees.ErrInvalidCommission),
		errors.Is(err, fees.ErrFeesExceedAmount), errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrInvalidParty), errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidTrigger):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, gateway.ErrRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_rejected", "message": gateway.Reason(err)})
	case errors.Is(err, gateway.ErrUnknownOutcome):
		c.JSON(http.StatusAccepted, gin.H{"error": "outcome_unknown", "message": "Payment outcome unknown; it will be reconciled"})
	case errors.Is(err, gateway.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": "Payment gateway temporarily unavailable, retry later"})
	default:
		logging.L(c.Request.Context()).Error("agreement request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
