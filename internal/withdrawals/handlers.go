package withdrawals

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler serves withdrawal endpoints.
type Handler struct {
	processor *Processor
	grace     time.Duration
}

// NewHandler creates a withdrawal handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor, grace: DefaultGrace}
}

// WithGrace sets the age after which the reconcile endpoint retries a
// processing withdrawal.
func (h *Handler) WithGrace(d time.Duration) *Handler {
	if d > 0 {
		h.grace = d
	}
	return h
}

// RegisterProtectedRoutes sets up payee routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware("id"), h.GetWithdrawal)
	r.GET("/profiles/:id/withdrawals", validation.IDParamMiddleware("id"), auth.RequireSelf("id"), h.ListWithdrawals)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/process", validation.IDParamMiddleware("id"), h.ProcessWithdrawal)
	r.POST("/withdrawals/reconcile", h.RunReconcile)
}

// RequestWithdrawal handles POST /withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	caller := auth.ProfileID(c)
	if req.PayeeProfileID == "" {
		req.PayeeProfileID = caller
	}
	if req.PayeeProfileID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Withdrawals can only be requested by the payee"})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	}
	if req.Destination != nil {
		validators = append(validators,
			validation.Required("payoutDestination.key", req.Destination.Key),
			validation.OneOf("payoutDestination.keyType", string(req.Destination.KeyType), profiles.KeyTypes...),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	w, err := h.processor.RequestWithdrawal(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// GetWithdrawal handles GET /withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.processor.Get(c.Request.Context(), c.Param("id"))
	if err == nil && w.PayeeProfileID != auth.ProfileID(c) {
		err = ErrWithdrawalNotFound
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /profiles/:id/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.processor.ListByPayee(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list, "count": len(list)})
}

// ProcessWithdrawal handles POST /admin/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	w, err := h.processor.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// RunReconcile handles POST /admin/withdrawals/reconcile
func (h *Handler) RunReconcile(c *gin.Context) {
	res, err := h.processor.Reconcile(c.Request.Context(), h.grace)
	if res == nil {
		writeError(c, err)
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Withdrawal not found"})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrInvalid), errors.Is(err, money.ErrPrecision),
		errors.Is(err, profiles.ErrInvalidKeyType), errors.Is(err, profiles.ErrInvalidDestination),
		errors.Is(err, profiles.ErrNoDestination):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, profiles.ErrNoGatewayAccount):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payee_not_payable", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, gateway.ErrRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_rejected", "message": gateway.Reason(err)})
	case errors.Is(err, gateway.ErrUnknownOutcome):
		c.JSON(http.StatusAccepted, gin.H{"error": "outcome_unknown", "message": "Payout outcome unknown; it will be reconciled"})
	case errors.Is(err, gateway.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": "Payment gateway temporarily unavailable, retry later"})
	default:
		logging.L(c.Request.Context()).Error("withdrawal request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
