package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/money"
)

// Handler serves wallet balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a wallet handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes that act on the caller's own
// wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/:profile_id", auth.RequireSelf("profile_id"), h.GetWallet)
	r.POST("/wallet/:profile_id/recompute", auth.RequireSelf("profile_id"), h.RecomputeWallet)
}

// RegisterAdminRoutes lets operators recompute any wallet.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/:profile_id/recompute", h.RecomputeWallet)
}

// GetWallet handles GET /wallet/:profile_id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.Get(c.Request.Context(), c.Param("profile_id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("wallet request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// RecomputeWallet handles POST /wallet/:profile_id/recompute
func (h *Handler) RecomputeWallet(c *gin.Context) {
	w, err := h.ledger.Recompute(c.Request.Context(), c.Param("profile_id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("wallet request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":   money.Format(w.PendingBalance),
		"available": money.Format(w.AvailableBalance),
		"earned":    money.Format(w.TotalEarned),
		"withdrawn": money.Format(w.TotalWithdrawn),
	})
}
