package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
)

const maxPayload = 1 << 16

// Handler serves the gateway webhook endpoint.
type Handler struct {
	router *Router
	parser gateway.EventParser
}

// NewHandler creates a webhook handler verifying deliveries with parser.
func NewHandler(router *Router, parser gateway.EventParser) *Handler {
	return &Handler{router: router, parser: parser}
}

// RegisterRoutes sets up the public webhook route. It carries no profile
// auth; the signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /webhooks/gateway. It always answers 200 so the
// gateway does not retry deliveries that can never succeed; the body says
// what happened.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayload))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"received": false, "message": "unreadable body"})
		return
	}

	ev, err := h.parser.ParseEvent(payload, c.Request.Header)
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		h.router.logger.Warn("webhook signature verification failed", "remote", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"received": false, "message": "invalid signature"})
		return
	case errors.Is(err, gateway.ErrUnhandledEvent):
		kind := "unknown"
		if ev != nil && ev.Type != "" {
			kind = ev.Type
		}
		metrics.WebhookEventsTotal.WithLabelValues(kind, string(OutcomeIgnored)).Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": OutcomeIgnored})
		return
	case err != nil:
		h.router.logger.Warn("webhook payload rejected", "error", err)
		c.JSON(http.StatusOK, gin.H{"received": false, "message": "malformed event"})
		return
	}

	outcome, err := h.router.Dispatch(c.Request.Context(), ev)
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook dispatch failed",
			"kind", ev.Kind, "ref", ev.PaymentRef, "outcome", outcome, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
