package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/idempotency"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	gw      *gateway.Memory
	coord   *escrow.Coordinator
	store   *escrow.MemoryStore
	wallets *wallet.Ledger
	router  *Router
	engine  *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	dir := profiles.NewDirectory(profiles.NewMemoryStore(), fees.DefaultCommissionPercent)
	require.NoError(t, dir.Upsert(ctx, &profiles.Profile{ID: "payee_1", GatewayAccount: "acct_payee"}))

	h := &harness{
		gw:    gateway.NewMemory("whsec_test"),
		store: escrow.NewMemoryStore(),
	}
	h.wallets = wallet.NewLedger(wallet.NewMemoryStore(), h.store, nil)
	h.coord = escrow.NewCoordinator(h.store, h.gw, fees.NewCalculator(fees.GatewayModel{}), dir, nil).
		WithJournal(ledger.NewJournal(ledger.NewMemoryStore(), nil)).
		WithBalances(h.wallets)
	h.router = NewRouter(h.coord, h.store, idempotency.NewMemoryGuard(), nil)

	h.engine = gin.New()
	NewHandler(h.router, h.gw).RegisterRoutes(h.engine.Group("/v1"))
	return h
}

// hold creates an agreement for 1000.00 and authorizes it.
func (h *harness) hold(t *testing.T, id string) *escrow.Agreement {
	t.Helper()
	ctx := context.Background()
	_, err := h.coord.Create(ctx, escrow.CreateRequest{
		ID: id, Kind: escrow.KindProposal, PayerID: "payer_1", PayeeProfileID: "payee_1", GrossAmount: "1000.00",
	})
	require.NoError(t, err)
	res, err := h.coord.Authorize(ctx, id)
	require.NoError(t, err)
	return res.Agreement
}

func (h *harness) post(t *testing.T, ev gateway.Event, signed bool) map[string]any {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(payload))
	if signed {
		req.Header.Set(gateway.SignatureHeader, h.gw.Sign(payload))
	} else {
		req.Header.Set(gateway.SignatureHeader, "00ff")
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func (h *harness) status(t *testing.T, id string) escrow.PaymentStatus {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a.PaymentStatus
}

func TestCapturedReleases(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")

	body := h.post(t, gateway.Event{ID: "evt_1", Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	assert.Equal(t, escrow.PaymentReleased, h.status(t, "agr_1"))

	w, err := h.wallets.Get(context.Background(), "payee_1")
	require.NoError(t, err)
	assert.Equal(t, "900.00", w.AvailableBalance.StringFixed(2))

	// redelivery of the same event
	body = h.post(t, gateway.Event{ID: "evt_1", Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, string(OutcomeDuplicate), body["outcome"])
	assert.Equal(t, 1, h.gw.Calls(gateway.OpCapture))
}

func TestCaptureAmountMustMatch(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")
	before := h.status(t, "agr_1")

	body := h.post(t, gateway.Event{
		ID: "evt_1", Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef,
		Amount: decimal.RequireFromString("999.00"),
	}, true)
	assert.Equal(t, string(OutcomeAmountMismatch), body["outcome"])
	assert.Equal(t, before, h.status(t, "agr_1"))
	assert.Equal(t, 0, h.gw.Calls(gateway.OpCapture))

	// matching amount applies
	a2 := h.hold(t, "agr_2")
	body = h.post(t, gateway.Event{
		ID: "evt_2", Kind: gateway.EventCaptured, PaymentRef: a2.ExternalPaymentRef,
		Amount: decimal.RequireFromString("1000.00"),
	}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	assert.Equal(t, escrow.PaymentReleased, h.status(t, "agr_2"))
}

func TestRefundedAfterReleasedIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.hold(t, "agr_1")
	_, err := h.coord.Release(ctx, "agr_1", escrow.TriggerPayerConfirmed)
	require.NoError(t, err)

	before, err := h.wallets.Get(ctx, "payee_1")
	require.NoError(t, err)

	for _, kind := range []gateway.EventKind{gateway.EventRefunded, gateway.EventFailed, gateway.EventCanceled} {
		body := h.post(t, gateway.Event{Kind: kind, PaymentRef: a.ExternalPaymentRef}, true)
		assert.Equal(t, string(OutcomeNoop), body["outcome"], "kind %s", kind)
	}
	assert.Equal(t, escrow.PaymentReleased, h.status(t, "agr_1"))
	assert.Equal(t, 0, h.gw.Calls(gateway.OpRefund))

	after, err := h.wallets.Recompute(ctx, "payee_1")
	require.NoError(t, err)
	assert.True(t, after.SameBalances(before))
}

func TestRefundedAndFailed(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")
	b := h.hold(t, "agr_2")

	body := h.post(t, gateway.Event{Kind: gateway.EventRefunded, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	assert.Equal(t, escrow.PaymentRefunded, h.status(t, "agr_1"))

	body = h.post(t, gateway.Event{Kind: gateway.EventFailed, PaymentRef: b.ExternalPaymentRef, Reason: "card declined"}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	got, err := h.store.Get(context.Background(), "agr_2")
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, "card declined", got.FailureReason)

	// a capture after the refund cannot revive it
	body = h.post(t, gateway.Event{Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, string(OutcomeNoop), body["outcome"])
	assert.Equal(t, escrow.PaymentRefunded, h.status(t, "agr_1"))
}

func TestHoldCapturableConfirmsPendingAgreement(t *testing.T) {
	h := newHarness(t)
	h.gw.SetAsyncAuthorization(true)
	a := h.hold(t, "agr_1")
	require.Equal(t, escrow.PaymentPending, a.PaymentStatus)

	h.gw.ConfirmHold(a.ExternalPaymentRef)
	body := h.post(t, gateway.Event{Kind: gateway.EventHoldCapturable, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	assert.Equal(t, escrow.PaymentPaidEscrow, h.status(t, "agr_1"))

	w, err := h.wallets.Get(context.Background(), "payee_1")
	require.NoError(t, err)
	assert.Equal(t, "900.00", w.PendingBalance.StringFixed(2))
}

func TestFailedPendingHold(t *testing.T) {
	h := newHarness(t)
	h.gw.SetAsyncAuthorization(true)
	a := h.hold(t, "agr_1")
	require.Equal(t, escrow.PaymentPending, a.PaymentStatus)

	body := h.post(t, gateway.Event{Kind: gateway.EventFailed, PaymentRef: a.ExternalPaymentRef, Reason: "authentication failed"}, true)
	assert.Equal(t, string(OutcomeApplied), body["outcome"])
	got, err := h.store.Get(context.Background(), "agr_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, "authentication failed", got.FailureReason)
	assert.Zero(t, h.gw.Calls(gateway.OpRefund))
}

func TestInvalidSignatureAcknowledged(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")

	body := h.post(t, gateway.Event{Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}, false)
	assert.Equal(t, false, body["received"])
	assert.Equal(t, escrow.PaymentPaidEscrow, h.status(t, "agr_1"))
}

func TestUnknownReferenceCanBeRetried(t *testing.T) {
	h := newHarness(t)

	body := h.post(t, gateway.Event{Kind: gateway.EventCaptured, PaymentRef: "pi_unknown"}, true)
	assert.Equal(t, string(OutcomeUnknownRef), body["outcome"])

	// not remembered as handled
	body = h.post(t, gateway.Event{Kind: gateway.EventCaptured, PaymentRef: "pi_unknown"}, true)
	assert.Equal(t, string(OutcomeUnknownRef), body["outcome"])
}

func TestUnhandledKindIgnored(t *testing.T) {
	h := newHarness(t)
	body := h.post(t, gateway.Event{Kind: "dispute_opened", PaymentRef: "pi_1"}, true)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, string(OutcomeIgnored), body["outcome"])
}

func TestFailedDispatchIsForgotten(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")
	h.gw.FailNext(gateway.OpCapture, &gateway.Error{Op: gateway.OpCapture, Kind: gateway.ErrTransient, Message: "503"})

	ev := &gateway.Event{Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}
	outcome, err := h.router.Dispatch(context.Background(), ev)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Equal(t, escrow.PaymentPaidEscrow, h.status(t, "agr_1"))

	outcome, err = h.router.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, escrow.PaymentReleased, h.status(t, "agr_1"))
}

func TestFailedDispatchHidesErrorText(t *testing.T) {
	h := newHarness(t)
	a := h.hold(t, "agr_1")
	h.gw.FailNext(gateway.OpCapture, &gateway.Error{Op: gateway.OpCapture, Kind: gateway.ErrTransient, Message: "upstream 503 from 10.0.0.7"})

	body := h.post(t, gateway.Event{ID: "evt_1", Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef}, true)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, string(OutcomeFailed), body["outcome"])
	assert.NotContains(t, body, "message")
	assert.Equal(t, escrow.PaymentPaidEscrow, h.status(t, "agr_1"))
}
