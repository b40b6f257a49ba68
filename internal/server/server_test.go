package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/wallet"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

const adminSecret = "admin-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		GatewayCurrency:          "brl",
		DefaultCommissionPercent: decimal.NewFromInt(10),
		ConfirmationWindow:       escrow.DefaultConfirmationWindow,
		AdminSecret:              adminSecret,
		AllowedOrigins:           []string{"*"},
	}
}

type testServer struct {
	*Server
	gw *gateway.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := gateway.NewMemory("whsec_test")
	s, err := New(testConfig(),
		WithLogger(logging.New("error", "text")),
		WithGateway(gw, gw),
	)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return &testServer{Server: s, gw: gw}
}

func (ts *testServer) do(t *testing.T, method, path, profile string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if profile != "" {
		req.Header.Set(auth.HeaderProfileID, profile)
	}
	if profile == "" && len(path) > 9 && path[:9] == "/v1/admin" {
		req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type agreementBody struct {
	Agreement escrow.Agreement `json:"agreement"`
}

type walletBody struct {
	Wallet wallet.Wallet `json:"wallet"`
}

type withdrawalBody struct {
	Withdrawal withdrawals.Withdrawal `json:"withdrawal"`
}

func (ts *testServer) setupPayee(t *testing.T) {
	t.Helper()
	w := ts.do(t, http.MethodPut, "/v1/admin/profiles/payee_1", "", gin.H{
		"gatewayAccount":    "acct_payee",
		"payoutDestination": gin.H{"key": "payee@example.com", "keyType": "email"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (ts *testServer) heldAgreement(t *testing.T, gross string) escrow.Agreement {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/agreements", "payer_1", gin.H{
		"kind":           "proposal",
		"payerId":        "payer_1",
		"payeeProfileId": "payee_1",
		"grossAmount":    gross,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[agreementBody](t, w).Agreement.ID

	w = ts.do(t, http.MethodPost, "/v1/agreements/"+id+"/authorize", "payer_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a := decode[agreementBody](t, w).Agreement
	require.Equal(t, escrow.PaymentPaidEscrow, a.PaymentStatus)
	return a
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "gateway", resp.Checks[0].Name)
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/health/ready", "", nil).Code)

	ts.ready.Store(true)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gigescrow_")
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.NotEmpty(t, w.Header().Get(logging.HeaderRequestID))
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireProfile(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/admin/sweeps/auto-release", "someone", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWalletIsPrivate(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "payee_2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ---------------------------------------------------------------------------
// Money flows
// ---------------------------------------------------------------------------

func TestFlow_ReleaseThenWithdraw(t *testing.T) {
	ts := newTestServer(t)
	ts.setupPayee(t)
	a := ts.heldAgreement(t, "100.00")
	assert.True(t, a.NetAmount.Equal(decimal.RequireFromString("90.00")))

	w := ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "payee_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wal := decode[walletBody](t, w).Wallet
	assert.True(t, wal.PendingBalance.Equal(decimal.NewFromInt(90)), wal.PendingBalance.String())
	assert.True(t, wal.AvailableBalance.IsZero())

	w = ts.do(t, http.MethodPost, "/v1/agreements/"+a.ID+"/deliver", "payee_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/v1/agreements/"+a.ID+"/release", "payer_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, escrow.PaymentReleased, decode[agreementBody](t, w).Agreement.PaymentStatus)

	wal = decode[walletBody](t, ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "payee_1", nil)).Wallet
	assert.True(t, wal.AvailableBalance.Equal(decimal.NewFromInt(90)), wal.AvailableBalance.String())
	assert.True(t, wal.PendingBalance.IsZero())

	w = ts.do(t, http.MethodPost, "/v1/withdrawals", "payee_1", gin.H{"amount": "100.00"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/v1/withdrawals", "payee_1", gin.H{"amount": "90.00"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wd := decode[withdrawalBody](t, w).Withdrawal
	assert.Equal(t, withdrawals.StatusPending, wd.Status)

	w = ts.do(t, http.MethodPost, "/v1/admin/withdrawals/"+wd.ID+"/process", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, withdrawals.StatusCompleted, decode[withdrawalBody](t, w).Withdrawal.Status)
	assert.True(t, ts.gw.PaidOut("acct_payee").Equal(decimal.NewFromInt(90)))

	wal = decode[walletBody](t, ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "payee_1", nil)).Wallet
	assert.True(t, wal.AvailableBalance.IsZero(), wal.AvailableBalance.String())
	assert.True(t, wal.TotalWithdrawn.Equal(decimal.NewFromInt(90)))
	assert.True(t, wal.TotalEarned.Equal(decimal.NewFromInt(90)))
}

func TestFlow_WebhookCaptureReleases(t *testing.T) {
	ts := newTestServer(t)
	ts.setupPayee(t)
	a := ts.heldAgreement(t, "50.00")

	payload, err := json.Marshal(gateway.Event{ID: "evt_1", Kind: gateway.EventCaptured, PaymentRef: a.ExternalPaymentRef})
	require.NoError(t, err)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(payload))
		req.Header.Set(gateway.SignatureHeader, sig)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	w := send("00")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":false`)

	w = send(ts.gw.Sign(payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":true`)

	w = ts.do(t, http.MethodGet, "/v1/agreements/"+a.ID, "payer_1", nil)
	assert.Equal(t, escrow.PaymentReleased, decode[agreementBody](t, w).Agreement.PaymentStatus)

	wal := decode[walletBody](t, ts.do(t, http.MethodGet, "/v1/wallet/payee_1", "payee_1", nil)).Wallet
	assert.True(t, wal.AvailableBalance.Equal(decimal.NewFromInt(45)), wal.AvailableBalance.String())

	// redelivery is acknowledged without effect
	w = send(ts.gw.Sign(payload))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminWalletReconcile(t *testing.T) {
	ts := newTestServer(t)
	ts.setupPayee(t)
	ts.heldAgreement(t, "20.00")

	w := ts.do(t, http.MethodPost, "/v1/admin/reconcile/wallets", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"checked":1`)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/gigescrow")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/gigescrow")
}

func TestNew_InMemoryGatewaySecret(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	_, err := New(cfg, WithLogger(logging.New("error", "text")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")

	s, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
}

func TestMalformedPathID(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/agreements/bad%24id", "payer_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
