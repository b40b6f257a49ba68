package profiles

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

	"github.com/mbd888/gigescrow/internal/fees"
)

func newDirectory() *Directory {
	return NewDirectory(NewMemoryStore(), fees.DefaultCommissionPercent)
}

func TestCommissionPercent_ResolutionOrder(t *testing.T) {
	dir := newDirectory()
	ctx := context.Background()

	// unknown profile -> default
	pct, err := dir.CommissionPercent(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, pct.Equal(decimal.NewFromInt(10)))

	// profile without plan -> default
	require.NoError(t, dir.Upsert(ctx, &Profile{ID: "p1", GatewayAccount: "acct_1"}))
	pct, _ = dir.CommissionPercent(ctx, "p1")
	assert.True(t, pct.Equal(decimal.NewFromInt(10)))

	// explicit plan wins, including zero
	zero := decimal.Zero
	require.NoError(t, dir.Upsert(ctx, &Profile{ID: "p1", CommissionPercent: &zero}))
	pct, _ = dir.CommissionPercent(ctx, "p1")
	assert.True(t, pct.IsZero())
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	dir := newDirectory()
	ctx := context.Background()

	bad := decimal.NewFromInt(100)
	assert.ErrorIs(t, dir.Upsert(ctx, &Profile{ID: "p1", CommissionPercent: &bad}), fees.ErrInvalidCommission)
	assert.ErrorIs(t, dir.Upsert(ctx, &Profile{ID: "p1", Destination: &Destination{Key: "x", KeyType: "iban"}}), ErrInvalidKeyType)
	assert.ErrorIs(t, dir.Upsert(ctx, &Profile{ID: "p1", Destination: &Destination{KeyType: KeyEmail}}), ErrInvalidDestination)
}

func TestLookups(t *testing.T) {
	dir := newDirectory()
	ctx := context.Background()

	_, err := dir.GatewayAccount(ctx, "p1")
	assert.ErrorIs(t, err, ErrNoGatewayAccount)
	_, err = dir.PayoutDestination(ctx, "p1")
	assert.ErrorIs(t, err, ErrNoDestination)

	require.NoError(t, dir.Upsert(ctx, &Profile{
		ID:             "p1",
		GatewayAccount: "acct_1",
		Destination:    &Destination{Key: "p1@example.com", KeyType: KeyEmail},
	}))

	acct, err := dir.GatewayAccount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct)

	dest, err := dir.PayoutDestination(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, KeyEmail, dest.KeyType)
}

func TestHandler_PutAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(newDirectory()).RegisterAdminRoutes(r.Group("/admin"))

	body, _ := json.Marshal(map[string]any{
		"commissionPercent": "12.5",
		"gatewayAccount":    "acct_9",
		"payoutDestination": map[string]string{"key": "123.456.789-00", "keyType": "cpf"},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/admin/profiles/p9", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/profiles/p9", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Profile Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct_9", resp.Profile.GatewayAccount)
	require.NotNil(t, resp.Profile.CommissionPercent)
	assert.Equal(t, "12.5", resp.Profile.CommissionPercent.String())
}

func TestHandler_ValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(newDirectory()).RegisterAdminRoutes(r.Group("/admin"))

	body := []byte(`{"commissionPercent":"150"}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/admin/profiles/p9", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/profiles/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
