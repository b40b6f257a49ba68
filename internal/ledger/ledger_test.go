package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	j := NewJournal(store, nil)

	net := decimal.RequireFromString("880.00")
	require.NoError(t, j.RecordRelease(ctx, "payee_1", "agr_1", net))
	require.NoError(t, j.RecordRelease(ctx, "payee_1", "agr_1", net))

	txs, err := j.History(ctx, "payee_1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TypeRelease, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(net))
}

func TestJournal_SameReferenceDifferentType(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore(), nil)

	net := decimal.RequireFromString("880.00")
	require.NoError(t, j.RecordHold(ctx, "payee_1", "agr_1", net))
	require.NoError(t, j.RecordRelease(ctx, "payee_1", "agr_1", net))

	txs, err := j.History(ctx, "payee_1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestJournal_Adjust(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore(), nil)

	_, err := j.Adjust(ctx, "payee_1", decimal.Zero, "noop")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	a1, err := j.Adjust(ctx, "payee_1", decimal.RequireFromString("-5.00"), "chargeback fee")
	require.NoError(t, err)
	a2, err := j.Adjust(ctx, "payee_1", decimal.RequireFromString("-5.00"), "chargeback fee")
	require.NoError(t, err)
	assert.NotEqual(t, a1.ReferenceID, a2.ReferenceID)
}

func TestMemoryStore_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx := NewTransaction("payee_1", TypeEscrowHold, decimal.RequireFromString("1.00"), "agr_1")
	require.NoError(t, store.Append(ctx, tx))
	err := store.Append(ctx, NewTransaction("payee_1", TypeEscrowHold, decimal.RequireFromString("1.00"), "agr_1"))
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, err = store.GetByReference(ctx, TypeRelease, "agr_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, ref := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, NewTransaction("payee_1", TypeRelease, decimal.NewFromInt(1), ref)))
	}
	require.NoError(t, store.Append(ctx, NewTransaction("payee_2", TypeRelease, decimal.NewFromInt(1), "d")))

	txs, err := store.ListByProfile(ctx, "payee_1", 2)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestHandler_Adjustment(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := NewJournal(NewMemoryStore(), nil)
	r := gin.New()
	NewHandler(j).RegisterAdminRoutes(r.Group("/admin"))
	NewHandler(j).RegisterProtectedRoutes(r.Group(""))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"payeeProfileId":"payee_1","amount":"-12.50","note":"manual fix"}`, http.StatusCreated},
		{"too many places", `{"payeeProfileId":"payee_1","amount":"1.005","note":"x"}`, http.StatusBadRequest},
		{"zero", `{"payeeProfileId":"payee_1","amount":"0","note":"x"}`, http.StatusBadRequest},
		{"missing note", `{"payeeProfileId":"payee_1","amount":"1.00"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin/ledger/adjustments", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallet/payee_1/transactions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
