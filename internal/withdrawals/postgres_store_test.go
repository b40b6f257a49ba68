//go:build integration

package withdrawals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/testutil"
	"github.com/mbd888/gigescrow/internal/wallet"
)

func TestPostgresStore_ReserveSettle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	agreements := escrow.NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, agreements.Create(ctx, &escrow.Agreement{
		ID: "agr_1", Kind: escrow.KindProposal, PayerID: "payer_1", PayeeProfileID: payee,
		GrossAmount: d("1000.00"), NetAmount: d("900.00"), PaymentStatus: escrow.PaymentReleased,
		WorkStatus: escrow.WorkCompleted, CreatedAt: now, UpdatedAt: now,
	}))

	store := NewPostgresStore(db)
	balances := wallet.NewLedger(wallet.NewPostgresStore(db), agreements, nil).WithWithdrawals(store)
	_, err := balances.Recompute(ctx, payee)
	require.NoError(t, err)

	newWD := func(id, amount string) *Withdrawal {
		return &Withdrawal{
			ID: id, PayeeProfileID: payee, Amount: d(amount),
			Destination: profiles.Destination{Key: "payee@example.com", KeyType: profiles.KeyEmail},
			Status:      StatusPending, CreatedAt: now, UpdatedAt: now,
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range 5 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Reserve(ctx, newWD("wd_"+string(rune('a'+i)), "600.00"))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, ok)

	open, err := store.SumOpen(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, "600.00", open.StringFixed(2))

	list, err := store.ListByPayee(ctx, payee, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	_, err = store.Mutate(ctx, id, func(w *Withdrawal) error {
		w.Status = StatusProcessing
		return nil
	})
	require.NoError(t, err)

	for range 2 {
		entry := ledger.NewTransaction(payee, ledger.TypeWithdrawal, d("-600.00"), id)
		got, err := store.Settle(ctx, id, "po_1", entry)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	}

	done, err := store.SumCompleted(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, "600.00", done.StringFixed(2))

	w, err := wallet.NewPostgresStore(db).Get(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, "300.00", w.AvailableBalance.StringFixed(2))

	recomputed, err := balances.Recompute(ctx, payee)
	require.NoError(t, err)
	assert.True(t, recomputed.SameBalances(w))
}
