package settlement_test

import (
	"testing"

	"PerpSettle/internal/book"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/settlement"
	"PerpSettle/internal/state"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (w *world) newBank(t *testing.T, h settlement.AccountHandle, deposit int64) *state.Bank {
	t.Helper()
	bank := state.NewBank(w.group.Key, uuid.New(), "USDC", w.market.SettleTokenIndex, uuid.New())
	tp, err := h.Account.TokenPosition(w.market.SettleTokenIndex)
	require.NoError(t, err)
	require.NoError(t, bank.Deposit(tp, fpmath.FromInt64(deposit)))
	return bank
}

// ============================================================================
// Test: PruneOrders
// ============================================================================

func TestPruneOrders(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	ob := book.NewOrderbook()
	for i := 0; i < 3; i++ {
		_, err := ob.PlaceRestingOrder(a.Account, a.Key, w.market, event.SideBid, int64(10+i), 2, 0, 0)
		require.NoError(t, err)
	}
	_, err := ob.PlaceRestingOrder(a.Account, a.Key, w.market, event.SideAsk, 20, 1, 0, 0)
	require.NoError(t, err)

	_, err = settlement.PruneOrders(w.env, w.group, w.market, ob, a, 8)
	require.ErrorIs(t, err, settlement.ErrMarketNotForceClosed)
	assert.Equal(t, 4, ob.Len())

	w.market.SetForceClose()
	n, err := settlement.PruneOrders(w.env, w.group, w.market, ob, a, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, ob.Len())

	n, err = settlement.PruneOrders(w.env, w.group, w.market, ob, a, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, ob.Len())

	pp := mustPerp(t, a, w.market)
	assert.False(t, pp.HasOpenOrders())
	assert.Len(t, w.buf.Records(), 4)
	for _, r := range w.buf.Records() {
		assert.Equal(t, "order_cancel", r.Kind())
	}
}

// ============================================================================
// Test: PurgePosition
// ============================================================================

func TestPurgePosition_SettlesNegativeQuote(t *testing.T) {
	w := newWorld()
	w.market.SetForceClose()
	a := w.newAccount(t)
	bank := w.newBank(t, a, 100)
	mustPerp(t, a, w.market).QuotePositionNative = fpmath.MustFromString("-10.5")

	res, err := settlement.PurgePosition(w.env, w.group, w.market, bank, a, 1000)
	require.NoError(t, err)
	assert.Equal(t, "10.5", res.Settlement.String())
	assert.Equal(t, int64(10), res.Transferred)
	assert.True(t, res.Deactivated.QuotePositionNative.IsZero())
	assert.Equal(t, int64(10), res.Deactivated.PerpSpotTransfers)
	assert.Equal(t, int64(10), a.Account.PerpSpotTransfers)

	tp, err := a.Account.TokenPosition(w.market.SettleTokenIndex)
	require.NoError(t, err)
	assert.Equal(t, "90", tp.Native(bank).String())
	assert.Equal(t, uint16(0), tp.InUseCount)
	assert.Equal(t, "90", bank.NativeDeposits().String())

	_, err = a.Account.PerpPosition(w.market.PerpMarketIndex)
	assert.ErrorIs(t, err, state.ErrPerpPositionNotFound)

	assert.Equal(t,
		[]string{"perp_balance", "token_balance", "purge_settlement", "deactivate_perp_position"},
		recordKinds(w.buf))
}

func TestPurgePosition_WithdrawsIntoBorrow(t *testing.T) {
	w := newWorld()
	w.market.SetForceClose()
	a := w.newAccount(t)
	bank := w.newBank(t, a, 4)
	mustPerp(t, a, w.market).QuotePositionNative = fpmath.FromInt64(-7)

	res, err := settlement.PurgePosition(w.env, w.group, w.market, bank, a, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Transferred)

	tp, err := a.Account.TokenPosition(w.market.SettleTokenIndex)
	require.NoError(t, err)
	assert.Equal(t, "-3", tp.Native(bank).String())
	assert.Equal(t, "3", bank.NativeBorrows().String())
	assert.Equal(t, int64(3), bank.NetBorrowsInWindow)
}

func TestPurgePosition_ZeroQuoteOnlyDeactivates(t *testing.T) {
	w := newWorld()
	w.market.SetForceClose()
	a := w.newAccount(t)
	bank := w.newBank(t, a, 100)

	res, err := settlement.PurgePosition(w.env, w.group, w.market, bank, a, 1000)
	require.NoError(t, err)
	assert.True(t, res.Settlement.IsZero())
	assert.Equal(t, int64(0), res.Transferred)
	assert.Equal(t, "100", bank.NativeDeposits().String())
	assert.Equal(t, []string{"deactivate_perp_position"}, recordKinds(w.buf))
}

func TestPurgePosition_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(w *world, pp *state.PerpPosition, bank *state.Bank)
		wantErr error
	}{
		{
			name:    "market not force-closed",
			mutate:  func(w *world, _ *state.PerpPosition, _ *state.Bank) { w.market.ForceClose = false },
			wantErr: settlement.ErrMarketNotForceClosed,
		},
		{
			name:    "wrong bank",
			mutate:  func(_ *world, _ *state.PerpPosition, b *state.Bank) { b.TokenIndex = 7 },
			wantErr: settlement.ErrInvalidBank,
		},
		{
			name:    "base lots",
			mutate:  func(_ *world, pp *state.PerpPosition, _ *state.Bank) { pp.BasePositionLots = 1 },
			wantErr: settlement.ErrBaseLotsNotZero,
		},
		{
			name:    "bids reserved",
			mutate:  func(_ *world, pp *state.PerpPosition, _ *state.Bank) { pp.BidsBaseLots = 1 },
			wantErr: settlement.ErrOpenOrders,
		},
		{
			name:    "asks reserved",
			mutate:  func(_ *world, pp *state.PerpPosition, _ *state.Bank) { pp.AsksBaseLots = 1 },
			wantErr: settlement.ErrOpenOrders,
		},
		{
			name:    "taker base pending",
			mutate:  func(_ *world, pp *state.PerpPosition, _ *state.Bank) { pp.TakerBaseLots = -2 },
			wantErr: settlement.ErrPendingTakerEvents,
		},
		{
			name:    "taker quote pending",
			mutate:  func(_ *world, pp *state.PerpPosition, _ *state.Bank) { pp.TakerQuoteLots = 3 },
			wantErr: settlement.ErrPendingTakerEvents,
		},
		{
			name: "positive leftover",
			mutate: func(_ *world, pp *state.PerpPosition, _ *state.Bank) {
				pp.QuotePositionNative = fpmath.MustFromString("0.25")
			},
			wantErr: settlement.ErrPositiveSettlement,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			w.market.SetForceClose()
			a := w.newAccount(t)
			bank := w.newBank(t, a, 100)
			tt.mutate(w, mustPerp(t, a, w.market), bank)

			accountBefore := a.Account.Clone()
			bankBefore := bank.Clone()

			_, err := settlement.PurgePosition(w.env, w.group, w.market, bank, a, 1000)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, settlement.ClassPrecondition, settlement.Classify(err))
			assert.Empty(t, cmp.Diff(accountBefore, a.Account, fixedComparer))
			assert.Empty(t, cmp.Diff(bankBefore, bank, fixedComparer))
			assert.Empty(t, w.buf.Records())
		})
	}
}

// ============================================================================
// Test: PurgeConditionalSwaps
// ============================================================================

func TestPurgeConditionalSwaps_RemovesExpired(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	_, err := a.Account.AddConditionalSwap(state.TokenConditionalSwap{
		ID: 1, ExpiryTimestamp: 100, BuyTokenIndex: 0, SellTokenIndex: 1,
	})
	require.NoError(t, err)
	_, err = a.Account.AddConditionalSwap(state.TokenConditionalSwap{
		ID: 2, ExpiryTimestamp: 1000, BuyTokenIndex: 0, SellTokenIndex: 1,
	})
	require.NoError(t, err)

	n, err := settlement.PurgeConditionalSwaps(w.env, w.group, a, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, a.Account.TokenConditionalSwaps[0].IsConfigured)
	assert.True(t, a.Account.TokenConditionalSwaps[1].IsConfigured)

	sell, err := a.Account.TokenPosition(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sell.InUseCount)
	assert.Equal(t, []string{"tcs_cancel"}, recordKinds(w.buf))
}

// ============================================================================
// Test: oracle and funding helpers
// ============================================================================

func TestSetStubOracleAndUpdateFunding(t *testing.T) {
	w := newWorld()
	w.market.BaseLotSize = 10
	oracle := &state.StubOracle{Group: w.group.Key, Key: uuid.New()}

	settlement.SetStubOracle(w.env, w.group, oracle, fpmath.FromInt64(20), 1700000000)
	assert.Equal(t, "20", oracle.Price.String())
	assert.Equal(t, int64(1700000000), oracle.LastUpdated)

	rate := fpmath.MustFromString("0.5")
	delta, err := settlement.UpdateFunding(w.env, w.group, w.market, oracle, rate, 1000)
	require.NoError(t, err)
	assert.True(t, delta.IsZero(), "first update only starts the clock")

	delta, err = settlement.UpdateFunding(w.env, w.group, w.market, oracle, rate, 1000+43200)
	require.NoError(t, err)
	assert.Equal(t, "50", delta.String())
	assert.Equal(t, "50", w.market.LongFunding.String())
	assert.Equal(t, []string{"stub_oracle_set", "funding_update", "funding_update"}, recordKinds(w.buf))
}
