package state_test

import (
	"testing"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarket() *state.PerpMarket {
	return &state.PerpMarket{
		Key:              uuid.New(),
		PerpMarketIndex:  3,
		SettleTokenIndex: 0,
		BaseLotSize:      10,
		QuoteLotSize:     1,
	}
}

func newTestAccount(t *testing.T, m *state.PerpMarket) *state.Account {
	t.Helper()
	a := state.NewAccount(uuid.New(), uuid.New(), "test", 4, 2, 4, 2)
	_, err := a.EnsurePerpPosition(m)
	require.NoError(t, err)
	return a
}

func mustPerp(t *testing.T, a *state.Account, m *state.PerpMarket) *state.PerpPosition {
	t.Helper()
	pp, err := a.PerpPosition(m.PerpMarketIndex)
	require.NoError(t, err)
	return pp
}

// ============================================================================
// Test: fill accounting
// ============================================================================

func TestExecuteFill_Conservation(t *testing.T) {
	m := newTestMarket()
	maker := newTestAccount(t, m)
	taker := newTestAccount(t, m)

	_, err := maker.AddPerpOrder(m, event.SideAsk, 10, 1, 77)
	require.NoError(t, err)
	mustPerp(t, taker, m).AddTakerTrade(event.SideBid, 5, 50)

	fill := &event.FillEvent{
		TakerSide: event.SideBid,
		Maker:     uuid.New(),
		Taker:     uuid.New(),
		Price:     10,
		Quantity:  5,
	}
	require.NoError(t, maker.ExecutePerpMaker(m, fill))
	require.NoError(t, taker.ExecutePerpTaker(m, fill))

	mp, tp := mustPerp(t, maker, m), mustPerp(t, taker, m)
	assert.Equal(t, int64(-5), mp.BasePositionLots)
	assert.Equal(t, int64(5), tp.BasePositionLots)
	assert.Equal(t, int64(0), mp.BasePositionLots+tp.BasePositionLots)
	assert.Equal(t, "50", mp.QuotePositionNative.String())
	assert.Equal(t, "-50", tp.QuotePositionNative.String())
	assert.True(t, mp.QuotePositionNative.Add(tp.QuotePositionNative).IsZero())

	assert.Equal(t, int64(5), mp.AsksBaseLots, "maker reservation shrinks by the filled quantity")
	assert.False(t, tp.HasOpenTakerFills(), "taker reservation released")
	assert.Equal(t, int64(10), m.OpenInterest)
	assert.Equal(t, uint64(50), mp.MakerVolume)
	assert.Equal(t, uint64(50), tp.TakerVolume)
}

func TestExecutePerpMaker_FeeAccruesToMarket(t *testing.T) {
	m := newTestMarket()
	maker := newTestAccount(t, m)
	_, err := maker.AddPerpOrder(m, event.SideAsk, 5, 1, 0)
	require.NoError(t, err)

	fill := &event.FillEvent{
		TakerSide: event.SideBid,
		MakerFee:  fpmath.MustFromString("0.5"),
		Price:     10,
		Quantity:  5,
	}
	require.NoError(t, maker.ExecutePerpMaker(m, fill))

	assert.Equal(t, "25", mustPerp(t, maker, m).QuotePositionNative.String())
	assert.Equal(t, "25", m.FeesAccrued.String())
}

func TestExecutePerpMaker_MakerOutFreesSlot(t *testing.T) {
	m := newTestMarket()
	maker := newTestAccount(t, m)
	slot, err := maker.AddPerpOrder(m, event.SideBid, 4, 9, 0)
	require.NoError(t, err)

	fill := &event.FillEvent{
		TakerSide: event.SideAsk,
		MakerOut:  true,
		MakerSlot: uint8(slot),
		Price:     3,
		Quantity:  4,
	}
	require.NoError(t, maker.ExecutePerpMaker(m, fill))

	pp := mustPerp(t, maker, m)
	assert.Equal(t, int64(4), pp.BasePositionLots)
	assert.Equal(t, int64(0), pp.BidsBaseLots)
	oo, err := maker.PerpOrder(slot)
	require.NoError(t, err)
	assert.True(t, oo.IsFree())
}

// ============================================================================
// Test: order slots
// ============================================================================

func TestRemovePerpOrder(t *testing.T) {
	m := newTestMarket()
	a := newTestAccount(t, m)
	slot, err := a.AddPerpOrder(m, event.SideAsk, 3, 1, 0)
	require.NoError(t, err)

	err = a.RemovePerpOrder(slot, 4)
	assert.True(t, errors.Is(err, state.ErrLotUnderflow))
	oo, _ := a.PerpOrder(slot)
	assert.False(t, oo.IsFree(), "slot kept on underflow")
	assert.Equal(t, int64(3), mustPerp(t, a, m).AsksBaseLots)

	require.NoError(t, a.RemovePerpOrder(slot, 3))
	assert.Equal(t, int64(0), mustPerp(t, a, m).AsksBaseLots)

	err = a.RemovePerpOrder(slot, 1)
	assert.True(t, errors.Is(err, state.ErrOrderSlotFree))

	err = a.RemovePerpOrder(99, 1)
	assert.True(t, errors.Is(err, state.ErrOrderSlotOutOfRange))
}

// ============================================================================
// Test: funding and deactivation
// ============================================================================

func TestSettleFunding(t *testing.T) {
	m := newTestMarket()
	a := newTestAccount(t, m)
	pp := mustPerp(t, a, m)
	pp.BasePositionLots = 5

	m.LongFunding = fpmath.FromInt64(2)
	m.ShortFunding = fpmath.FromInt64(2)
	pp.SettleFunding(m)

	assert.Equal(t, "-10", pp.QuotePositionNative.String())
	assert.Equal(t, "10", pp.CumulativeLongFunding.String())
	assert.True(t, pp.LongSettledFunding.Equal(m.LongFunding))

	// settling again is a no-op
	pp.SettleFunding(m)
	assert.Equal(t, "-10", pp.QuotePositionNative.String())
}

func TestUpdateFunding(t *testing.T) {
	m := newTestMarket()
	rate := fpmath.MustFromString("0.5")
	price := fpmath.FromInt64(20)

	assert.True(t, m.UpdateFunding(rate, price, 1_000).IsZero(), "first call starts the clock")
	delta := m.UpdateFunding(rate, price, 1_000+43_200)
	assert.Equal(t, "50", delta.String())
	assert.Equal(t, "50", m.LongFunding.String())
	assert.True(t, m.UpdateFunding(rate, price, 500).IsZero())
}

func TestDeactivatePerpPosition(t *testing.T) {
	m := newTestMarket()
	a := newTestAccount(t, m)

	tp, err := a.TokenPosition(m.SettleTokenIndex)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), tp.InUseCount)

	released, err := a.DeactivatePerpPosition(m.PerpMarketIndex, m.SettleTokenIndex)
	require.NoError(t, err)
	assert.Equal(t, m.PerpMarketIndex, released.MarketIndex)
	assert.Equal(t, uint16(0), tp.InUseCount)

	_, err = a.PerpPosition(m.PerpMarketIndex)
	assert.True(t, errors.Is(err, state.ErrPerpPositionNotFound))
}

func TestAccountClone_IsDeep(t *testing.T) {
	m := newTestMarket()
	a := newTestAccount(t, m)
	c := a.Clone()

	mustPerp(t, c, m).BasePositionLots = 42
	assert.Equal(t, int64(0), mustPerp(t, a, m).BasePositionLots)
	assert.Equal(t, a.CanonicalBytes(), a.Clone().CanonicalBytes())
}

func TestIsOperational(t *testing.T) {
	a := state.NewAccount(uuid.New(), uuid.New(), "", 1, 1, 1, 1)
	assert.True(t, a.IsOperational(100))
	a.FrozenUntil = 200
	assert.False(t, a.IsOperational(100))
	assert.True(t, a.IsOperational(201))
}

func TestConditionalSwapInUse(t *testing.T) {
	a := state.NewAccount(uuid.New(), uuid.New(), "", 4, 1, 1, 2)
	i, err := a.AddConditionalSwap(state.TokenConditionalSwap{ID: 1, BuyTokenIndex: 1, SellTokenIndex: 2, ExpiryTimestamp: 10})
	require.NoError(t, err)

	buy, _ := a.TokenPosition(1)
	assert.Equal(t, uint16(1), buy.InUseCount)

	removed, err := a.RemoveConditionalSwap(i)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), removed.ID)
	assert.Equal(t, uint16(0), buy.InUseCount)
	assert.False(t, a.TokenConditionalSwaps[i].IsConfigured)
}
