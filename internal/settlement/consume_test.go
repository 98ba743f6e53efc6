package settlement_test

import (
	"testing"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/settlement"
	"PerpSettle/internal/state"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedComparer = cmp.Comparer(func(a, b fpmath.I80F48) bool { return a.Equal(b) })

type world struct {
	program uuid.UUID
	buf     *settlement.RecordBuffer
	env     *settlement.Env
	group   *state.Group
	market  *state.PerpMarket
	queue   *event.EventQueue
}

func newWorld() *world {
	program := uuid.New()
	buf := &settlement.RecordBuffer{}
	return &world{
		program: program,
		buf:     buf,
		env:     &settlement.Env{ProgramID: program, Emitter: buf, Log: zerolog.Nop()},
		group:   &state.Group{Key: uuid.New(), Admin: uuid.New(), Name: "test"},
		market: &state.PerpMarket{
			Key:              uuid.New(),
			PerpMarketIndex:  2,
			SettleTokenIndex: 0,
			BaseLotSize:      1,
			QuoteLotSize:     1,
		},
		queue: &event.EventQueue{},
	}
}

// newAccount returns a handle owned by the program with an active position.
func (w *world) newAccount(t *testing.T) settlement.AccountHandle {
	t.Helper()
	a := state.NewAccount(w.group.Key, uuid.New(), "acct", 4, 2, 16, 2)
	_, err := a.EnsurePerpPosition(w.market)
	require.NoError(t, err)
	return settlement.AccountHandle{Key: uuid.New(), Owner: w.program, Account: a}
}

func (w *world) addOrder(t *testing.T, h settlement.AccountHandle, side event.Side, qty int64) int {
	t.Helper()
	slot, err := h.Account.AddPerpOrder(w.market, side, qty, uint64(qty), 0)
	require.NoError(t, err)
	return slot
}

func (w *world) push(t *testing.T, ev event.AnyEvent) {
	t.Helper()
	require.NoError(t, w.queue.PushBack(ev))
}

func (w *world) consume(t *testing.T, limit int, handles ...settlement.AccountHandle) settlement.ConsumeStats {
	t.Helper()
	stats, err := settlement.ConsumeEvents(w.env, w.group, w.market, w.queue, handles, limit)
	require.NoError(t, err)
	return stats
}

func mustPerp(t *testing.T, h settlement.AccountHandle, m *state.PerpMarket) *state.PerpPosition {
	t.Helper()
	pp, err := h.Account.PerpPosition(m.PerpMarketIndex)
	require.NoError(t, err)
	return pp
}

func fill(maker, taker uuid.UUID, slot uint8, price, qty int64) event.AnyEvent {
	f := &event.FillEvent{
		TakerSide: event.SideBid,
		MakerSlot: slot,
		Maker:     maker,
		Taker:     taker,
		Price:     price,
		Quantity:  qty,
	}
	return f.Encode()
}

func out(owner uuid.UUID, side event.Side, slot uint8, qty int64) event.AnyEvent {
	o := &event.OutEvent{Side: side, OwnerSlot: slot, Owner: owner, Quantity: qty}
	return o.Encode()
}

func processed() event.AnyEvent {
	ev := out(uuid.New(), event.SideBid, 0, 1)
	ev.MarkProcessed()
	return ev
}

func recordKinds(buf *settlement.RecordBuffer) []string {
	var kinds []string
	for _, r := range buf.Records() {
		kinds = append(kinds, r.Kind())
	}
	return kinds
}

// ============================================================================
// Test: sequential drain
// ============================================================================

func TestConsumeEvents_FillOutAndProcessed(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	b := w.newAccount(t)

	w.addOrder(t, a, event.SideAsk, 5)
	w.addOrder(t, a, event.SideBid, 1)
	slot := w.addOrder(t, a, event.SideAsk, 3)
	require.Equal(t, 2, slot)
	mustPerp(t, b, w.market).AddTakerTrade(event.SideBid, 5, 50)

	w.push(t, fill(a.Key, b.Key, 0, 10, 5))
	w.push(t, out(a.Key, event.SideAsk, 2, 3))
	w.push(t, processed())

	stats := w.consume(t, 8, a, b)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 3, stats.Popped)
	assert.False(t, stats.StoppedOnMissing)
	assert.True(t, w.queue.Empty())

	pa := mustPerp(t, a, w.market)
	pb := mustPerp(t, b, w.market)
	assert.Equal(t, int64(-5), pa.BasePositionLots)
	assert.Equal(t, int64(5), pb.BasePositionLots)
	assert.Equal(t, "50", pa.QuotePositionNative.String())
	assert.Equal(t, "-50", pb.QuotePositionNative.String())
	assert.Equal(t, int64(0), pa.AsksBaseLots)
	assert.Equal(t, int64(1), pa.BidsBaseLots)
	assert.Equal(t, int64(0), pb.TakerBaseLots)
	assert.Equal(t, int64(0), pb.TakerQuoteLots)
	assert.Equal(t, int64(10), w.market.OpenInterest)

	oo, err := a.Account.PerpOrder(2)
	require.NoError(t, err)
	assert.True(t, oo.IsFree())

	assert.Equal(t, []string{"perp_balance", "perp_balance", "fill"}, recordKinds(w.buf))
}

func TestConsumeEvents_MissingMakerLeavesQueue(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	b := w.newAccount(t)
	w.addOrder(t, a, event.SideAsk, 5)
	w.addOrder(t, a, event.SideBid, 1)
	w.addOrder(t, a, event.SideAsk, 3)

	w.push(t, fill(a.Key, b.Key, 0, 10, 5))
	w.push(t, out(a.Key, event.SideAsk, 2, 3))
	w.push(t, processed())
	before := *w.queue
	bBefore := b.Account.Clone()

	stats := w.consume(t, 8, b)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 0, stats.Popped)
	assert.True(t, stats.StoppedOnMissing)
	assert.Equal(t, before, *w.queue)
	assert.Empty(t, cmp.Diff(bBefore, b.Account, fixedComparer))
	assert.Empty(t, w.buf.Records())
}

func TestConsumeEvents_Idempotent(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	b := w.newAccount(t)
	w.addOrder(t, a, event.SideAsk, 5)
	mustPerp(t, b, w.market).AddTakerTrade(event.SideBid, 5, 50)
	w.push(t, fill(a.Key, b.Key, 0, 10, 5))

	w.consume(t, 8, a, b)
	aAfter := a.Account.Clone()
	bAfter := b.Account.Clone()

	stats := w.consume(t, 8, a, b)
	assert.Equal(t, 0, stats.Processed)
	assert.Empty(t, cmp.Diff(aAfter, a.Account, fixedComparer))
	assert.Empty(t, cmp.Diff(bAfter, b.Account, fixedComparer))
}

func TestConsumeEvents_LimitCappedAtEight(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	for i := 0; i < 10; i++ {
		slot := w.addOrder(t, a, event.SideBid, 1)
		w.push(t, out(a.Key, event.SideBid, uint8(slot), 1))
	}

	stats := w.consume(t, 100, a)
	assert.Equal(t, settlement.MaxConsumeLimit, stats.Processed)
	assert.Equal(t, 2, w.queue.Len())
	assert.Equal(t, int64(2), mustPerp(t, a, w.market).BidsBaseLots)

	stats = w.consume(t, 100, a)
	assert.Equal(t, 2, stats.Processed)
	assert.True(t, w.queue.Empty())
}

func TestConsumeEvents_AlreadyProcessedNotCounted(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	for i := 0; i < 3; i++ {
		w.push(t, processed())
	}
	slot := w.addOrder(t, a, event.SideAsk, 2)
	w.push(t, out(a.Key, event.SideAsk, uint8(slot), 2))

	stats := w.consume(t, 1, a)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 4, stats.Popped)
	assert.True(t, w.queue.Empty())
}

func TestConsumeEvents_SelfTrade(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	w.addOrder(t, a, event.SideAsk, 4)
	mustPerp(t, a, w.market).AddTakerTrade(event.SideBid, 4, 40)
	w.push(t, fill(a.Key, a.Key, 0, 10, 4))

	stats := w.consume(t, 8, a)
	assert.Equal(t, 1, stats.Processed)

	pp := mustPerp(t, a, w.market)
	assert.Equal(t, int64(0), pp.BasePositionLots)
	assert.True(t, pp.QuotePositionNative.IsZero())
	assert.Equal(t, int64(0), pp.AsksBaseLots)
	assert.Equal(t, int64(0), pp.TakerBaseLots)
	assert.Equal(t, []string{"perp_balance", "fill"}, recordKinds(w.buf))
}

func TestConsumeEvents_LiquidateIsInformational(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	liq := &event.LiquidateEvent{Liqee: a.Key, Liqor: uuid.New(), Price: fpmath.FromInt64(10), Quantity: 1}
	w.push(t, liq.Encode())
	before := a.Account.Clone()

	stats := w.consume(t, 8)
	assert.Equal(t, 1, stats.Processed)
	assert.True(t, w.queue.Empty())
	assert.Empty(t, cmp.Diff(before, a.Account, fixedComparer))
}

// ============================================================================
// Test: out-of-order pass
// ============================================================================

func TestConsumeEvents_OutOfOrderForFirstHandle(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	b := w.newAccount(t)
	c := w.newAccount(t)
	w.addOrder(t, a, event.SideAsk, 5)
	mustPerp(t, b, w.market).AddTakerTrade(event.SideBid, 5, 50)
	slot := w.addOrder(t, c, event.SideBid, 2)

	w.push(t, fill(a.Key, b.Key, 0, 10, 5))
	w.push(t, out(c.Key, event.SideBid, uint8(slot), 2))

	stats := w.consume(t, 8, c)
	assert.True(t, stats.StoppedOnMissing)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.OutOfOrder)
	assert.Equal(t, 2, w.queue.Len())
	assert.Equal(t, 1, w.queue.Unprocessed())
	assert.Equal(t, int64(0), mustPerp(t, c, w.market).BidsBaseLots)

	stats = w.consume(t, 8, a, b, c)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 2, stats.Popped)
	assert.True(t, w.queue.Empty())
	assert.Equal(t, int64(0), mustPerp(t, c, w.market).BidsBaseLots, "out applied once")
}

func TestConsumeEvents_OutOfOrderIgnoresOtherOwners(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	b := w.newAccount(t)
	slot := w.addOrder(t, b, event.SideAsk, 1)
	w.push(t, fill(uuid.New(), uuid.New(), 0, 10, 1))
	w.push(t, out(b.Key, event.SideAsk, uint8(slot), 1))

	stats := w.consume(t, 8, a, b)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 2, w.queue.Unprocessed())
}

// ============================================================================
// Test: owner policy
// ============================================================================

func TestConsumeEvents_WrongOwner(t *testing.T) {
	tests := []struct {
		name    string
		testing bool
		wantErr error
	}{
		{name: "testing group skips", testing: true},
		{name: "production group rejects", wantErr: settlement.ErrAccountOwnedByWrongProgram},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			w.group.Testing = tt.testing
			a := w.newAccount(t)
			b := w.newAccount(t)
			b.Owner = uuid.New()
			w.addOrder(t, a, event.SideAsk, 5)
			w.push(t, fill(a.Key, b.Key, 0, 10, 5))
			aBefore := a.Account.Clone()

			stats, err := settlement.ConsumeEvents(w.env, w.group, w.market, w.queue, []settlement.AccountHandle{a, b}, 8)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, settlement.ClassPrecondition, settlement.Classify(err))
				assert.Equal(t, 1, w.queue.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Skipped)
			assert.True(t, w.queue.Empty())
			assert.Empty(t, cmp.Diff(aBefore, a.Account, fixedComparer))
		})
	}
}

// ============================================================================
// Test: invariant violations
// ============================================================================

func TestConsumeEvents_OutUnderflowRejected(t *testing.T) {
	w := newWorld()
	a := w.newAccount(t)
	slot := w.addOrder(t, a, event.SideBid, 2)
	w.push(t, out(a.Key, event.SideBid, uint8(slot), 3))
	before := a.Account.Clone()
	queueBefore := *w.queue

	_, err := settlement.ConsumeEvents(w.env, w.group, w.market, w.queue, []settlement.AccountHandle{a}, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrLotUnderflow))
	assert.Equal(t, settlement.ClassInvariant, settlement.Classify(err))
	assert.Empty(t, cmp.Diff(before, a.Account, fixedComparer))
	assert.Equal(t, queueBefore, *w.queue)
}

func TestConsumeEvents_UnknownTagRejected(t *testing.T) {
	w := newWorld()
	ev := out(uuid.New(), event.SideBid, 0, 1)
	ev[0] = 9
	w.push(t, ev)

	_, err := settlement.ConsumeEvents(w.env, w.group, w.market, w.queue, nil, 8)
	require.ErrorIs(t, err, event.ErrUnknownEventType)
	assert.Equal(t, settlement.ClassInvariant, settlement.Classify(err))
}
