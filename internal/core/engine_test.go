package core_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/settlement"
	"PerpSettle/internal/state"
	"PerpSettle/internal/validate"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	marketIndex = 2
	settleToken = 0
	baseTs      = int64(1_700_000_000_000_000)
)

var fixedComparer = cmp.Comparer(func(a, b fpmath.I80F48) bool { return a.Equal(b) })

// --- Test helpers ---

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	publish chan core.CoreOutput

	program uuid.UUID
	admin   uuid.UUID
	group   uuid.UUID
	oracle  uuid.UUID
	bank    uuid.UUID
	market  uuid.UUID

	calls int
}

func newTestCore(program uuid.UUID) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	publishChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(core.Options{
		DedupCapacity: 1024,
		Validator:     validate.New(validate.Config{ProgramOwner: program}),
		Metrics:       observability.NewMetrics(prometheus.NewRegistry()),
		Log:           zerolog.Nop(),
	}, persistChan, publishChan)
	return c, persistChan, publishChan
}

// newHarness registers one group with an oracle, a settle bank and a market.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		program: uuid.New(),
		admin:   uuid.New(),
		group:   uuid.New(),
		oracle:  uuid.New(),
		bank:    uuid.New(),
		market:  uuid.New(),
	}
	h.core, h.persist, h.publish = newTestCore(h.program)

	h.exec(&core.RegisterGroup{Group: h.group, Admin: h.admin, Name: "main"})
	h.exec(&core.RegisterOracle{Group: h.group, Oracle: h.oracle, Price: fpmath.FromInt64(10)})
	h.exec(&core.RegisterBank{Group: h.group, Bank: h.bank, Name: "USDC", TokenIndex: settleToken, Oracle: h.oracle})
	h.exec(&core.RegisterMarket{
		Group:            h.group,
		Market:           h.market,
		Name:             "BTC-PERP",
		PerpMarketIndex:  marketIndex,
		SettleTokenIndex: settleToken,
		Oracle:           h.oracle,
		BaseLotSize:      1,
		QuoteLotSize:     1,
	})
	h.drain()
	return h
}

func (h *harness) try(cmd core.Command) (*core.Result, error) {
	hdr := cmd.Header()
	h.calls++
	if hdr.CallID == "" {
		hdr.CallID = fmt.Sprintf("call-%d", h.calls)
	}
	if hdr.Timestamp == 0 {
		hdr.Timestamp = baseTs + int64(h.calls)*1_000_000
	}
	return h.core.Execute(cmd)
}

func (h *harness) exec(cmd core.Command) *core.Result {
	h.t.Helper()
	res, err := h.try(cmd)
	require.NoError(h.t, err, "%s", cmd.Kind())
	return res
}

func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			for len(h.publish) > 0 {
				<-h.publish
			}
			return out
		}
	}
}

// newAccount registers an account funded with deposit settle tokens.
func (h *harness) newAccount(name string, deposit int64) uuid.UUID {
	key := uuid.New()
	h.exec(&core.RegisterAccount{Group: h.group, Account: key, Owner: uuid.New(), Name: name})
	if deposit > 0 {
		h.exec(&core.TokenDeposit{Account: key, Bank: h.bank, Amount: fpmath.FromInt64(deposit)})
	}
	return key
}

func (h *harness) place(account uuid.UUID, side event.Side, price, qty int64) uint64 {
	return h.exec(&core.PlaceOrder{Market: h.market, Account: account, Side: side, PriceLots: price, Quantity: qty}).OrderID
}

func (h *harness) queue() *event.EventQueue {
	ms, err := h.core.World().Market(h.market)
	require.NoError(h.t, err)
	return ms.Queue
}

func (h *harness) pushCmd(ev event.AnyEvent) *core.PushEvent {
	ee, err := event.NewEngineEvent(h.market, ev[:], time.UnixMicro(baseTs))
	require.NoError(h.t, err)
	return core.NewPushEvent(ee)
}

func (h *harness) fill(maker uuid.UUID, makerSlot uint8, taker uuid.UUID, takerSide event.Side, price, qty int64) event.AnyEvent {
	f := &event.FillEvent{
		TakerSide: takerSide,
		MakerOut:  true,
		MakerSlot: makerSlot,
		SeqNum:    h.queue().Header.SeqNum,
		Maker:     maker,
		Taker:     taker,
		Price:     price,
		Quantity:  qty,
	}
	return f.Encode()
}

func (h *harness) out(owner uuid.UUID, side event.Side, slot uint8, qty int64) event.AnyEvent {
	o := &event.OutEvent{Side: side, OwnerSlot: slot, SeqNum: h.queue().Header.SeqNum, Owner: owner, Quantity: qty}
	return o.Encode()
}

func (h *harness) perp(account uuid.UUID) *state.PerpPosition {
	h.t.Helper()
	e, err := h.core.World().Account(account)
	require.NoError(h.t, err)
	pp, err := e.Account.PerpPosition(marketIndex)
	require.NoError(h.t, err)
	return pp
}

func (h *harness) native(account uuid.UUID) string {
	h.t.Helper()
	e, err := h.core.World().Account(account)
	require.NoError(h.t, err)
	bank, err := h.core.World().Bank(h.bank)
	require.NoError(h.t, err)
	tp, err := e.Account.TokenPosition(settleToken)
	require.NoError(h.t, err)
	return tp.Native(bank).String()
}

func recordKinds(records []settlement.Record) []string {
	var kinds []string
	for _, r := range records {
		kinds = append(kinds, r.Kind())
	}
	return kinds
}

// roundTrip leaves a with quote -10 and b with quote +10, both flat.
func (h *harness) roundTrip(a, b uuid.UUID) {
	h.place(a, event.SideAsk, 10, 5)
	h.exec(h.pushCmd(h.fill(a, 0, b, event.SideBid, 10, 5)))
	h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})

	h.place(b, event.SideAsk, 12, 5)
	h.exec(h.pushCmd(h.fill(b, 0, a, event.SideBid, 12, 5)))
	h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})
}

// ============================================================================
// Test: event consumption through the host
// ============================================================================

func TestCore_FillSettlesThroughQueue(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("maker", 100)
	b := h.newAccount("taker", 100)

	id := h.place(a, event.SideAsk, 10, 5)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, int64(5), h.perp(a).AsksBaseLots)

	h.exec(h.pushCmd(h.fill(a, 0, b, event.SideBid, 10, 5)))
	ms, err := h.core.World().Market(h.market)
	require.NoError(t, err)
	assert.Equal(t, 0, ms.Book.Len(), "filled-out maker order leaves the book")
	assert.Equal(t, int64(5), h.perp(b).TakerBaseLots, "taker lots reserved until consumed")
	h.drain()

	seqBefore := h.core.GetSequence()
	res := h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})
	require.NotNil(t, res.Consume)
	assert.Equal(t, 1, res.Consume.Processed)
	assert.Equal(t, 0, res.Consume.Remaining)
	assert.Equal(t, []string{"perp_balance", "perp_balance", "fill"}, recordKinds(res.Records))

	pa, pb := h.perp(a), h.perp(b)
	assert.Equal(t, int64(-5), pa.BasePositionLots)
	assert.Equal(t, "50", pa.QuotePositionNative.String())
	assert.Equal(t, int64(0), pa.AsksBaseLots)
	assert.Equal(t, int64(5), pb.BasePositionLots)
	assert.Equal(t, "-50", pb.QuotePositionNative.String())
	assert.Equal(t, int64(0), pb.TakerBaseLots)
	assert.Equal(t, int64(0), pb.TakerQuoteLots)

	outs := h.drain()
	require.Len(t, outs, 1)
	assert.Equal(t, seqBefore, outs[0].Call.Sequence)
	assert.Equal(t, core.KindConsumeEvents, outs[0].Call.Kind)
	assert.Equal(t, h.market, *outs[0].Call.Market)
	assert.Equal(t, res.StateHash, outs[0].Call.StateHash)
	assert.Equal(t, h.core.GetStateHash(), res.StateHash)
	assert.Contains(t, outs[0].Delta.Accounts, a)
	assert.Contains(t, outs[0].Delta.Markets, h.market)
}

func TestCore_MissingAccountStallsButCommits(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("maker", 0)
	b := h.newAccount("taker", 0)
	h.place(a, event.SideAsk, 10, 5)
	h.exec(h.pushCmd(h.fill(a, 0, b, event.SideBid, 10, 5)))

	seq := h.core.GetSequence()
	res := h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{b}, Limit: 8})
	assert.True(t, res.Consume.StoppedOnMissing)
	assert.Equal(t, 0, res.Consume.Processed)
	assert.Equal(t, 1, h.queue().Len())
	assert.Equal(t, seq+1, h.core.GetSequence())
}

func TestCore_FailedCallLeavesWorldUnchanged(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("maker", 0)
	b := h.newAccount("taker", 0)
	h.place(a, event.SideAsk, 10, 5)
	h.exec(h.pushCmd(h.fill(a, 0, b, event.SideBid, 10, 5)))
	// slot 0 is freed by the fill, so this out hits a free slot
	h.exec(h.pushCmd(h.out(a, event.SideAsk, 0, 1)))
	h.drain()

	seq, hash := h.core.GetSequence(), h.core.GetStateHash()
	_, err := h.try(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrOrderSlotFree)
	assert.Equal(t, string(settlement.ClassInvariant), core.Reason(err))

	assert.Equal(t, seq, h.core.GetSequence())
	assert.Equal(t, hash, h.core.GetStateHash())
	assert.Equal(t, 2, h.queue().Len(), "first event is not popped either")
	assert.Equal(t, int64(0), h.perp(a).BasePositionLots)
	assert.Equal(t, int64(5), h.perp(a).AsksBaseLots)
	assert.Empty(t, h.drain())
}

// ============================================================================
// Test: ingestion dedup and ordering
// ============================================================================

func TestCore_DuplicatePushIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("maker", 0)
	ev := h.out(a, event.SideBid, 0, 1)

	first := h.exec(h.pushCmd(ev))
	assert.False(t, first.Duplicate)
	seq := h.core.GetSequence()

	again := h.exec(h.pushCmd(ev))
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.queue().Len())
	assert.Equal(t, seq, h.core.GetSequence())
}

func TestCore_SequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	o := &event.OutEvent{Side: event.SideBid, SeqNum: 1, Owner: uuid.New(), Quantity: 1}

	_, err := h.try(h.pushCmd(o.Encode()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSequenceGap))
	assert.Equal(t, 0, h.queue().Len())

	o.SeqNum = 0
	h.exec(h.pushCmd(o.Encode()))
	assert.Equal(t, 1, h.queue().Len())
}

func TestCore_FullQueueIsRetryable(t *testing.T) {
	h := newHarness(t)
	liquidation := func() event.AnyEvent {
		l := &event.LiquidateEvent{SeqNum: h.queue().Header.SeqNum, Liqee: uuid.New(), Liqor: uuid.New(), Quantity: 1}
		return l.Encode()
	}
	for i := 0; i < event.MaxNumEvents; i++ {
		h.exec(h.pushCmd(liquidation()))
	}

	next := liquidation()
	seq := h.core.GetSequence()
	_, err := h.try(h.pushCmd(next))
	require.Error(t, err)
	assert.ErrorIs(t, err, event.ErrQueueFull)
	assert.Equal(t, "queue_full", core.Reason(err))
	assert.Equal(t, seq, h.core.GetSequence())

	a := h.newAccount("cranker", 0)
	res := h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a}, Limit: 8})
	assert.Equal(t, 8, res.Consume.Processed)

	// the same slot goes through once there is room; no gap was left behind
	h.exec(h.pushCmd(next))
	assert.Equal(t, event.MaxNumEvents-7, h.queue().Len())
}

func TestCore_RejectsBadCalls(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 0)

	tests := []struct {
		name   string
		cmd    core.Command
		reason string
	}{
		{"unknown market", &core.ConsumeEvents{Market: uuid.New(), Limit: 8}, "not_found"},
		{"unknown account", &core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{uuid.New()}, Limit: 8}, "not_found"},
		{"no accounts", &core.ConsumeEvents{Market: h.market, Limit: 8}, "precondition"},
		{"duplicate group", &core.RegisterGroup{Group: h.group, Admin: h.admin}, "already_exists"},
		{"zero deposit", &core.TokenDeposit{Account: a, Bank: h.bank, Amount: fpmath.Zero}, "invalid_argument"},
		{"prune before force-close", &core.PruneOrders{Market: h.market, Account: a, Limit: 10}, "precondition"},
		{"non-admin force-close", &core.SetForceClose{Market: h.market, Signer: uuid.New()}, "precondition"},
		{"non-admin price", &core.SetReferencePrice{Oracle: h.oracle, Signer: uuid.New(), Price: fpmath.One}, "precondition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := h.core.GetStateHash()
			_, err := h.try(tt.cmd)
			require.Error(t, err)
			assert.Equal(t, tt.reason, core.Reason(err))
			assert.Equal(t, hash, h.core.GetStateHash())
		})
	}
}

// ============================================================================
// Test: force-close workflow
// ============================================================================

func TestCore_ForceClosePurge(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 100)
	b := h.newAccount("b", 100)
	h.roundTrip(a, b)

	assert.Equal(t, int64(0), h.perp(a).BasePositionLots)
	assert.Equal(t, "-10", h.perp(a).QuotePositionNative.String())
	assert.Equal(t, "10", h.perp(b).QuotePositionNative.String())

	h.place(a, event.SideBid, 5, 2)
	h.exec(&core.SetForceClose{Market: h.market, Signer: h.admin})

	_, err := h.try(&core.PurgePosition{Market: h.market, Account: a, Bank: h.bank})
	assert.ErrorIs(t, err, settlement.ErrOpenOrders)

	res := h.exec(&core.PruneOrders{Market: h.market, Account: a, Limit: 10})
	assert.Equal(t, 1, res.Cancelled)

	res = h.exec(&core.PurgePosition{Market: h.market, Account: a, Bank: h.bank})
	require.NotNil(t, res.Purge)
	assert.Equal(t, int64(10), res.Purge.Transferred)
	assert.Equal(t, "10", res.Purge.Settlement.String())
	assert.Equal(t,
		[]string{"perp_balance", "token_balance", "purge_settlement", "deactivate_perp_position"},
		recordKinds(res.Records))
	assert.Equal(t, "90", h.native(a))

	e, err := h.core.World().Account(a)
	require.NoError(t, err)
	_, err = e.Account.PerpPosition(marketIndex)
	assert.ErrorIs(t, err, state.ErrPerpPositionNotFound)
	assert.Equal(t, int64(10), e.Account.PerpSpotTransfers)

	hash := h.core.GetStateHash()
	_, err = h.try(&core.PurgePosition{Market: h.market, Account: b, Bank: h.bank})
	assert.ErrorIs(t, err, settlement.ErrPositiveSettlement)
	assert.Equal(t, hash, h.core.GetStateHash())
	assert.Equal(t, "10", h.perp(b).QuotePositionNative.String())
}

func TestCore_ForceClosePurgeAfterPartialFill(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 100)
	b := h.newAccount("b", 100)

	id := h.place(a, event.SideAsk, 10, 10)
	partial := &event.FillEvent{
		TakerSide: event.SideBid,
		MakerSlot: 0,
		SeqNum:    h.queue().Header.SeqNum,
		Maker:     a,
		Taker:     b,
		Price:     10,
		Quantity:  4,
	}
	h.exec(h.pushCmd(partial.Encode()))

	ms, err := h.core.World().Market(h.market)
	require.NoError(t, err)
	o, ok := ms.Book.Asks.Get(id)
	require.True(t, ok, "partially filled order stays on the book")
	assert.Equal(t, int64(6), o.Quantity)

	h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})
	assert.Equal(t, int64(6), h.perp(a).AsksBaseLots)
	assert.Equal(t, int64(-4), h.perp(a).BasePositionLots)

	// a buys back the 4 lots at 12 and ends flat with quote -8
	h.place(b, event.SideAsk, 12, 4)
	h.exec(h.pushCmd(h.fill(b, 0, a, event.SideBid, 12, 4)))
	h.exec(&core.ConsumeEvents{Market: h.market, Accounts: []uuid.UUID{a, b}, Limit: 8})
	assert.Equal(t, int64(0), h.perp(a).BasePositionLots)
	assert.Equal(t, "-8", h.perp(a).QuotePositionNative.String())

	h.exec(&core.SetForceClose{Market: h.market, Signer: h.admin})
	_, err = h.try(&core.PurgePosition{Market: h.market, Account: a, Bank: h.bank})
	assert.ErrorIs(t, err, settlement.ErrOpenOrders)

	res := h.exec(&core.PruneOrders{Market: h.market, Account: a, Limit: 10})
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, int64(0), h.perp(a).AsksBaseLots)

	res = h.exec(&core.PurgePosition{Market: h.market, Account: a, Bank: h.bank})
	assert.Equal(t, int64(8), res.Purge.Transferred)
	assert.Equal(t, "92", h.native(a))
}

func TestCore_PartialFillCannotEmptyOrder(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 0)
	b := h.newAccount("b", 0)
	h.place(a, event.SideAsk, 10, 4)

	overfill := &event.FillEvent{
		TakerSide: event.SideBid,
		SeqNum:    h.queue().Header.SeqNum,
		Maker:     a,
		Taker:     b,
		Price:     10,
		Quantity:  4,
	}
	_, err := h.try(h.pushCmd(overfill.Encode()))
	require.Error(t, err)
	assert.Equal(t, "invalid_argument", core.Reason(err))
	assert.Equal(t, 0, h.queue().Len())
}

func TestCore_PurgeKeepsFractionalDeposit(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 0)
	b := h.newAccount("b", 100)
	h.exec(&core.TokenDeposit{Account: a, Bank: h.bank, Amount: fpmath.MustFromString("10.5")})
	h.roundTrip(a, b)
	assert.Equal(t, "-10", h.perp(a).QuotePositionNative.String())

	h.exec(&core.SetForceClose{Market: h.market, Signer: h.admin})
	res := h.exec(&core.PurgePosition{Market: h.market, Account: a, Bank: h.bank})
	assert.Equal(t, int64(10), res.Purge.Transferred)
	assert.Equal(t, "0.5", h.native(a), "only the truncated settlement leaves the account")

	bank, err := h.core.World().Bank(h.bank)
	require.NoError(t, err)
	assert.True(t, bank.Dust.IsZero())
}

func TestCore_PurgeConditionalSwapsAndFunding(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 0)

	nowSec := uint64(baseTs / 1_000_000)
	h.exec(&core.CreateConditionalSwap{Account: a, ID: 7, BuyTokenIndex: 0, SellTokenIndex: 1, ExpiryTimestamp: nowSec})
	h.exec(&core.CreateConditionalSwap{Account: a, ID: 8, BuyTokenIndex: 0, SellTokenIndex: 1, ExpiryTimestamp: nowSec + 1_000_000})

	res := h.exec(&core.PurgeConditionalSwaps{Account: a})
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, []string{"tcs_cancel"}, recordKinds(res.Records))

	res = h.exec(&core.SetReferencePrice{Oracle: h.oracle, Signer: h.admin, Price: fpmath.FromInt64(20)})
	assert.Equal(t, []string{"stub_oracle_set"}, recordKinds(res.Records))
	o, err := h.core.World().Oracle(h.oracle)
	require.NoError(t, err)
	assert.Equal(t, "20", o.Price.String())

	res = h.exec(&core.UpdateFunding{Market: h.market, Oracle: h.oracle, DailyRate: fpmath.MustFromString("0.01")})
	require.NotNil(t, res.FundingDelta)
	assert.True(t, res.FundingDelta.IsZero(), "first update only starts the clock")
}

// ============================================================================
// Test: snapshot restore
// ============================================================================

func TestCore_SnapshotRestore(t *testing.T) {
	h := newHarness(t)
	a := h.newAccount("a", 100)
	b := h.newAccount("b", 100)
	h.roundTrip(a, b)
	h.place(a, event.SideBid, 5, 2)
	h.exec(h.pushCmd(h.out(a, event.SideBid, 0, 2)))

	data, err := json.Marshal(h.core.CreateSnapshotState())
	require.NoError(t, err)
	var snap core.SnapshotState
	require.NoError(t, json.Unmarshal(data, &snap))

	restored, _, _ := newTestCore(h.program)
	require.NoError(t, restored.RestoreFromSnapshot(&snap))

	assert.Equal(t, h.core.GetSequence(), restored.GetSequence())
	assert.Equal(t, h.core.GetStateHash(), restored.GetStateHash())
	assert.Empty(t, cmp.Diff(h.core.World().Image(), restored.World().Image(), fixedComparer, cmpopts.EquateEmpty()))

	// Both continue the chain identically.
	next := func() core.Command {
		return &core.ConsumeEvents{
			CallHeader: core.CallHeader{CallID: "after-snapshot", Timestamp: baseTs + 1_000_000_000},
			Market:     h.market,
			Accounts:   []uuid.UUID{a},
			Limit:      8,
		}
	}
	r1, err := h.core.Execute(next())
	require.NoError(t, err)
	r2, err := restored.Execute(next())
	require.NoError(t, err)
	assert.Equal(t, r1.StateHash, r2.StateHash)
	assert.Equal(t, 1, r2.Consume.Processed)

	dup, err := restored.Execute(next())
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}
