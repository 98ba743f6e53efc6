// internal/state/position.go
package state

import (
	"math"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"

	"github.com/pkg/errors"
)

// FreeMarketIndex marks an unused perp position or order slot.
const FreeMarketIndex = math.MaxUint16

// PerpPosition is an account's exposure in one perp market. Field order is
// the durable layout and must not change.
type PerpPosition struct {
	MarketIndex      uint16
	SettleTokenIndex uint16

	// Confirmed inventory
	BasePositionLots int64

	// Funding-settled quote balance, quote native units
	QuotePositionNative fpmath.I80F48

	// Reserved by resting orders
	BidsBaseLots int64
	AsksBaseLots int64

	// Reserved by this account's own fills still in the event queue. Signed:
	// a pending bid carries positive base and negative quote.
	TakerBaseLots  int64
	TakerQuoteLots int64

	LongSettledFunding  fpmath.I80F48
	ShortSettledFunding fpmath.I80F48

	CumulativeLongFunding  fpmath.I80F48
	CumulativeShortFunding fpmath.I80F48

	MakerVolume       uint64
	TakerVolume       uint64
	PerpSpotTransfers int64
}

// NewFreePerpPosition returns an unused slot.
func NewFreePerpPosition() PerpPosition {
	return PerpPosition{MarketIndex: FreeMarketIndex}
}

func (p *PerpPosition) IsActive() bool {
	return p.MarketIndex != FreeMarketIndex
}

func (p *PerpPosition) IsActiveForMarket(marketIndex uint16) bool {
	return p.MarketIndex == marketIndex
}

func (p *PerpPosition) HasOpenOrders() bool {
	return p.BidsBaseLots != 0 || p.AsksBaseLots != 0
}

func (p *PerpPosition) HasOpenTakerFills() bool {
	return p.TakerBaseLots != 0 || p.TakerQuoteLots != 0
}

// UnsettledFunding is what the position owes for funding index movement since
// it last settled. Positive means it pays.
func (p *PerpPosition) UnsettledFunding(m *PerpMarket) fpmath.I80F48 {
	switch {
	case p.BasePositionLots > 0:
		return fpmath.FundingPayment(m.LongFunding, p.LongSettledFunding, p.BasePositionLots)
	case p.BasePositionLots < 0:
		return fpmath.FundingPayment(m.ShortFunding, p.ShortSettledFunding, p.BasePositionLots)
	default:
		return fpmath.Zero
	}
}

// SettleFunding moves unsettled funding into the quote balance and catches the
// settled indices up to the market.
func (p *PerpPosition) SettleFunding(m *PerpMarket) {
	funding := p.UnsettledFunding(m)
	p.QuotePositionNative = p.QuotePositionNative.Sub(funding)
	switch {
	case p.BasePositionLots > 0:
		p.CumulativeLongFunding = p.CumulativeLongFunding.Add(funding)
	case p.BasePositionLots < 0:
		p.CumulativeShortFunding = p.CumulativeShortFunding.Sub(funding)
	}
	p.LongSettledFunding = m.LongFunding
	p.ShortSettledFunding = m.ShortFunding
}

// changeBasePosition keeps the market's open interest in step.
func (p *PerpPosition) changeBasePosition(m *PerpMarket, baseChange int64) {
	old := p.BasePositionLots
	p.BasePositionLots += baseChange
	m.OpenInterest += abs64(p.BasePositionLots) - abs64(old)
}

// RecordTrade books a confirmed trade. quoteChangeNative is in quote native.
func (p *PerpPosition) RecordTrade(m *PerpMarket, baseChange int64, quoteChangeNative fpmath.I80F48) {
	p.changeBasePosition(m, baseChange)
	p.QuotePositionNative = p.QuotePositionNative.Add(quoteChangeNative)
}

func (p *PerpPosition) RecordTradingFee(fee fpmath.I80F48) {
	p.QuotePositionNative = p.QuotePositionNative.Sub(fee)
}

// RecordSettle removes a settled amount from the quote balance.
func (p *PerpPosition) RecordSettle(settled fpmath.I80F48) {
	p.QuotePositionNative = p.QuotePositionNative.Sub(settled)
}

// AddTakerTrade reserves lots for a taker fill that has matched but not yet
// been consumed from the queue.
func (p *PerpPosition) AddTakerTrade(side event.Side, baseLots, quoteLots int64) {
	if side == event.SideBid {
		p.TakerBaseLots += baseLots
		p.TakerQuoteLots -= quoteLots
	} else {
		p.TakerBaseLots -= baseLots
		p.TakerQuoteLots += quoteLots
	}
}

// RemoveTakerTrade releases the reservation made by AddTakerTrade.
func (p *PerpPosition) RemoveTakerTrade(baseChange, quoteChange int64) {
	p.TakerBaseLots -= baseChange
	p.TakerQuoteLots -= quoteChange
}

// ReleaseOrderLots decrements the bids or asks reservation.
func (p *PerpPosition) ReleaseOrderLots(side event.Side, quantity int64) error {
	if quantity < 0 {
		return errors.Wrapf(ErrNegativeAmount, "release %d lots", quantity)
	}
	lots := &p.BidsBaseLots
	if side == event.SideAsk {
		lots = &p.AsksBaseLots
	}
	if *lots < quantity {
		return errors.Wrapf(ErrLotUnderflow, "market %d %s lots %d, release %d",
			p.MarketIndex, side, *lots, quantity)
	}
	*lots -= quantity
	return nil
}

// ReserveOrderLots increments the bids or asks reservation.
func (p *PerpPosition) ReserveOrderLots(side event.Side, quantity int64) {
	if side == event.SideBid {
		p.BidsBaseLots += quantity
	} else {
		p.AsksBaseLots += quantity
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *PerpPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendUint16LE(buf, p.MarketIndex)
	buf = appendUint16LE(buf, p.SettleTokenIndex)
	buf = appendInt64LE(buf, p.BasePositionLots)
	buf = appendFixed(buf, p.QuotePositionNative)
	buf = appendInt64LE(buf, p.BidsBaseLots)
	buf = appendInt64LE(buf, p.AsksBaseLots)
	buf = appendInt64LE(buf, p.TakerBaseLots)
	buf = appendInt64LE(buf, p.TakerQuoteLots)
	buf = appendFixed(buf, p.LongSettledFunding)
	buf = appendFixed(buf, p.ShortSettledFunding)
	buf = appendFixed(buf, p.CumulativeLongFunding)
	buf = appendFixed(buf, p.CumulativeShortFunding)
	buf = appendInt64LE(buf, int64(p.MakerVolume))
	buf = appendInt64LE(buf, int64(p.TakerVolume))
	buf = appendInt64LE(buf, p.PerpSpotTransfers)

	return buf
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendFixed(buf []byte, v fpmath.I80F48) []byte {
	lo, hi := v.Bits()
	buf = appendInt64LE(buf, int64(lo))
	return appendInt64LE(buf, int64(hi))
}
