package state

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PerpOpenOrder is one slot of an account's resting order table. The book
// refers back to it by slot index.
type PerpOpenOrder struct {
	Side     event.Side
	Market   uint16
	ClientID uint64
	ID       uint64
}

func NewFreePerpOpenOrder() PerpOpenOrder {
	return PerpOpenOrder{Market: FreeMarketIndex}
}

func (o *PerpOpenOrder) IsFree() bool {
	return o.Market == FreeMarketIndex
}

// TokenConditionalSwap is a standing order to swap between two tokens until
// it expires.
type TokenConditionalSwap struct {
	ID              uint64
	MaxBuy          uint64
	MaxSell         uint64
	Bought          uint64
	Sold            uint64
	ExpiryTimestamp uint64
	BuyTokenIndex   uint16
	SellTokenIndex  uint16
	IsConfigured    bool
}

func (s *TokenConditionalSwap) IsExpired(nowTs uint64) bool {
	return nowTs >= s.ExpiryTimestamp
}

// Account is a trading account: a header followed by fixed-size slot tables
// for token positions, perp positions, resting orders and conditional swaps.
type Account struct {
	Group             uuid.UUID
	Owner             uuid.UUID
	Name              string
	AccountNum        uint32
	FrozenUntil       uint64
	PerpSpotTransfers int64

	Tokens                []TokenPosition
	Perps                 []PerpPosition
	PerpOpenOrders        []PerpOpenOrder
	TokenConditionalSwaps []TokenConditionalSwap
}

// NewAccount allocates an account with every slot free.
func NewAccount(group, owner uuid.UUID, name string, tokenCount, perpCount, orderCount, swapCount int) *Account {
	a := &Account{
		Group:                 group,
		Owner:                 owner,
		Name:                  name,
		Tokens:                make([]TokenPosition, tokenCount),
		Perps:                 make([]PerpPosition, perpCount),
		PerpOpenOrders:        make([]PerpOpenOrder, orderCount),
		TokenConditionalSwaps: make([]TokenConditionalSwap, swapCount),
	}
	for i := range a.Tokens {
		a.Tokens[i] = NewFreeTokenPosition()
	}
	for i := range a.Perps {
		a.Perps[i] = NewFreePerpPosition()
	}
	for i := range a.PerpOpenOrders {
		a.PerpOpenOrders[i] = NewFreePerpOpenOrder()
	}
	return a
}

// IsOperational reports whether the account is not frozen at nowTs.
func (a *Account) IsOperational(nowTs uint64) bool {
	return a.FrozenUntil == 0 || a.FrozenUntil < nowTs
}

// ============================================================================
// Token positions
// ============================================================================

func (a *Account) TokenPosition(tokenIndex uint16) (*TokenPosition, error) {
	for i := range a.Tokens {
		if a.Tokens[i].IsActive() && a.Tokens[i].TokenIndex == tokenIndex {
			return &a.Tokens[i], nil
		}
	}
	return nil, errors.Wrapf(ErrTokenPositionNotFound, "token %d", tokenIndex)
}

// EnsureTokenPosition returns the active position or activates a free slot.
func (a *Account) EnsureTokenPosition(tokenIndex uint16) (*TokenPosition, error) {
	if tp, err := a.TokenPosition(tokenIndex); err == nil {
		return tp, nil
	}
	for i := range a.Tokens {
		if !a.Tokens[i].IsActive() {
			a.Tokens[i] = TokenPosition{TokenIndex: tokenIndex}
			return &a.Tokens[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNoFreeSlot, "token position for token %d", tokenIndex)
}

// ============================================================================
// Perp positions
// ============================================================================

func (a *Account) PerpPosition(marketIndex uint16) (*PerpPosition, error) {
	for i := range a.Perps {
		if a.Perps[i].IsActiveForMarket(marketIndex) {
			return &a.Perps[i], nil
		}
	}
	return nil, errors.Wrapf(ErrPerpPositionNotFound, "market %d", marketIndex)
}

// EnsurePerpPosition returns the active position for the market or activates
// a free slot, marking the settle token position in use.
func (a *Account) EnsurePerpPosition(m *PerpMarket) (*PerpPosition, error) {
	if pp, err := a.PerpPosition(m.PerpMarketIndex); err == nil {
		return pp, nil
	}
	slot := -1
	for i := range a.Perps {
		if !a.Perps[i].IsActive() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, errors.Wrapf(ErrNoFreeSlot, "perp position for market %d", m.PerpMarketIndex)
	}
	tp, err := a.EnsureTokenPosition(m.SettleTokenIndex)
	if err != nil {
		return nil, err
	}
	tp.IncrementInUse()
	a.Perps[slot] = PerpPosition{
		MarketIndex:         m.PerpMarketIndex,
		SettleTokenIndex:    m.SettleTokenIndex,
		LongSettledFunding:  m.LongFunding,
		ShortSettledFunding: m.ShortFunding,
	}
	return &a.Perps[slot], nil
}

// DeactivatePerpPosition frees the market's slot and releases the settle
// token position. It returns the position as it was before release.
func (a *Account) DeactivatePerpPosition(marketIndex, settleTokenIndex uint16) (PerpPosition, error) {
	pp, err := a.PerpPosition(marketIndex)
	if err != nil {
		return PerpPosition{}, err
	}
	released := *pp
	tp, err := a.TokenPosition(settleTokenIndex)
	if err != nil {
		return PerpPosition{}, err
	}
	if err := tp.DecrementInUse(); err != nil {
		return PerpPosition{}, err
	}
	*pp = NewFreePerpPosition()
	return released, nil
}

// ============================================================================
// Resting order slots
// ============================================================================

func (a *Account) PerpOrder(slot int) (*PerpOpenOrder, error) {
	if slot < 0 || slot >= len(a.PerpOpenOrders) {
		return nil, errors.Wrapf(ErrOrderSlotOutOfRange, "slot %d of %d", slot, len(a.PerpOpenOrders))
	}
	return &a.PerpOpenOrders[slot], nil
}

// AddPerpOrder records a resting order in a free slot and reserves its lots.
func (a *Account) AddPerpOrder(m *PerpMarket, side event.Side, quantity int64, orderID, clientID uint64) (int, error) {
	pp, err := a.EnsurePerpPosition(m)
	if err != nil {
		return 0, err
	}
	for i := range a.PerpOpenOrders {
		if a.PerpOpenOrders[i].IsFree() {
			pp.ReserveOrderLots(side, quantity)
			a.PerpOpenOrders[i] = PerpOpenOrder{
				Side:     side,
				Market:   m.PerpMarketIndex,
				ClientID: clientID,
				ID:       orderID,
			}
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrNoFreeSlot, "perp order for market %d", m.PerpMarketIndex)
}

// RemovePerpOrder frees an order slot and releases quantity lots from the
// side recorded in that slot.
func (a *Account) RemovePerpOrder(slot int, quantity int64) error {
	oo, err := a.PerpOrder(slot)
	if err != nil {
		return err
	}
	if oo.IsFree() {
		return errors.Wrapf(ErrOrderSlotFree, "slot %d", slot)
	}
	pp, err := a.PerpPosition(oo.Market)
	if err != nil {
		return err
	}
	if err := pp.ReleaseOrderLots(oo.Side, quantity); err != nil {
		return errors.Wrapf(err, "order slot %d", slot)
	}
	*oo = NewFreePerpOpenOrder()
	return nil
}

// ============================================================================
// Fill accounting
// ============================================================================

// ExecutePerpMaker applies the maker half of a fill: funding is settled, the
// maker fee charged and accrued to the market, the trade booked, and the
// order's reservation released (freeing the slot when the order is out).
func (a *Account) ExecutePerpMaker(m *PerpMarket, fill *event.FillEvent) error {
	side := fill.TakerSide.Invert()
	baseChange, quoteChange := fill.BaseQuoteChange(side)
	quote := fpmath.FromInt64(m.QuoteLotSize).MulInt64(quoteChange)
	fees := quote.Abs().Mul(fill.MakerFee)
	m.FeesAccrued = m.FeesAccrued.Add(fees)

	pp, err := a.PerpPosition(m.PerpMarketIndex)
	if err != nil {
		return err
	}
	pp.SettleFunding(m)
	pp.RecordTradingFee(fees)
	pp.RecordTrade(m, baseChange, quote)
	pp.MakerVolume += uint64(quote.Abs().MustToInt64())

	if fill.MakerOut {
		return a.RemovePerpOrder(int(fill.MakerSlot), abs64(baseChange))
	}
	return pp.ReleaseOrderLots(side, abs64(baseChange))
}

// ExecutePerpTaker applies the taker half of a fill. The taker fee was
// charged at match time so only volume is recorded here.
func (a *Account) ExecutePerpTaker(m *PerpMarket, fill *event.FillEvent) error {
	pp, err := a.PerpPosition(m.PerpMarketIndex)
	if err != nil {
		return err
	}
	pp.SettleFunding(m)

	baseChange, quoteChange := fill.BaseQuoteChange(fill.TakerSide)
	pp.RemoveTakerTrade(baseChange, quoteChange)

	quote := fpmath.FromInt64(m.QuoteLotSize).MulInt64(quoteChange)
	pp.RecordTrade(m, baseChange, quote)
	pp.TakerVolume += uint64(quote.Abs().MustToInt64())
	return nil
}

// ============================================================================
// Conditional swaps
// ============================================================================

// AddConditionalSwap stores a swap in a free slot and marks both token
// positions in use.
func (a *Account) AddConditionalSwap(s TokenConditionalSwap) (int, error) {
	for i := range a.TokenConditionalSwaps {
		if a.TokenConditionalSwaps[i].IsConfigured {
			continue
		}
		buy, err := a.EnsureTokenPosition(s.BuyTokenIndex)
		if err != nil {
			return 0, err
		}
		sell, err := a.EnsureTokenPosition(s.SellTokenIndex)
		if err != nil {
			return 0, err
		}
		buy.IncrementInUse()
		sell.IncrementInUse()
		s.IsConfigured = true
		a.TokenConditionalSwaps[i] = s
		return i, nil
	}
	return 0, errors.Wrap(ErrNoFreeSlot, "token conditional swap")
}

// RemoveConditionalSwap clears a slot and releases both token positions.
func (a *Account) RemoveConditionalSwap(i int) (TokenConditionalSwap, error) {
	if i < 0 || i >= len(a.TokenConditionalSwaps) {
		return TokenConditionalSwap{}, errors.Wrapf(ErrNoFreeSlot, "swap slot %d out of range", i)
	}
	s := a.TokenConditionalSwaps[i]
	if !s.IsConfigured {
		return TokenConditionalSwap{}, nil
	}
	for _, idx := range []uint16{s.BuyTokenIndex, s.SellTokenIndex} {
		tp, err := a.TokenPosition(idx)
		if err != nil {
			return TokenConditionalSwap{}, err
		}
		if err := tp.DecrementInUse(); err != nil {
			return TokenConditionalSwap{}, err
		}
	}
	a.TokenConditionalSwaps[i] = TokenConditionalSwap{}
	return s, nil
}

// ============================================================================
// Copy and hashing
// ============================================================================

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.Tokens = append([]TokenPosition(nil), a.Tokens...)
	c.Perps = append([]PerpPosition(nil), a.Perps...)
	c.PerpOpenOrders = append([]PerpOpenOrder(nil), a.PerpOpenOrders...)
	c.TokenConditionalSwaps = append([]TokenConditionalSwap(nil), a.TokenConditionalSwaps...)
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)

	buf = append(buf, a.Group[:]...)
	buf = append(buf, a.Owner[:]...)
	buf = appendInt64LE(buf, int64(a.AccountNum))
	buf = appendInt64LE(buf, int64(a.FrozenUntil))
	buf = appendInt64LE(buf, a.PerpSpotTransfers)

	for i := range a.Tokens {
		buf = append(buf, a.Tokens[i].CanonicalBytes()...)
	}
	for i := range a.Perps {
		buf = append(buf, a.Perps[i].CanonicalBytes()...)
	}
	for _, oo := range a.PerpOpenOrders {
		buf = append(buf, byte(oo.Side))
		buf = appendUint16LE(buf, oo.Market)
		buf = appendInt64LE(buf, int64(oo.ClientID))
		buf = appendInt64LE(buf, int64(oo.ID))
	}
	for _, s := range a.TokenConditionalSwaps {
		buf = appendInt64LE(buf, int64(s.ID))
		buf = appendInt64LE(buf, int64(s.ExpiryTimestamp))
		buf = appendUint16LE(buf, s.BuyTokenIndex)
		buf = appendUint16LE(buf, s.SellTokenIndex)
		if s.IsConfigured {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf
}
