package book

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrOrderIDNotFound    = errors.New("perp order id not found on the orderbook")
	ErrOrderOwnerMismatch = errors.New("perp order owned by another account")
	ErrInvalidOrder       = errors.New("invalid order")
)

// Orderbook is the pair of book sides for one market.
type Orderbook struct {
	Bids        *BookSide
	Asks        *BookSide
	NextOrderID uint64
}

func NewOrderbook() *Orderbook {
	return &Orderbook{
		Bids:        NewBookSide(event.SideBid),
		Asks:        NewBookSide(event.SideAsk),
		NextOrderID: 1,
	}
}

func (b *Orderbook) Side(side event.Side) *BookSide {
	if side == event.SideBid {
		return b.Bids
	}
	return b.Asks
}

// PlaceRestingOrder rests an order for the account, recording it in a free
// order slot and reserving its lots.
func (b *Orderbook) PlaceRestingOrder(
	account *state.Account,
	owner uuid.UUID,
	market *state.PerpMarket,
	side event.Side,
	priceLots, quantity int64,
	clientOrderID, timestamp uint64,
) (*Order, error) {
	if priceLots <= 0 || quantity <= 0 {
		return nil, errors.Wrapf(ErrInvalidOrder, "price %d quantity %d", priceLots, quantity)
	}
	id := b.NextOrderID
	slot, err := account.AddPerpOrder(market, side, quantity, id, clientOrderID)
	if err != nil {
		return nil, err
	}
	b.NextOrderID++

	o := &Order{
		ID:            id,
		Owner:         owner,
		OwnerSlot:     uint8(slot),
		Side:          side,
		PriceLots:     priceLots,
		Quantity:      quantity,
		ClientOrderID: clientOrderID,
		Timestamp:     timestamp,
	}
	b.Side(side).Insert(o)
	return o, nil
}

// CancelOrder removes an order from the book and releases it from the
// owning account.
func (b *Orderbook) CancelOrder(account *state.Account, owner uuid.UUID, orderID uint64, side event.Side) (*Order, error) {
	bs := b.Side(side)
	o, ok := bs.Get(orderID)
	if !ok {
		return nil, errors.Wrapf(ErrOrderIDNotFound, "order %d %s", orderID, side)
	}
	if o.Owner != owner {
		return nil, errors.Wrapf(ErrOrderOwnerMismatch, "order %d", orderID)
	}
	if err := account.RemovePerpOrder(int(o.OwnerSlot), o.Quantity); err != nil {
		return nil, err
	}
	bs.Remove(orderID)
	return o, nil
}

// CancelAllOrders walks the account's order slots for the market and cancels
// up to limit of them, optionally only one side. An order missing from the
// book has already been filled or expired; its slot is freed when the queue
// event is consumed, so it is skipped but still counts toward the limit.
// Returns the orders actually removed.
func (b *Orderbook) CancelAllOrders(
	account *state.Account,
	owner uuid.UUID,
	market *state.PerpMarket,
	limit int,
	sideFilter *event.Side,
) ([]*Order, error) {
	var cancelled []*Order
	if limit <= 0 {
		return cancelled, nil
	}
	for i := range account.PerpOpenOrders {
		oo := account.PerpOpenOrders[i]
		if oo.Market != market.PerpMarketIndex {
			continue
		}
		if sideFilter != nil && *sideFilter != oo.Side {
			continue
		}

		o, err := b.CancelOrder(account, owner, oo.ID, oo.Side)
		switch {
		case errors.Is(err, ErrOrderIDNotFound):
			// filled or expired already
		case err != nil:
			return nil, err
		default:
			cancelled = append(cancelled, o)
		}

		limit--
		if limit == 0 {
			break
		}
	}
	return cancelled, nil
}

// Clone returns an independent copy for transactional execution.
func (b *Orderbook) Clone() *Orderbook {
	return &Orderbook{
		Bids:        b.Bids.Clone(),
		Asks:        b.Asks.Clone(),
		NextOrderID: b.NextOrderID,
	}
}

// Len returns the number of resting orders on both sides.
func (b *Orderbook) Len() int {
	return b.Bids.Len() + b.Asks.Len()
}
