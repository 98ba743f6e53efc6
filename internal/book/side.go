package book

import (
	"PerpSettle/internal/event"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const treeDegree = 8

// Order is a resting order. Orders are immutable once resting and may be
// shared between book clones; a partial fill replaces the order with a
// smaller copy.
type Order struct {
	ID            uint64
	Owner         uuid.UUID
	OwnerSlot     uint8
	Side          event.Side
	PriceLots     int64
	Quantity      int64
	ClientOrderID uint64
	Timestamp     uint64
}

// BookSide holds one side of the book in price-time priority: best price
// first, then oldest order id.
type BookSide struct {
	side event.Side
	tree *btree.BTreeG[*Order]
	byID map[uint64]*Order
}

func lessBid(a, b *Order) bool {
	if a.PriceLots != b.PriceLots {
		return a.PriceLots > b.PriceLots
	}
	return a.ID < b.ID
}

func lessAsk(a, b *Order) bool {
	if a.PriceLots != b.PriceLots {
		return a.PriceLots < b.PriceLots
	}
	return a.ID < b.ID
}

func NewBookSide(side event.Side) *BookSide {
	less := lessAsk
	if side == event.SideBid {
		less = lessBid
	}
	return &BookSide{
		side: side,
		tree: btree.NewG(treeDegree, less),
		byID: make(map[uint64]*Order),
	}
}

func (s *BookSide) Side() event.Side { return s.side }

func (s *BookSide) Len() int { return s.tree.Len() }

func (s *BookSide) Get(id uint64) (*Order, bool) {
	o, ok := s.byID[id]
	return o, ok
}

func (s *BookSide) Insert(o *Order) {
	s.tree.ReplaceOrInsert(o)
	s.byID[o.ID] = o
}

// Remove deletes an order by id and returns it.
func (s *BookSide) Remove(id uint64) (*Order, bool) {
	o, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	s.tree.Delete(o)
	delete(s.byID, id)
	return o, true
}

// Reduce takes qty lots off a resting order after a partial fill. The order
// keeps its priority. A fill that would empty the order must arrive as a
// maker-out fill instead.
func (s *BookSide) Reduce(id uint64, qty int64) (*Order, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrOrderIDNotFound, "order %d %s", id, s.side)
	}
	if qty <= 0 || qty >= o.Quantity {
		return nil, errors.Wrapf(ErrInvalidOrder, "reduce order %d of %d lots by %d", id, o.Quantity, qty)
	}
	next := *o
	next.Quantity -= qty
	s.tree.ReplaceOrInsert(&next)
	s.byID[id] = &next
	return &next, nil
}

// Best returns the top-of-book order.
func (s *BookSide) Best() (*Order, bool) {
	return s.tree.Min()
}

// Ascend visits orders in priority order until fn returns false.
func (s *BookSide) Ascend(fn func(o *Order) bool) {
	s.tree.Ascend(fn)
}

// Orders returns every order in priority order.
func (s *BookSide) Orders() []*Order {
	out := make([]*Order, 0, s.Len())
	s.Ascend(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// Clone returns a copy sharing immutable orders. The tree copy is lazy.
func (s *BookSide) Clone() *BookSide {
	byID := make(map[uint64]*Order, len(s.byID))
	for id, o := range s.byID {
		byID[id] = o
	}
	return &BookSide{
		side: s.side,
		tree: s.tree.Clone(),
		byID: byID,
	}
}
