package core

import (
	"bytes"
	"sort"

	"PerpSettle/internal/book"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorldImage is the flat, serializable form of a World. Entities are listed
// in key order so two images of equal worlds encode identically.
type WorldImage struct {
	Groups   []*state.Group      `json:"groups" msgpack:"groups"`
	Markets  []*MarketImage      `json:"markets" msgpack:"markets"`
	Banks    []*state.Bank       `json:"banks" msgpack:"banks"`
	Oracles  []*state.StubOracle `json:"oracles" msgpack:"oracles"`
	Accounts []*AccountImage     `json:"accounts" msgpack:"accounts"`
}

// MarketImage stores only the live queue window and the resting orders.
type MarketImage struct {
	Market      *state.PerpMarket `json:"market" msgpack:"market"`
	QueueHeader event.Header      `json:"queue_header" msgpack:"queue_header"`
	QueueSlots  [][]byte          `json:"queue_slots" msgpack:"queue_slots"`
	NextOrderID uint64            `json:"next_order_id" msgpack:"next_order_id"`
	Orders      []*book.Order     `json:"orders" msgpack:"orders"`
}

type AccountImage struct {
	Key     uuid.UUID      `json:"key" msgpack:"key"`
	Owner   uuid.UUID      `json:"owner" msgpack:"owner"`
	Account *state.Account `json:"account" msgpack:"account"`
}

func NewMarketImage(ms *MarketState) *MarketImage {
	img := &MarketImage{
		Market:      ms.Market,
		QueueHeader: ms.Queue.Header,
		QueueSlots:  make([][]byte, 0, ms.Queue.Len()),
		NextOrderID: ms.Book.NextOrderID,
	}
	ms.Queue.IterMut(func(_ int, e *event.AnyEvent) bool {
		img.QueueSlots = append(img.QueueSlots, append([]byte(nil), e[:]...))
		return true
	})
	img.Orders = append(img.Orders, ms.Book.Bids.Orders()...)
	img.Orders = append(img.Orders, ms.Book.Asks.Orders()...)
	return img
}

// MarketState rebuilds the queue ring at its original head position.
func (img *MarketImage) MarketState() (*MarketState, error) {
	if int(img.QueueHeader.Count) != len(img.QueueSlots) || img.QueueHeader.Head >= event.MaxNumEvents {
		return nil, errors.Errorf("market %s: queue header %+v does not match %d slots",
			img.Market.Key, img.QueueHeader, len(img.QueueSlots))
	}
	q := &event.EventQueue{Header: img.QueueHeader}
	for i, raw := range img.QueueSlots {
		if len(raw) != event.EventSize {
			return nil, errors.Wrapf(event.ErrMalformedEvent, "market %s slot %d: %d bytes", img.Market.Key, i, len(raw))
		}
		copy(q.Buf[(img.QueueHeader.Head+uint32(i))%event.MaxNumEvents][:], raw)
	}
	ob := book.NewOrderbook()
	ob.NextOrderID = img.NextOrderID
	for _, o := range img.Orders {
		ob.Side(o.Side).Insert(o)
	}
	return &MarketState{Market: img.Market, Book: ob, Queue: q}, nil
}

// Image flattens the world. The image shares entity pointers with w.
func (w *World) Image() *WorldImage {
	img := &WorldImage{}
	for _, k := range sortedKeys(w.Groups) {
		img.Groups = append(img.Groups, w.Groups[k])
	}
	for _, k := range sortedKeys(w.Markets) {
		img.Markets = append(img.Markets, NewMarketImage(w.Markets[k]))
	}
	for _, k := range sortedKeys(w.Banks) {
		img.Banks = append(img.Banks, w.Banks[k])
	}
	for _, k := range sortedKeys(w.Oracles) {
		img.Oracles = append(img.Oracles, w.Oracles[k])
	}
	for _, k := range sortedKeys(w.Accounts) {
		e := w.Accounts[k]
		img.Accounts = append(img.Accounts, &AccountImage{Key: k, Owner: e.Owner, Account: e.Account})
	}
	return img
}

// World rebuilds a World from the image.
func (img *WorldImage) World() (*World, error) {
	w := NewWorld()
	if img == nil {
		return w, nil
	}
	for _, g := range img.Groups {
		w.Groups[g.Key] = g
	}
	for _, mi := range img.Markets {
		ms, err := mi.MarketState()
		if err != nil {
			return nil, err
		}
		w.Markets[ms.Market.Key] = ms
	}
	for _, b := range img.Banks {
		w.Banks[b.Key] = b
	}
	for _, o := range img.Oracles {
		w.Oracles[o.Key] = o
	}
	for _, a := range img.Accounts {
		w.Accounts[a.Key] = &AccountEntry{Owner: a.Owner, Account: a.Account}
	}
	return w, nil
}

func sortedKeys[V any](m map[uuid.UUID]V) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}
