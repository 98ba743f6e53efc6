package core

import (
	"PerpSettle/internal/book"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrUnknownGroup   = errors.New("unknown group")
	ErrUnknownMarket  = errors.New("unknown perp market")
	ErrUnknownBank    = errors.New("unknown bank")
	ErrUnknownOracle  = errors.New("unknown oracle")
	ErrUnknownAccount = errors.New("unknown account")
	ErrAlreadyExists  = errors.New("entity already registered")
)

// MarketState is a perp market together with its book and event queue.
type MarketState struct {
	Market *state.PerpMarket
	Book   *book.Orderbook
	Queue  *event.EventQueue
}

func (ms *MarketState) Clone() *MarketState {
	q := *ms.Queue
	return &MarketState{
		Market: ms.Market.Clone(),
		Book:   ms.Book.Clone(),
		Queue:  &q,
	}
}

// AccountEntry is an account plus the authority holding its storage.
type AccountEntry struct {
	Owner   uuid.UUID
	Account *state.Account
}

func (e *AccountEntry) Clone() *AccountEntry {
	return &AccountEntry{Owner: e.Owner, Account: e.Account.Clone()}
}

// World is every entity the core settles against, keyed by identifier.
// Not thread-safe; only the core goroutine touches it.
type World struct {
	Groups   map[uuid.UUID]*state.Group
	Markets  map[uuid.UUID]*MarketState
	Banks    map[uuid.UUID]*state.Bank
	Oracles  map[uuid.UUID]*state.StubOracle
	Accounts map[uuid.UUID]*AccountEntry
}

func NewWorld() *World {
	return &World{
		Groups:   make(map[uuid.UUID]*state.Group),
		Markets:  make(map[uuid.UUID]*MarketState),
		Banks:    make(map[uuid.UUID]*state.Bank),
		Oracles:  make(map[uuid.UUID]*state.StubOracle),
		Accounts: make(map[uuid.UUID]*AccountEntry),
	}
}

func (w *World) Group(key uuid.UUID) (*state.Group, error) {
	if g, ok := w.Groups[key]; ok {
		return g, nil
	}
	return nil, errors.Wrapf(ErrUnknownGroup, "%s", key)
}

func (w *World) Market(key uuid.UUID) (*MarketState, error) {
	if m, ok := w.Markets[key]; ok {
		return m, nil
	}
	return nil, errors.Wrapf(ErrUnknownMarket, "%s", key)
}

func (w *World) Bank(key uuid.UUID) (*state.Bank, error) {
	if b, ok := w.Banks[key]; ok {
		return b, nil
	}
	return nil, errors.Wrapf(ErrUnknownBank, "%s", key)
}

func (w *World) Oracle(key uuid.UUID) (*state.StubOracle, error) {
	if o, ok := w.Oracles[key]; ok {
		return o, nil
	}
	return nil, errors.Wrapf(ErrUnknownOracle, "%s", key)
}

func (w *World) Account(key uuid.UUID) (*AccountEntry, error) {
	if a, ok := w.Accounts[key]; ok {
		return a, nil
	}
	return nil, errors.Wrapf(ErrUnknownAccount, "%s", key)
}

func (w *World) exists(key uuid.UUID) bool {
	_, g := w.Groups[key]
	_, m := w.Markets[key]
	_, b := w.Banks[key]
	_, o := w.Oracles[key]
	_, a := w.Accounts[key]
	return g || m || b || o || a
}

// Clone deep-copies the whole world. Used for snapshots.
func (w *World) Clone() *World {
	c := NewWorld()
	for k, v := range w.Groups {
		c.Groups[k] = v.Clone()
	}
	for k, v := range w.Markets {
		c.Markets[k] = v.Clone()
	}
	for k, v := range w.Banks {
		c.Banks[k] = v.Clone()
	}
	for k, v := range w.Oracles {
		c.Oracles[k] = v.Clone()
	}
	for k, v := range w.Accounts {
		c.Accounts[k] = v.Clone()
	}
	return c
}

// ============================================================================
// Transactions
// ============================================================================

// Delta holds the entities one call wrote. Committed entities are never
// mutated again (later calls clone before writing), so a Delta may be read
// from other goroutines once the call has committed.
type Delta struct {
	Groups   map[uuid.UUID]*state.Group
	Markets  map[uuid.UUID]*MarketState
	Banks    map[uuid.UUID]*state.Bank
	Oracles  map[uuid.UUID]*state.StubOracle
	Accounts map[uuid.UUID]*AccountEntry
}

func newDelta() *Delta {
	return &Delta{
		Groups:   make(map[uuid.UUID]*state.Group),
		Markets:  make(map[uuid.UUID]*MarketState),
		Banks:    make(map[uuid.UUID]*state.Bank),
		Oracles:  make(map[uuid.UUID]*state.StubOracle),
		Accounts: make(map[uuid.UUID]*AccountEntry),
	}
}

func (d *Delta) Len() int {
	return len(d.Groups) + len(d.Markets) + len(d.Banks) + len(d.Oracles) + len(d.Accounts)
}

// tx stages copies of the entities one call touches. The call mutates only
// the copies; commit swaps them into the world.
type tx struct {
	w *World
	d *Delta
}

func newTx(w *World) *tx {
	return &tx{w: w, d: newDelta()}
}

func (t *tx) group(key uuid.UUID) (*state.Group, error) {
	if g, ok := t.d.Groups[key]; ok {
		return g, nil
	}
	g, err := t.w.Group(key)
	if err != nil {
		return nil, err
	}
	c := g.Clone()
	t.d.Groups[key] = c
	return c, nil
}

func (t *tx) market(key uuid.UUID) (*MarketState, error) {
	if m, ok := t.d.Markets[key]; ok {
		return m, nil
	}
	m, err := t.w.Market(key)
	if err != nil {
		return nil, err
	}
	c := m.Clone()
	t.d.Markets[key] = c
	return c, nil
}

func (t *tx) bank(key uuid.UUID) (*state.Bank, error) {
	if b, ok := t.d.Banks[key]; ok {
		return b, nil
	}
	b, err := t.w.Bank(key)
	if err != nil {
		return nil, err
	}
	c := b.Clone()
	t.d.Banks[key] = c
	return c, nil
}

func (t *tx) oracle(key uuid.UUID) (*state.StubOracle, error) {
	if o, ok := t.d.Oracles[key]; ok {
		return o, nil
	}
	o, err := t.w.Oracle(key)
	if err != nil {
		return nil, err
	}
	c := o.Clone()
	t.d.Oracles[key] = c
	return c, nil
}

func (t *tx) account(key uuid.UUID) (*AccountEntry, error) {
	if a, ok := t.d.Accounts[key]; ok {
		return a, nil
	}
	a, err := t.w.Account(key)
	if err != nil {
		return nil, err
	}
	c := a.Clone()
	t.d.Accounts[key] = c
	return c, nil
}

// exists reports whether key is already taken by any entity kind.
func (t *tx) exists(key uuid.UUID) bool {
	if _, ok := t.d.Groups[key]; ok {
		return true
	}
	if _, ok := t.d.Markets[key]; ok {
		return true
	}
	if _, ok := t.d.Banks[key]; ok {
		return true
	}
	if _, ok := t.d.Oracles[key]; ok {
		return true
	}
	if _, ok := t.d.Accounts[key]; ok {
		return true
	}
	return t.w.exists(key)
}

func (t *tx) insertGroup(g *state.Group) error {
	if t.exists(g.Key) {
		return errors.Wrapf(ErrAlreadyExists, "group %s", g.Key)
	}
	t.d.Groups[g.Key] = g
	return nil
}

func (t *tx) insertMarket(m *MarketState) error {
	if t.exists(m.Market.Key) {
		return errors.Wrapf(ErrAlreadyExists, "perp market %s", m.Market.Key)
	}
	t.d.Markets[m.Market.Key] = m
	return nil
}

func (t *tx) insertBank(b *state.Bank) error {
	if t.exists(b.Key) {
		return errors.Wrapf(ErrAlreadyExists, "bank %s", b.Key)
	}
	t.d.Banks[b.Key] = b
	return nil
}

func (t *tx) insertOracle(o *state.StubOracle) error {
	if t.exists(o.Key) {
		return errors.Wrapf(ErrAlreadyExists, "oracle %s", o.Key)
	}
	t.d.Oracles[o.Key] = o
	return nil
}

func (t *tx) insertAccount(key uuid.UUID, e *AccountEntry) error {
	if t.exists(key) {
		return errors.Wrapf(ErrAlreadyExists, "account %s", key)
	}
	t.d.Accounts[key] = e
	return nil
}

// commit publishes every staged copy and returns them.
func (t *tx) commit() *Delta {
	for k, v := range t.d.Groups {
		t.w.Groups[k] = v
	}
	for k, v := range t.d.Markets {
		t.w.Markets[k] = v
	}
	for k, v := range t.d.Banks {
		t.w.Banks[k] = v
	}
	for k, v := range t.d.Oracles {
		t.w.Oracles[k] = v
	}
	for k, v := range t.d.Accounts {
		t.w.Accounts[k] = v
	}
	return t.d
}

// Digest returns canonical bytes of every entity in the delta, ordered by
// kind and key, for the state hash.
func (d *Delta) Digest() []byte {
	var buf []byte
	buf = appendSorted(buf, 'G', d.Groups, func(g *state.Group) []byte {
		out := append([]byte(nil), g.Key[:]...)
		out = append(out, g.Admin[:]...)
		out = append(out, boolByte(g.Testing))
		return appendUint64LE(out, uint64(g.IxGate))
	})
	buf = appendSorted(buf, 'M', d.Markets, func(m *MarketState) []byte {
		out := m.Market.CanonicalBytes()
		out = appendUint64LE(out, m.Queue.Header.SeqNum)
		out = appendUint64LE(out, uint64(m.Queue.Header.Head)<<32|uint64(m.Queue.Header.Count))
		m.Queue.IterMut(func(_ int, e *event.AnyEvent) bool {
			out = append(out, e[0])
			return true
		})
		out = appendUint64LE(out, m.Book.NextOrderID)
		for _, o := range append(m.Book.Bids.Orders(), m.Book.Asks.Orders()...) {
			out = appendUint64LE(out, o.ID)
			out = appendUint64LE(out, uint64(o.PriceLots))
			out = appendUint64LE(out, uint64(o.Quantity))
		}
		return out
	})
	buf = appendSorted(buf, 'B', d.Banks, (*state.Bank).CanonicalBytes)
	buf = appendSorted(buf, 'O', d.Oracles, (*state.StubOracle).CanonicalBytes)
	buf = appendSorted(buf, 'A', d.Accounts, func(a *AccountEntry) []byte {
		return append(append([]byte(nil), a.Owner[:]...), a.Account.CanonicalBytes()...)
	})
	return buf
}

func appendSorted[V any](buf []byte, tag byte, m map[uuid.UUID]V, enc func(V) []byte) []byte {
	for _, k := range sortedKeys(m) {
		buf = append(buf, tag)
		buf = append(buf, k[:]...)
		buf = append(buf, enc(m[k])...)
	}
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
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

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
