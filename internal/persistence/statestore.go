package persistence

import (
	"encoding/binary"
	"sync"

	"PerpSettle/internal/core"
	"PerpSettle/internal/state"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Entity key prefixes in the state store.
const (
	prefixGroup   = "g/"
	prefixMarket  = "m/"
	prefixBank    = "b/"
	prefixOracle  = "o/"
	prefixAccount = "a/"
)

var (
	keySequence  = []byte("meta/sequence")
	keyStateHash = []byte("meta/state_hash")

	ErrStateNotFound = errors.New("state store: not found")
)

// StateStore keeps the latest committed version of every entity in pebble,
// msgpack-encoded. Each call's delta lands in one atomic batch together with
// the call sequence and state hash.
type StateStore struct {
	db *pebble.DB
	mu sync.Mutex
}

func OpenStateStore(dir string) (*StateStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

func entityKey(prefix string, id uuid.UUID) []byte {
	return append([]byte(prefix), id[:]...)
}

// Apply writes every entity in d. sync=false leaves durability to the
// settle log, which is the source of truth.
func (s *StateStore) Apply(sequence int64, stateHash [32]byte, d *core.Delta, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	put := func(key []byte, v interface{}) error {
		data, err := msgpack.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "encode %s", key[:2])
		}
		return b.Set(key, data, nil)
	}

	for id, g := range d.Groups {
		if err := put(entityKey(prefixGroup, id), g); err != nil {
			return err
		}
	}
	for id, ms := range d.Markets {
		if err := put(entityKey(prefixMarket, id), core.NewMarketImage(ms)); err != nil {
			return err
		}
	}
	for id, bank := range d.Banks {
		if err := put(entityKey(prefixBank, id), bank); err != nil {
			return err
		}
	}
	for id, o := range d.Oracles {
		if err := put(entityKey(prefixOracle, id), o); err != nil {
			return err
		}
	}
	for id, e := range d.Accounts {
		img := &core.AccountImage{Key: id, Owner: e.Owner, Account: e.Account}
		if err := put(entityKey(prefixAccount, id), img); err != nil {
			return err
		}
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	if err := b.Set(keySequence, seq[:], nil); err != nil {
		return err
	}
	if err := b.Set(keyStateHash, stateHash[:], nil); err != nil {
		return err
	}

	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return errors.Wrap(b.Commit(opts), "commit state batch")
}

// Sequence returns the last applied call sequence and its state hash.
func (s *StateStore) Sequence() (int64, [32]byte, error) {
	var hash [32]byte
	seq, err := s.get(keySequence)
	if err != nil {
		return -1, hash, err
	}
	if len(seq) != 8 {
		return -1, hash, errors.Errorf("state store: sequence is %d bytes", len(seq))
	}
	h, err := s.get(keyStateHash)
	if err != nil {
		return -1, hash, err
	}
	copy(hash[:], h)
	return int64(binary.BigEndian.Uint64(seq)), hash, nil
}

func (s *StateStore) Account(id uuid.UUID) (*core.AccountImage, error) {
	var img core.AccountImage
	if err := s.decode(entityKey(prefixAccount, id), &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *StateStore) Market(id uuid.UUID) (*core.MarketImage, error) {
	var img core.MarketImage
	if err := s.decode(entityKey(prefixMarket, id), &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Image reads every stored entity back in key order.
func (s *StateStore) Image() (*core.WorldImage, error) {
	img := &core.WorldImage{}
	err := s.scan(prefixGroup, func(v []byte) error {
		var g state.Group
		img.Groups = append(img.Groups, &g)
		return msgpack.Unmarshal(v, &g)
	})
	if err == nil {
		err = s.scan(prefixMarket, func(v []byte) error {
			var m core.MarketImage
			img.Markets = append(img.Markets, &m)
			return msgpack.Unmarshal(v, &m)
		})
	}
	if err == nil {
		err = s.scan(prefixBank, func(v []byte) error {
			var b state.Bank
			img.Banks = append(img.Banks, &b)
			return msgpack.Unmarshal(v, &b)
		})
	}
	if err == nil {
		err = s.scan(prefixOracle, func(v []byte) error {
			var o state.StubOracle
			img.Oracles = append(img.Oracles, &o)
			return msgpack.Unmarshal(v, &o)
		})
	}
	if err == nil {
		err = s.scan(prefixAccount, func(v []byte) error {
			var a core.AccountImage
			img.Accounts = append(img.Accounts, &a)
			return msgpack.Unmarshal(v, &a)
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state image")
	}
	return img, nil
}

func (s *StateStore) scan(prefix string, fn func(v []byte) error) error {
	lower := []byte(prefix)
	upper := append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return errors.Wrapf(err, "decode %x", iter.Key())
		}
	}
	return iter.Error()
}

func (s *StateStore) decode(key []byte, out interface{}) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, out)
}

// get copies the value; pebble's slice is only valid until the closer runs.
func (s *StateStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}
