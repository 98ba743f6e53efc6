// internal/event/codec.go
package event

import (
	"bytes"
	"encoding/binary"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AnyEvent is one raw queue slot. Byte 0 is the tag; the remaining layout
// depends on it. All integers are little-endian.
//
//	Fill:      1 taker_side, 2 maker_out, 3 maker_slot, 8 timestamp, 16 seq_num,
//	           24 maker, 40 maker_client_order_id, 48 maker_fee, 64 maker_timestamp,
//	           72 taker, 88 taker_client_order_id, 96 taker_fee, 112 price, 120 quantity
//	Out:       1 side, 2 owner_slot, 8 timestamp, 16 seq_num, 24 owner, 40 quantity
//	Liquidate: 8 timestamp, 16 seq_num, 24 liqee, 40 liqor, 56 price, 72 quantity
type AnyEvent [EventSize]byte

var ErrMalformedEvent = errors.New("malformed event")

const (
	offTimestamp = 8
	offSeqNum    = 16
	offOwner     = 24
	ownerPrefix  = 8
)

// Type range-checks the tag byte.
func (e *AnyEvent) Type() (EventType, error) {
	t := EventType(e[0])
	if !t.Valid() {
		return 0, errors.Wrapf(ErrUnknownEventType, "tag %d", e[0])
	}
	return t, nil
}

// RawType returns the tag byte without validation.
func (e *AnyEvent) RawType() EventType { return EventType(e[0]) }

// MarkProcessed flips the tag in place. The slot is reclaimed only when the
// queue head moves past it.
func (e *AnyEvent) MarkProcessed() { e[0] = byte(EventTypeAlreadyProcessed) }

func (e *AnyEvent) IsProcessed() bool { return e[0] == byte(EventTypeAlreadyProcessed) }

func (e *AnyEvent) SeqNum() uint64 { return binary.LittleEndian.Uint64(e[offSeqNum:]) }

func (e *AnyEvent) Timestamp() uint64 { return binary.LittleEndian.Uint64(e[offTimestamp:]) }

// OwnerMatches compares an Out slot's owner with key, checking an 8-byte
// prefix before the full identifier. Callers check the tag first.
func (e *AnyEvent) OwnerMatches(key uuid.UUID) bool {
	if !bytes.Equal(e[offOwner:offOwner+ownerPrefix], key[:ownerPrefix]) {
		return false
	}
	return bytes.Equal(e[offOwner:offOwner+16], key[:])
}

func putUUID(b []byte, id uuid.UUID) { copy(b, id[:]) }

func getUUID(b []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], b[:16])
	return id
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Encode writes the fill into a fresh slot.
func (f *FillEvent) Encode() AnyEvent {
	var e AnyEvent
	le := binary.LittleEndian
	e[0] = byte(EventTypeFill)
	e[1] = byte(f.TakerSide)
	e[2] = boolByte(f.MakerOut)
	e[3] = f.MakerSlot
	le.PutUint64(e[8:], f.Timestamp)
	le.PutUint64(e[16:], f.SeqNum)
	putUUID(e[24:], f.Maker)
	le.PutUint64(e[40:], f.MakerClientOrderID)
	f.MakerFee.PutBytes(e[48:64])
	le.PutUint64(e[64:], f.MakerTimestamp)
	putUUID(e[72:], f.Taker)
	le.PutUint64(e[88:], f.TakerClientOrderID)
	f.TakerFee.PutBytes(e[96:112])
	le.PutUint64(e[112:], uint64(f.Price))
	le.PutUint64(e[120:], uint64(f.Quantity))
	return e
}

func (o *OutEvent) Encode() AnyEvent {
	var e AnyEvent
	le := binary.LittleEndian
	e[0] = byte(EventTypeOut)
	e[1] = byte(o.Side)
	e[2] = o.OwnerSlot
	le.PutUint64(e[8:], o.Timestamp)
	le.PutUint64(e[16:], o.SeqNum)
	putUUID(e[24:], o.Owner)
	le.PutUint64(e[40:], uint64(o.Quantity))
	return e
}

func (l *LiquidateEvent) Encode() AnyEvent {
	var e AnyEvent
	le := binary.LittleEndian
	e[0] = byte(EventTypeLiquidate)
	le.PutUint64(e[8:], l.Timestamp)
	le.PutUint64(e[16:], l.SeqNum)
	putUUID(e[24:], l.Liqee)
	putUUID(e[40:], l.Liqor)
	l.Price.PutBytes(e[56:72])
	le.PutUint64(e[72:], uint64(l.Quantity))
	return e
}

// AsFill decodes a Fill slot.
func (e *AnyEvent) AsFill() (*FillEvent, error) {
	if e.RawType() != EventTypeFill {
		return nil, errors.Wrapf(ErrMalformedEvent, "tag %s is not Fill", e.RawType())
	}
	le := binary.LittleEndian
	f := &FillEvent{
		TakerSide:          Side(e[1]),
		MakerOut:           e[2] == 1,
		MakerSlot:          e[3],
		Timestamp:          le.Uint64(e[8:]),
		SeqNum:             le.Uint64(e[16:]),
		Maker:              getUUID(e[24:]),
		MakerClientOrderID: le.Uint64(e[40:]),
		MakerFee:           fpmath.FromBytes(e[48:64]),
		MakerTimestamp:     le.Uint64(e[64:]),
		Taker:              getUUID(e[72:]),
		TakerClientOrderID: le.Uint64(e[88:]),
		TakerFee:           fpmath.FromBytes(e[96:112]),
		Price:              int64(le.Uint64(e[112:])),
		Quantity:           int64(le.Uint64(e[120:])),
	}
	if !f.TakerSide.Valid() {
		return nil, errors.Wrapf(ErrMalformedEvent, "fill taker side %d", e[1])
	}
	if e[2] > 1 {
		return nil, errors.Wrapf(ErrMalformedEvent, "fill maker_out %d", e[2])
	}
	if f.Quantity < 0 || f.Price < 0 {
		return nil, errors.Wrapf(ErrMalformedEvent, "fill price %d quantity %d", f.Price, f.Quantity)
	}
	return f, nil
}

// AsOut decodes an Out slot.
func (e *AnyEvent) AsOut() (*OutEvent, error) {
	if e.RawType() != EventTypeOut {
		return nil, errors.Wrapf(ErrMalformedEvent, "tag %s is not Out", e.RawType())
	}
	le := binary.LittleEndian
	o := &OutEvent{
		Side:      Side(e[1]),
		OwnerSlot: e[2],
		Timestamp: le.Uint64(e[8:]),
		SeqNum:    le.Uint64(e[16:]),
		Owner:     getUUID(e[24:]),
		Quantity:  int64(le.Uint64(e[40:])),
	}
	if !o.Side.Valid() {
		return nil, errors.Wrapf(ErrMalformedEvent, "out side %d", e[1])
	}
	if o.Quantity < 0 {
		return nil, errors.Wrapf(ErrMalformedEvent, "out quantity %d", o.Quantity)
	}
	return o, nil
}

// AsLiquidate decodes a Liquidate slot.
func (e *AnyEvent) AsLiquidate() (*LiquidateEvent, error) {
	if e.RawType() != EventTypeLiquidate {
		return nil, errors.Wrapf(ErrMalformedEvent, "tag %s is not Liquidate", e.RawType())
	}
	le := binary.LittleEndian
	return &LiquidateEvent{
		Timestamp: le.Uint64(e[8:]),
		SeqNum:    le.Uint64(e[16:]),
		Liqee:     getUUID(e[24:]),
		Liqor:     getUUID(e[40:]),
		Price:     fpmath.FromBytes(e[56:72]),
		Quantity:  int64(le.Uint64(e[72:])),
	}, nil
}

// FromBytes copies a wire slot, validating its length and tag.
func FromBytes(b []byte) (AnyEvent, error) {
	var e AnyEvent
	if len(b) != EventSize {
		return e, errors.Wrapf(ErrMalformedEvent, "slot length %d, want %d", len(b), EventSize)
	}
	copy(e[:], b)
	if _, err := e.Type(); err != nil {
		return e, err
	}
	return e, nil
}
