// internal/event/types.go
package event

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventSize is the fixed byte size of one queue slot.
const EventSize = 208

// EventType is the tag byte stored first in every slot.
type EventType uint8

const (
	EventTypeFill EventType = iota
	EventTypeOut
	EventTypeLiquidate
	EventTypeAlreadyProcessed
)

var ErrUnknownEventType = errors.New("unknown event type")

func (et EventType) String() string {
	switch et {
	case EventTypeFill:
		return "Fill"
	case EventTypeOut:
		return "Out"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeAlreadyProcessed:
		return "AlreadyProcessed"
	default:
		return "Unknown"
	}
}

// Valid reports whether the tag is one of the known variants.
func (et EventType) Valid() bool {
	return et <= EventTypeAlreadyProcessed
}

// Side of an order or of the taker in a fill
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// Invert returns the opposite side. A fill's maker side is the inverse of its
// taker side.
func (s Side) Invert() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

func (s Side) Valid() bool { return s <= SideAsk }

// FillEvent records one match between a resting maker order and a taker.
// Price and Quantity are in lots.
type FillEvent struct {
	TakerSide          Side
	MakerOut           bool // maker order fully filled, its slot is freed
	MakerSlot          uint8
	Timestamp          uint64
	SeqNum             uint64
	Maker              uuid.UUID
	MakerClientOrderID uint64
	MakerFee           fpmath.I80F48
	MakerTimestamp     uint64
	Taker              uuid.UUID
	TakerClientOrderID uint64
	TakerFee           fpmath.I80F48
	Price              int64
	Quantity           int64
}

// BaseQuoteChange returns the lot changes for the party trading on side:
// a bid gains base and pays quote, an ask the reverse.
func (f *FillEvent) BaseQuoteChange(side Side) (baseChange, quoteChange int64) {
	if side == SideBid {
		return f.Quantity, -f.Price * f.Quantity
	}
	return -f.Quantity, f.Price * f.Quantity
}

// OutEvent removes a resting order's residual quantity from its owner.
type OutEvent struct {
	Side      Side
	OwnerSlot uint8
	Timestamp uint64
	SeqNum    uint64
	Owner     uuid.UUID
	Quantity  int64
}

// LiquidateEvent is informational. Consuming it changes no position.
type LiquidateEvent struct {
	Timestamp uint64
	SeqNum    uint64
	Liqee     uuid.UUID
	Liqor     uuid.UUID
	Price     fpmath.I80F48
	Quantity  int64
}
