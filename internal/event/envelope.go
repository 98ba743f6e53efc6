package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EngineEvent wraps one slot published by the matching engine for a market.
type EngineEvent struct {
	// Market the slot belongs to
	Market uuid.UUID

	// Engine-assigned sequence, also stored inside the slot
	SeqNum uint64

	// Raw slot bytes
	Slot AnyEvent

	// Time the host received it (NOT used by settlement arithmetic)
	ReceivedAt time.Time
}

// NewEngineEvent validates the slot tag and lifts the sequence number out of it.
func NewEngineEvent(market uuid.UUID, raw []byte, receivedAt time.Time) (*EngineEvent, error) {
	slot, err := FromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &EngineEvent{
		Market:     market,
		SeqNum:     slot.SeqNum(),
		Slot:       slot,
		ReceivedAt: receivedAt,
	}, nil
}

// IdempotencyKey returns the stable dedup key.
func (e *EngineEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.Market, e.SeqNum)
}

// Partition returns the ordering partition for sequence validation.
func (e *EngineEvent) Partition() string {
	return "market:" + e.Market.String()
}

func (e *EngineEvent) Type() EventType {
	return e.Slot.RawType()
}
