package state

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// IxGate is a bitmask of disabled operations. A set bit disables.
type IxGate uint64

const (
	IxPerpConsumeEvents IxGate = 1 << iota
	IxPerpPruneOrders
	IxPerpPurgePosition
	IxTokenConditionalSwapCancel
	IxPerpUpdateFunding
	IxStubOracleSet
)

func (g IxGate) String() string {
	switch g {
	case IxPerpConsumeEvents:
		return "PerpConsumeEvents"
	case IxPerpPruneOrders:
		return "PerpPruneOrders"
	case IxPerpPurgePosition:
		return "PerpPurgePosition"
	case IxTokenConditionalSwapCancel:
		return "TokenConditionalSwapCancel"
	case IxPerpUpdateFunding:
		return "PerpUpdateFunding"
	case IxStubOracleSet:
		return "StubOracleSet"
	default:
		return "Unknown"
	}
}

// Group ties markets, banks, oracles and accounts together.
type Group struct {
	Key   uuid.UUID
	Admin uuid.UUID
	Name  string

	// Testing groups skip queue events whose accounts have a foreign owner.
	Testing bool

	IxGate IxGate
}

func (g *Group) IsTesting() bool {
	return g.Testing
}

func (g *Group) IsIxEnabled(ix IxGate) bool {
	return g.IxGate&ix == 0
}

func (g *Group) Clone() *Group {
	c := *g
	return &c
}

// StubOracle is a settable price record used by ops and tests.
type StubOracle struct {
	Group       uuid.UUID
	Key         uuid.UUID
	Price       fpmath.I80F48
	LastUpdated int64
}

func (o *StubOracle) Clone() *StubOracle {
	c := *o
	return &c
}

// CanonicalBytes for deterministic hashing
func (o *StubOracle) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	buf = append(buf, o.Key[:]...)
	buf = appendFixed(buf, o.Price)
	buf = appendInt64LE(buf, o.LastUpdated)

	return buf
}
