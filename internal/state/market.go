package state

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// PerpMarket is the aggregate configuration and running totals of one perp
// market. Its book and event queue live beside it in the host registry.
type PerpMarket struct {
	Group            uuid.UUID
	Key              uuid.UUID
	Name             string
	PerpMarketIndex  uint16
	SettleTokenIndex uint16
	Oracle           uuid.UUID

	BaseLotSize  int64
	QuoteLotSize int64

	// Cumulative funding per base lot, quote native
	LongFunding        fpmath.I80F48
	ShortFunding       fpmath.I80F48
	FundingLastUpdated uint64

	// Sum of |base_position_lots| over all positions
	OpenInterest int64
	FeesAccrued  fpmath.I80F48

	// One-directional; set only through SetForceClose.
	ForceClose bool
}

func (m *PerpMarket) IsForceClose() bool {
	return m.ForceClose
}

// SetForceClose moves the market into force-close. There is no way back.
func (m *PerpMarket) SetForceClose() {
	m.ForceClose = true
}

// UpdateFunding advances both funding indices from the oracle price and a
// daily rate and returns the index delta. The first call only starts the
// clock; calls at or before the last update change nothing.
func (m *PerpMarket) UpdateFunding(dailyRate, oraclePrice fpmath.I80F48, nowTs uint64) fpmath.I80F48 {
	if nowTs <= m.FundingLastUpdated {
		return fpmath.Zero
	}
	elapsed := int64(nowTs - m.FundingLastUpdated)
	if m.FundingLastUpdated == 0 {
		elapsed = 0
	}
	delta := fpmath.FundingIndexDelta(dailyRate, oraclePrice, m.BaseLotSize, elapsed)
	m.LongFunding = m.LongFunding.Add(delta)
	m.ShortFunding = m.ShortFunding.Add(delta)
	m.FundingLastUpdated = nowTs
	return delta
}

func (m *PerpMarket) Clone() *PerpMarket {
	c := *m
	return &c
}

// CanonicalBytes for deterministic hashing
func (m *PerpMarket) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, m.Key[:]...)
	buf = appendUint16LE(buf, m.PerpMarketIndex)
	buf = appendUint16LE(buf, m.SettleTokenIndex)
	buf = appendInt64LE(buf, m.BaseLotSize)
	buf = appendInt64LE(buf, m.QuoteLotSize)
	buf = appendFixed(buf, m.LongFunding)
	buf = appendFixed(buf, m.ShortFunding)
	buf = appendInt64LE(buf, int64(m.FundingLastUpdated))
	buf = appendInt64LE(buf, m.OpenInterest)
	buf = appendFixed(buf, m.FeesAccrued)
	if m.ForceClose {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}
