package settlement

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Record is an append-only log entry emitted by a settlement operation.
type Record interface {
	Kind() string
}

// Emitter receives records in emission order.
type Emitter interface {
	Emit(r Record)
}

// RecordBuffer collects records for one call. The host discards it when the
// call fails.
type RecordBuffer struct {
	records []Record
}

func (b *RecordBuffer) Emit(r Record) { b.records = append(b.records, r) }

func (b *RecordBuffer) Records() []Record { return b.records }

func (b *RecordBuffer) Reset() { b.records = nil }

// Discard drops every record.
type Discard struct{}

func (Discard) Emit(Record) {}

type PerpBalanceRecord struct {
	Group               uuid.UUID     `json:"group"`
	Account             uuid.UUID     `json:"account"`
	MarketIndex         uint16        `json:"market_index"`
	BasePositionLots    int64         `json:"base_position_lots"`
	QuotePositionNative fpmath.I80F48 `json:"quote_position_native"`
	LongSettledFunding  fpmath.I80F48 `json:"long_settled_funding"`
	ShortSettledFunding fpmath.I80F48 `json:"short_settled_funding"`
	LongFunding         fpmath.I80F48 `json:"long_funding"`
	ShortFunding        fpmath.I80F48 `json:"short_funding"`
}

func (PerpBalanceRecord) Kind() string { return "perp_balance" }

func newPerpBalanceRecord(group, account uuid.UUID, pp *state.PerpPosition, m *state.PerpMarket) PerpBalanceRecord {
	return PerpBalanceRecord{
		Group:               group,
		Account:             account,
		MarketIndex:         m.PerpMarketIndex,
		BasePositionLots:    pp.BasePositionLots,
		QuotePositionNative: pp.QuotePositionNative,
		LongSettledFunding:  pp.LongSettledFunding,
		ShortSettledFunding: pp.ShortSettledFunding,
		LongFunding:         m.LongFunding,
		ShortFunding:        m.ShortFunding,
	}
}

type FillRecord struct {
	Group              uuid.UUID     `json:"group"`
	MarketIndex        uint16        `json:"market_index"`
	TakerSide          event.Side    `json:"taker_side"`
	MakerSlot          uint8         `json:"maker_slot"`
	MakerOut           bool          `json:"maker_out"`
	Timestamp          uint64        `json:"timestamp"`
	SeqNum             uint64        `json:"seq_num"`
	Maker              uuid.UUID     `json:"maker"`
	MakerClientOrderID uint64        `json:"maker_client_order_id"`
	MakerFee           fpmath.I80F48 `json:"maker_fee"`
	MakerTimestamp     uint64        `json:"maker_timestamp"`
	Taker              uuid.UUID     `json:"taker"`
	TakerClientOrderID uint64        `json:"taker_client_order_id"`
	TakerFee           fpmath.I80F48 `json:"taker_fee"`
	Price              int64         `json:"price"`
	Quantity           int64         `json:"quantity"`
}

func (FillRecord) Kind() string { return "fill" }

func newFillRecord(group uuid.UUID, marketIndex uint16, f *event.FillEvent) FillRecord {
	return FillRecord{
		Group:              group,
		MarketIndex:        marketIndex,
		TakerSide:          f.TakerSide,
		MakerSlot:          f.MakerSlot,
		MakerOut:           f.MakerOut,
		Timestamp:          f.Timestamp,
		SeqNum:             f.SeqNum,
		Maker:              f.Maker,
		MakerClientOrderID: f.MakerClientOrderID,
		MakerFee:           f.MakerFee,
		MakerTimestamp:     f.MakerTimestamp,
		Taker:              f.Taker,
		TakerClientOrderID: f.TakerClientOrderID,
		TakerFee:           f.TakerFee,
		Price:              f.Price,
		Quantity:           f.Quantity,
	}
}

type TokenBalanceRecord struct {
	Group           uuid.UUID     `json:"group"`
	Account         uuid.UUID     `json:"account"`
	TokenIndex      uint16        `json:"token_index"`
	IndexedPosition fpmath.I80F48 `json:"indexed_position"`
	DepositIndex    fpmath.I80F48 `json:"deposit_index"`
	BorrowIndex     fpmath.I80F48 `json:"borrow_index"`
}

func (TokenBalanceRecord) Kind() string { return "token_balance" }

type PurgeSettlementRecord struct {
	Group       uuid.UUID     `json:"group"`
	Account     uuid.UUID     `json:"account"`
	MarketIndex uint16        `json:"market_index"`
	Settlement  fpmath.I80F48 `json:"settlement"`
	Transferred int64         `json:"transferred"`
}

func (PurgeSettlementRecord) Kind() string { return "purge_settlement" }

type DeactivatePerpPositionRecord struct {
	Group                  uuid.UUID     `json:"group"`
	Account                uuid.UUID     `json:"account"`
	MarketIndex            uint16        `json:"market_index"`
	CumulativeLongFunding  fpmath.I80F48 `json:"cumulative_long_funding"`
	CumulativeShortFunding fpmath.I80F48 `json:"cumulative_short_funding"`
	MakerVolume            uint64        `json:"maker_volume"`
	TakerVolume            uint64        `json:"taker_volume"`
	PerpSpotTransfers      int64         `json:"perp_spot_transfers"`
}

func (DeactivatePerpPositionRecord) Kind() string { return "deactivate_perp_position" }

type OrderCancelRecord struct {
	Group       uuid.UUID  `json:"group"`
	Account     uuid.UUID  `json:"account"`
	MarketIndex uint16     `json:"market_index"`
	OrderID     uint64     `json:"order_id"`
	Side        event.Side `json:"side"`
	Quantity    int64      `json:"quantity"`
}

func (OrderCancelRecord) Kind() string { return "order_cancel" }

type ConditionalSwapCancelRecord struct {
	Group   uuid.UUID `json:"group"`
	Account uuid.UUID `json:"account"`
	ID      uint64    `json:"id"`
	Expiry  uint64    `json:"expiry"`
}

func (ConditionalSwapCancelRecord) Kind() string { return "tcs_cancel" }

type StubOracleSetRecord struct {
	Group       uuid.UUID     `json:"group"`
	Oracle      uuid.UUID     `json:"oracle"`
	Price       fpmath.I80F48 `json:"price"`
	LastUpdated int64         `json:"last_updated"`
}

func (StubOracleSetRecord) Kind() string { return "stub_oracle_set" }

type FundingUpdateRecord struct {
	Group        uuid.UUID     `json:"group"`
	MarketIndex  uint16        `json:"market_index"`
	Delta        fpmath.I80F48 `json:"delta"`
	LongFunding  fpmath.I80F48 `json:"long_funding"`
	ShortFunding fpmath.I80F48 `json:"short_funding"`
	Timestamp    uint64        `json:"timestamp"`
}

func (FundingUpdateRecord) Kind() string { return "funding_update" }
