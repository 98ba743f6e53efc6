package core

import (
	"encoding/json"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Command kinds. The kind string is the persisted discriminator used for
// replay and the NATS crank subject suffix.
const (
	KindRegisterGroup         = "register_group"
	KindRegisterMarket        = "register_market"
	KindRegisterBank          = "register_bank"
	KindRegisterOracle        = "register_oracle"
	KindRegisterAccount       = "register_account"
	KindTokenDeposit          = "token_deposit"
	KindPlaceOrder            = "place_order"
	KindSetForceClose         = "set_force_close"
	KindCreateConditionalSwap = "create_conditional_swap"
	KindPushEvent             = "push_event"
	KindConsumeEvents         = "consume_events"
	KindPruneOrders           = "prune_orders"
	KindPurgePosition         = "purge_position"
	KindPurgeConditionalSwaps = "purge_conditional_swaps"
	KindSetReferencePrice     = "set_reference_price"
	KindUpdateFunding         = "update_funding"
)

var ErrUnknownCommand = errors.New("unknown command kind")

// Command is one call into the core. Timestamp is supplied by the caller;
// the core never reads the wall clock.
type Command interface {
	Kind() string
	Header() *CallHeader
}

// CallHeader is common to every command. CallID deduplicates redelivery.
type CallHeader struct {
	CallID    string `json:"call_id"`
	Timestamp int64  `json:"timestamp"`
}

func (h *CallHeader) Header() *CallHeader { return h }

// ============================================================================
// Registry
// ============================================================================

type RegisterGroup struct {
	CallHeader
	Group   uuid.UUID    `json:"group"`
	Admin   uuid.UUID    `json:"admin"`
	Name    string       `json:"name"`
	Testing bool         `json:"testing"`
	IxGate  state.IxGate `json:"ix_gate"`
}

type RegisterMarket struct {
	CallHeader
	Group            uuid.UUID `json:"group"`
	Market           uuid.UUID `json:"market"`
	Name             string    `json:"name"`
	PerpMarketIndex  uint16    `json:"perp_market_index"`
	SettleTokenIndex uint16    `json:"settle_token_index"`
	Oracle           uuid.UUID `json:"oracle"`
	BaseLotSize      int64     `json:"base_lot_size"`
	QuoteLotSize     int64     `json:"quote_lot_size"`
}

type RegisterBank struct {
	CallHeader
	Group      uuid.UUID `json:"group"`
	Bank       uuid.UUID `json:"bank"`
	Name       string    `json:"name"`
	TokenIndex uint16    `json:"token_index"`
	Oracle     uuid.UUID `json:"oracle"`
}

type RegisterOracle struct {
	CallHeader
	Group  uuid.UUID     `json:"group"`
	Oracle uuid.UUID     `json:"oracle"`
	Price  fpmath.I80F48 `json:"price"`
}

type RegisterAccount struct {
	CallHeader
	Group        uuid.UUID `json:"group"`
	Account      uuid.UUID `json:"account"`
	Owner        uuid.UUID `json:"owner"`
	StorageOwner uuid.UUID `json:"storage_owner"`
	Name         string    `json:"name"`
	TokenSlots   int       `json:"token_slots"`
	PerpSlots    int       `json:"perp_slots"`
	OrderSlots   int       `json:"order_slots"`
	SwapSlots    int       `json:"swap_slots"`
}

type TokenDeposit struct {
	CallHeader
	Account uuid.UUID     `json:"account"`
	Bank    uuid.UUID     `json:"bank"`
	Amount  fpmath.I80F48 `json:"amount"`
}

// PlaceOrder rests an order on the book without matching.
type PlaceOrder struct {
	CallHeader
	Market        uuid.UUID  `json:"market"`
	Account       uuid.UUID  `json:"account"`
	Side          event.Side `json:"side"`
	PriceLots     int64      `json:"price_lots"`
	Quantity      int64      `json:"quantity"`
	ClientOrderID uint64     `json:"client_order_id"`
}

type SetForceClose struct {
	CallHeader
	Market uuid.UUID `json:"market"`
	Signer uuid.UUID `json:"signer"`
}

type CreateConditionalSwap struct {
	CallHeader
	Account         uuid.UUID `json:"account"`
	ID              uint64    `json:"id"`
	BuyTokenIndex   uint16    `json:"buy_token_index"`
	SellTokenIndex  uint16    `json:"sell_token_index"`
	MaxBuy          uint64    `json:"max_buy"`
	MaxSell         uint64    `json:"max_sell"`
	ExpiryTimestamp uint64    `json:"expiry_timestamp"`
}

// PushEvent appends a matching-engine slot to the market's queue.
type PushEvent struct {
	CallHeader
	Market uuid.UUID `json:"market"`
	SeqNum uint64    `json:"seq_num"`
	Slot   []byte    `json:"slot"`
}

// ============================================================================
// Settlement operations
// ============================================================================

type ConsumeEvents struct {
	CallHeader
	Market   uuid.UUID   `json:"market"`
	Accounts []uuid.UUID `json:"accounts"`
	Limit    int         `json:"limit"`
}

type PruneOrders struct {
	CallHeader
	Market  uuid.UUID `json:"market"`
	Account uuid.UUID `json:"account"`
	Limit   int       `json:"limit"`
}

type PurgePosition struct {
	CallHeader
	Market  uuid.UUID `json:"market"`
	Account uuid.UUID `json:"account"`
	Bank    uuid.UUID `json:"bank"`
}

type PurgeConditionalSwaps struct {
	CallHeader
	Account uuid.UUID `json:"account"`
}

type SetReferencePrice struct {
	CallHeader
	Oracle uuid.UUID     `json:"oracle"`
	Signer uuid.UUID     `json:"signer"`
	Price  fpmath.I80F48 `json:"price"`
}

type UpdateFunding struct {
	CallHeader
	Market    uuid.UUID     `json:"market"`
	Oracle    uuid.UUID     `json:"oracle"`
	DailyRate fpmath.I80F48 `json:"daily_rate"`
}

func (*RegisterGroup) Kind() string         { return KindRegisterGroup }
func (*RegisterMarket) Kind() string        { return KindRegisterMarket }
func (*RegisterBank) Kind() string          { return KindRegisterBank }
func (*RegisterOracle) Kind() string        { return KindRegisterOracle }
func (*RegisterAccount) Kind() string       { return KindRegisterAccount }
func (*TokenDeposit) Kind() string          { return KindTokenDeposit }
func (*PlaceOrder) Kind() string            { return KindPlaceOrder }
func (*SetForceClose) Kind() string         { return KindSetForceClose }
func (*CreateConditionalSwap) Kind() string { return KindCreateConditionalSwap }
func (*PushEvent) Kind() string             { return KindPushEvent }
func (*ConsumeEvents) Kind() string         { return KindConsumeEvents }
func (*PruneOrders) Kind() string           { return KindPruneOrders }
func (*PurgePosition) Kind() string         { return KindPurgePosition }
func (*PurgeConditionalSwaps) Kind() string { return KindPurgeConditionalSwaps }
func (*SetReferencePrice) Kind() string     { return KindSetReferencePrice }
func (*UpdateFunding) Kind() string         { return KindUpdateFunding }

// NewPushEvent wraps a matching-engine event for submission.
func NewPushEvent(ev *event.EngineEvent) *PushEvent {
	return &PushEvent{
		CallHeader: CallHeader{CallID: ev.IdempotencyKey(), Timestamp: ev.ReceivedAt.UnixMicro()},
		Market:     ev.Market,
		SeqNum:     ev.SeqNum,
		Slot:       append([]byte(nil), ev.Slot[:]...),
	}
}

// marketOf returns the market a command is partitioned on, if any.
func marketOf(cmd Command) *uuid.UUID {
	var m uuid.UUID
	switch c := cmd.(type) {
	case *RegisterMarket:
		m = c.Market
	case *PlaceOrder:
		m = c.Market
	case *SetForceClose:
		m = c.Market
	case *PushEvent:
		m = c.Market
	case *ConsumeEvents:
		m = c.Market
	case *PruneOrders:
		m = c.Market
	case *PurgePosition:
		m = c.Market
	case *UpdateFunding:
		m = c.Market
	default:
		return nil
	}
	return &m
}

// NewCommand returns an empty command of the given kind.
func NewCommand(kind string) (Command, error) {
	switch kind {
	case KindRegisterGroup:
		return &RegisterGroup{}, nil
	case KindRegisterMarket:
		return &RegisterMarket{}, nil
	case KindRegisterBank:
		return &RegisterBank{}, nil
	case KindRegisterOracle:
		return &RegisterOracle{}, nil
	case KindRegisterAccount:
		return &RegisterAccount{}, nil
	case KindTokenDeposit:
		return &TokenDeposit{}, nil
	case KindPlaceOrder:
		return &PlaceOrder{}, nil
	case KindSetForceClose:
		return &SetForceClose{}, nil
	case KindCreateConditionalSwap:
		return &CreateConditionalSwap{}, nil
	case KindPushEvent:
		return &PushEvent{}, nil
	case KindConsumeEvents:
		return &ConsumeEvents{}, nil
	case KindPruneOrders:
		return &PruneOrders{}, nil
	case KindPurgePosition:
		return &PurgePosition{}, nil
	case KindPurgeConditionalSwaps:
		return &PurgeConditionalSwaps{}, nil
	case KindSetReferencePrice:
		return &SetReferencePrice{}, nil
	case KindUpdateFunding:
		return &UpdateFunding{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", kind)
	}
}

// DecodeCommand parses a JSON command body of the given kind.
func DecodeCommand(kind string, data []byte) (Command, error) {
	cmd, err := NewCommand(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, errors.Wrapf(err, "decode %s", kind)
	}
	return cmd, nil
}
