package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Core is the slice of *core.Runner the service needs.
type Core interface {
	Submit(ctx context.Context, cmd core.Command) (*core.Result, error)
	Query(ctx context.Context, fn func(c *core.DeterministicCore)) error
}

// ============================================================================
// Messages
// ============================================================================

// CallMeta is optional on every mutating request. A missing call id gets a
// fresh one, so only callers that send their own id get retry dedup.
type CallMeta struct {
	CallID    string `json:"call_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ConsumeEventsRequest struct {
	CallMeta
	Market   uuid.UUID   `json:"market"`
	Accounts []uuid.UUID `json:"accounts"`
	Limit    int         `json:"limit"`
}

type PruneOrdersRequest struct {
	CallMeta
	Market  uuid.UUID `json:"market"`
	Account uuid.UUID `json:"account"`
	Limit   int       `json:"limit"`
}

type PurgePositionRequest struct {
	CallMeta
	Market  uuid.UUID `json:"market"`
	Account uuid.UUID `json:"account"`
	Bank    uuid.UUID `json:"bank"`
}

type PurgeConditionalSwapsRequest struct {
	CallMeta
	Account uuid.UUID `json:"account"`
}

type SetReferencePriceRequest struct {
	CallMeta
	Oracle uuid.UUID       `json:"oracle"`
	Signer uuid.UUID       `json:"signer"`
	Price  decimal.Decimal `json:"price"`
}

// PushEventRequest injects one raw engine slot. The call id is always the
// slot's market:seq key.
type PushEventRequest struct {
	Market uuid.UUID `json:"market"`
	Slot   []byte    `json:"slot"`
}

type RecordView struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type CallResponse struct {
	Sequence  int64        `json:"sequence"`
	StateHash string       `json:"state_hash,omitempty"`
	Duplicate bool         `json:"duplicate"`
	Records   []RecordView `json:"records,omitempty"`

	Processed   int    `json:"processed,omitempty"`
	Popped      int    `json:"popped,omitempty"`
	Remaining   int    `json:"remaining,omitempty"`
	Cancelled   int    `json:"cancelled,omitempty"`
	Transferred int64  `json:"transferred,omitempty"`
	Settlement  string `json:"settlement,omitempty"`
}

type GetQueueRequest struct {
	Market uuid.UUID `json:"market"`
}

type QueueEventView struct {
	Type      string `json:"type"`
	SeqNum    uint64 `json:"seq_num"`
	Processed bool   `json:"processed"`
}

type QueueResponse struct {
	Market      uuid.UUID        `json:"market"`
	Head        uint32           `json:"head"`
	Count       uint32           `json:"count"`
	SeqNum      uint64           `json:"seq_num"`
	Unprocessed int              `json:"unprocessed"`
	ForceClose  bool             `json:"force_close"`
	Events      []QueueEventView `json:"events"`
}

type GetAccountRequest struct {
	Account uuid.UUID `json:"account"`
}

type AccountResponse struct {
	Account      uuid.UUID      `json:"account"`
	StorageOwner uuid.UUID      `json:"storage_owner"`
	State        *state.Account `json:"state"`
}

// ============================================================================
// Service
// ============================================================================

// Service implements perpsettle.v1.Settlement on top of the core runner.
type Service struct {
	core  Core
	clock func() time.Time
	log   zerolog.Logger
}

func NewService(c Core, clock func() time.Time, log zerolog.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{core: c, clock: clock, log: log}
}

func (s *Service) header(m CallMeta) core.CallHeader {
	h := core.CallHeader{CallID: m.CallID, Timestamp: m.Timestamp}
	if h.CallID == "" {
		h.CallID = "api:" + uuid.NewString()
	}
	if h.Timestamp == 0 {
		h.Timestamp = s.clock().UnixMicro()
	}
	return h
}

func (s *Service) submit(ctx context.Context, cmd core.Command) (*core.Result, *CallResponse, error) {
	res, err := s.core.Submit(ctx, cmd)
	if err != nil {
		return nil, nil, toStatus(err)
	}
	resp := &CallResponse{Sequence: res.Sequence, Duplicate: res.Duplicate}
	if res.Duplicate {
		return res, resp, nil
	}
	resp.StateHash = hex.EncodeToString(res.StateHash[:])
	for _, r := range res.Records {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, nil, status.Errorf(codes.Internal, "encode %s record: %v", r.Kind(), err)
		}
		resp.Records = append(resp.Records, RecordView{Kind: r.Kind(), Body: body})
	}
	return res, resp, nil
}

func (s *Service) ConsumeEvents(ctx context.Context, req *ConsumeEventsRequest) (*CallResponse, error) {
	res, resp, err := s.submit(ctx, &core.ConsumeEvents{
		CallHeader: s.header(req.CallMeta),
		Market:     req.Market,
		Accounts:   req.Accounts,
		Limit:      req.Limit,
	})
	if err != nil {
		return nil, err
	}
	if res.Consume != nil {
		resp.Processed = res.Consume.Processed
		resp.Popped = res.Consume.Popped
		resp.Remaining = res.Consume.Remaining
	}
	return resp, nil
}

func (s *Service) PruneOrders(ctx context.Context, req *PruneOrdersRequest) (*CallResponse, error) {
	res, resp, err := s.submit(ctx, &core.PruneOrders{
		CallHeader: s.header(req.CallMeta),
		Market:     req.Market,
		Account:    req.Account,
		Limit:      req.Limit,
	})
	if err != nil {
		return nil, err
	}
	resp.Cancelled = res.Cancelled
	return resp, nil
}

func (s *Service) PurgePosition(ctx context.Context, req *PurgePositionRequest) (*CallResponse, error) {
	res, resp, err := s.submit(ctx, &core.PurgePosition{
		CallHeader: s.header(req.CallMeta),
		Market:     req.Market,
		Account:    req.Account,
		Bank:       req.Bank,
	})
	if err != nil {
		return nil, err
	}
	if res.Purge != nil {
		resp.Transferred = res.Purge.Transferred
		resp.Settlement = res.Purge.Settlement.String()
	}
	return resp, nil
}

func (s *Service) PurgeConditionalSwaps(ctx context.Context, req *PurgeConditionalSwapsRequest) (*CallResponse, error) {
	_, resp, err := s.submit(ctx, &core.PurgeConditionalSwaps{
		CallHeader: s.header(req.CallMeta),
		Account:    req.Account,
	})
	return resp, err
}

func (s *Service) SetReferencePrice(ctx context.Context, req *SetReferencePriceRequest) (*CallResponse, error) {
	price, err := fpmath.FromDecimal(req.Price)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "price: %v", err)
	}
	_, resp, err := s.submit(ctx, &core.SetReferencePrice{
		CallHeader: s.header(req.CallMeta),
		Oracle:     req.Oracle,
		Signer:     req.Signer,
		Price:      price,
	})
	return resp, err
}

func (s *Service) PushEvent(ctx context.Context, req *PushEventRequest) (*CallResponse, error) {
	ev, err := event.NewEngineEvent(req.Market, req.Slot, s.clock())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "slot: %v", err)
	}
	_, resp, err := s.submit(ctx, core.NewPushEvent(ev))
	return resp, err
}

func (s *Service) GetQueue(ctx context.Context, req *GetQueueRequest) (*QueueResponse, error) {
	var (
		resp *QueueResponse
		qerr error
	)
	err := s.core.Query(ctx, func(c *core.DeterministicCore) {
		ms, err := c.World().Market(req.Market)
		if err != nil {
			qerr = err
			return
		}
		q := ms.Queue
		resp = &QueueResponse{
			Market:      req.Market,
			Head:        q.Header.Head,
			Count:       q.Header.Count,
			SeqNum:      q.Header.SeqNum,
			Unprocessed: q.Unprocessed(),
			ForceClose:  ms.Market.ForceClose,
			Events:      make([]QueueEventView, 0, q.Len()),
		}
		for _, e := range q.Live() {
			resp.Events = append(resp.Events, QueueEventView{
				Type:      e.RawType().String(),
				SeqNum:    e.SeqNum(),
				Processed: e.IsProcessed(),
			})
		}
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if qerr != nil {
		return nil, toStatus(qerr)
	}
	return resp, nil
}

// GetAccount returns the committed account. Committed entities are never
// mutated in place, so the pointer is safe to encode off the core goroutine.
func (s *Service) GetAccount(ctx context.Context, req *GetAccountRequest) (*AccountResponse, error) {
	var (
		resp *AccountResponse
		qerr error
	)
	err := s.core.Query(ctx, func(c *core.DeterministicCore) {
		e, err := c.World().Account(req.Account)
		if err != nil {
			qerr = err
			return
		}
		resp = &AccountResponse{Account: req.Account, StorageOwner: e.Owner, State: e.Account}
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if qerr != nil {
		return nil, toStatus(qerr)
	}
	return resp, nil
}
