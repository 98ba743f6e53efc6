package settlement

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxConsumeLimit caps the events applied by one ConsumeEvents call no matter
// what the caller asks for.
const MaxConsumeLimit = 8

// ConsumeStats summarizes one ConsumeEvents call.
type ConsumeStats struct {
	// Events applied, in order or out of order. Never exceeds the limit.
	Processed int
	// Slots physically removed from the head, including AlreadyProcessed ones.
	Popped int
	// Out events applied by the out-of-order scan.
	OutOfOrder int
	// Events consumed without effect because their account has a foreign owner.
	Skipped int
	// Set when draining stopped on an account the caller did not supply.
	StoppedOnMissing bool
	Remaining        int
}

// ConsumeEvents drains up to limit events from the queue. The first pass
// applies events in queue order and stops on an account missing from
// handles. The second pass applies Out events owned by handles[0] anywhere in
// the queue, marking them processed in place.
func ConsumeEvents(
	env *Env,
	group *state.Group,
	market *state.PerpMarket,
	queue *event.EventQueue,
	handles []AccountHandle,
	limit int,
) (stats ConsumeStats, err error) {
	defer recoverArithmetic(&err)

	if limit > MaxConsumeLimit {
		limit = MaxConsumeLimit
	}

	for stats.Processed < limit {
		ev := queue.PeekFront()
		if ev == nil {
			break
		}
		if !ev.IsProcessed() {
			res, err := env.processEvent(ev, group, market, handles)
			if err != nil {
				return stats, err
			}
			if res == NotFound {
				stats.StoppedOnMissing = true
				break
			}
			if res == WrongOwner {
				stats.Skipped++
			}
			stats.Processed++
		}
		if _, err := queue.PopFront(); err != nil {
			return stats, err
		}
		stats.Popped++
	}

	if err := env.consumeOutOfOrder(group, market, queue, handles, limit, &stats); err != nil {
		return stats, err
	}

	stats.Remaining = queue.Len()
	env.Log.Debug().
		Uint16("market_index", market.PerpMarketIndex).
		Int("processed", stats.Processed).
		Int("popped", stats.Popped).
		Int("out_of_order", stats.OutOfOrder).
		Int("remaining", stats.Remaining).
		Bool("stopped_on_missing", stats.StoppedOnMissing).
		Msg("consumed events")
	return stats, nil
}

// consumeOutOfOrder resolves pending Out events of the first supplied account
// without waiting for head-of-queue order. Out events of different accounts
// touch disjoint positions so reordering them is safe.
func (e *Env) consumeOutOfOrder(
	group *state.Group,
	market *state.PerpMarket,
	queue *event.EventQueue,
	handles []AccountHandle,
	limit int,
	stats *ConsumeStats,
) error {
	if len(handles) == 0 || stats.Processed >= limit {
		return nil
	}
	first := handles[0]
	if first.Owner != e.ProgramID {
		if group.IsTesting() {
			return nil
		}
		return errors.Wrapf(ErrAccountOwnedByWrongProgram, "first account %s", first.Key)
	}

	var scanErr error
	queue.IterMut(func(_ int, ev *event.AnyEvent) bool {
		if stats.Processed >= limit {
			return false
		}
		if ev.RawType() != event.EventTypeOut || !ev.OwnerMatches(first.Key) {
			return true
		}
		out, err := ev.AsOut()
		if err != nil {
			scanErr = err
			return false
		}
		if err := first.Account.RemovePerpOrder(int(out.OwnerSlot), out.Quantity); err != nil {
			scanErr = errors.Wrapf(err, "out event seq %d", out.SeqNum)
			return false
		}
		ev.MarkProcessed()
		stats.Processed++
		stats.OutOfOrder++
		return true
	})
	return scanErr
}

// processEvent applies one live event. Found means applied, WrongOwner means
// skipped as processed, NotFound means leave it and stop.
func (e *Env) processEvent(
	ev *event.AnyEvent,
	group *state.Group,
	market *state.PerpMarket,
	handles []AccountHandle,
) (LoadResult, error) {
	typ, err := ev.Type()
	if err != nil {
		return NotFound, err
	}

	switch typ {
	case event.EventTypeFill:
		fill, err := ev.AsFill()
		if err != nil {
			return NotFound, err
		}
		return e.processFill(fill, group, market, handles)

	case event.EventTypeOut:
		out, err := ev.AsOut()
		if err != nil {
			return NotFound, err
		}
		owner, res, err := e.loadAccount("owner", out.Owner, handles, group)
		if err != nil || res != Found {
			return res, err
		}
		if err := owner.RemovePerpOrder(int(out.OwnerSlot), out.Quantity); err != nil {
			return NotFound, errors.Wrapf(err, "out event seq %d", out.SeqNum)
		}
		e.Log.Debug().Uint64("seq_num", out.SeqNum).Str("owner", out.Owner.String()).Msg("out applied")
		return Found, nil

	case event.EventTypeLiquidate:
		// record keeping only
		if _, err := ev.AsLiquidate(); err != nil {
			return NotFound, err
		}
		return Found, nil

	default:
		return NotFound, errors.Wrap(event.ErrMalformedEvent, "AlreadyProcessed slot reached dispatch")
	}
}

func (e *Env) processFill(
	fill *event.FillEvent,
	group *state.Group,
	market *state.PerpMarket,
	handles []AccountHandle,
) (LoadResult, error) {
	if fill.Maker == fill.Taker {
		// self trade: one record takes both halves
		account, res, err := e.loadAccount("maker_taker", fill.Maker, handles, group)
		if err != nil || res != Found {
			return res, err
		}
		if err := account.ExecutePerpMaker(market, fill); err != nil {
			return NotFound, errors.Wrapf(err, "fill seq %d maker", fill.SeqNum)
		}
		if err := account.ExecutePerpTaker(market, fill); err != nil {
			return NotFound, errors.Wrapf(err, "fill seq %d taker", fill.SeqNum)
		}
		if err := e.emitPerpBalance(group, fill.Maker, account, market); err != nil {
			return NotFound, err
		}
	} else {
		maker, res, err := e.loadAccount("maker", fill.Maker, handles, group)
		if err != nil || res != Found {
			return res, err
		}
		taker, res, err := e.loadAccount("taker", fill.Taker, handles, group)
		if err != nil || res != Found {
			return res, err
		}
		if err := maker.ExecutePerpMaker(market, fill); err != nil {
			return NotFound, errors.Wrapf(err, "fill seq %d maker", fill.SeqNum)
		}
		if err := taker.ExecutePerpTaker(market, fill); err != nil {
			return NotFound, errors.Wrapf(err, "fill seq %d taker", fill.SeqNum)
		}
		if err := e.emitPerpBalance(group, fill.Maker, maker, market); err != nil {
			return NotFound, err
		}
		if err := e.emitPerpBalance(group, fill.Taker, taker, market); err != nil {
			return NotFound, err
		}
	}
	e.emit(newFillRecord(group.Key, market.PerpMarketIndex, fill))
	e.Log.Debug().
		Uint64("seq_num", fill.SeqNum).
		Str("maker", fill.Maker.String()).
		Str("taker", fill.Taker.String()).
		Int64("price", fill.Price).
		Int64("quantity", fill.Quantity).
		Msg("fill applied")
	return Found, nil
}

func (e *Env) emitPerpBalance(group *state.Group, key uuid.UUID, account *state.Account, market *state.PerpMarket) error {
	pp, err := account.PerpPosition(market.PerpMarketIndex)
	if err != nil {
		return err
	}
	e.emit(newPerpBalanceRecord(group.Key, key, pp, market))
	return nil
}
