package settlement

import (
	"PerpSettle/internal/book"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/pkg/errors"
)

// MaxPruneLimit bounds PruneOrders to the width of the on-wire limit field.
const MaxPruneLimit = 255

// PruneOrders cancels up to limit of the account's resting orders on both
// sides of a force-closed market. Orders already matched away still count
// toward the limit. Returns the number of orders removed from the book.
func PruneOrders(
	env *Env,
	group *state.Group,
	market *state.PerpMarket,
	ob *book.Orderbook,
	handle AccountHandle,
	limit int,
) (n int, err error) {
	defer recoverArithmetic(&err)

	if !market.IsForceClose() {
		return 0, errors.Wrapf(ErrMarketNotForceClosed, "market %d", market.PerpMarketIndex)
	}
	if limit > MaxPruneLimit {
		limit = MaxPruneLimit
	}

	cancelled, err := ob.CancelAllOrders(handle.Account, handle.Key, market, limit, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "prune orders of %s", handle.Key)
	}
	for _, o := range cancelled {
		env.emit(OrderCancelRecord{
			Group:       group.Key,
			Account:     handle.Key,
			MarketIndex: market.PerpMarketIndex,
			OrderID:     o.ID,
			Side:        o.Side,
			Quantity:    o.Quantity,
		})
	}

	env.Log.Info().
		Uint16("market_index", market.PerpMarketIndex).
		Str("account", handle.Key.String()).
		Int("cancelled", len(cancelled)).
		Msg("pruned orders")
	return len(cancelled), nil
}

// PurgeResult describes what PurgePosition settled.
type PurgeResult struct {
	Settlement  fpmath.I80F48
	Transferred int64
	Deactivated state.PerpPosition
}

// PurgePosition closes an emptied perp position in a force-closed market. A
// negative quote balance is settled by withdrawing the truncated amount from
// the account's settle token position without fee; the sub-unit remainder is
// forgiven. A positive balance is refused since there is no payout path.
func PurgePosition(
	env *Env,
	group *state.Group,
	market *state.PerpMarket,
	bank *state.Bank,
	handle AccountHandle,
	nowTs uint64,
) (res PurgeResult, err error) {
	defer recoverArithmetic(&err)

	if !market.IsForceClose() {
		return res, errors.Wrapf(ErrMarketNotForceClosed, "market %d", market.PerpMarketIndex)
	}
	if bank.TokenIndex != market.SettleTokenIndex {
		return res, errors.Wrapf(ErrInvalidBank, "bank token %d, market settles in %d",
			bank.TokenIndex, market.SettleTokenIndex)
	}

	account := handle.Account
	pp, err := account.PerpPosition(market.PerpMarketIndex)
	if err != nil {
		return res, err
	}
	if pp.BasePositionLots != 0 {
		return res, errors.Wrapf(ErrBaseLotsNotZero, "base lots %d", pp.BasePositionLots)
	}
	if pp.HasOpenOrders() {
		return res, errors.Wrapf(ErrOpenOrders, "bids %d asks %d", pp.BidsBaseLots, pp.AsksBaseLots)
	}
	if pp.HasOpenTakerFills() {
		return res, errors.Wrapf(ErrPendingTakerEvents, "taker base %d quote %d",
			pp.TakerBaseLots, pp.TakerQuoteLots)
	}

	pp.SettleFunding(market)
	settlement := pp.QuotePositionNative.Neg()
	res.Settlement = settlement

	if !settlement.IsZero() {
		if !settlement.IsPositive() {
			return res, errors.Wrapf(ErrPositiveSettlement, "quote position %s", pp.QuotePositionNative)
		}

		pp.RecordSettle(settlement.Neg())
		env.emit(newPerpBalanceRecord(group.Key, handle.Key, pp, market))

		transferred := settlement.MustToInt64()
		pp.PerpSpotTransfers += transferred
		account.PerpSpotTransfers += transferred
		res.Transferred = transferred

		tp, err := account.TokenPosition(market.SettleTokenIndex)
		if err != nil {
			return res, err
		}
		if _, err := bank.WithdrawWithoutFee(tp, fpmath.FromInt64(transferred), nowTs); err != nil {
			return res, errors.Wrap(err, "settle purge against bank")
		}

		env.emit(TokenBalanceRecord{
			Group:           group.Key,
			Account:         handle.Key,
			TokenIndex:      market.SettleTokenIndex,
			IndexedPosition: tp.IndexedPosition,
			DepositIndex:    bank.DepositIndex,
			BorrowIndex:     bank.BorrowIndex,
		})
		env.emit(PurgeSettlementRecord{
			Group:       group.Key,
			Account:     handle.Key,
			MarketIndex: market.PerpMarketIndex,
			Settlement:  settlement,
			Transferred: transferred,
		})
	}

	released, err := account.DeactivatePerpPosition(market.PerpMarketIndex, market.SettleTokenIndex)
	if err != nil {
		return res, errors.Wrap(err, "deactivate perp position")
	}
	res.Deactivated = released
	env.emit(DeactivatePerpPositionRecord{
		Group:                  group.Key,
		Account:                handle.Key,
		MarketIndex:            market.PerpMarketIndex,
		CumulativeLongFunding:  released.CumulativeLongFunding,
		CumulativeShortFunding: released.CumulativeShortFunding,
		MakerVolume:            released.MakerVolume,
		TakerVolume:            released.TakerVolume,
		PerpSpotTransfers:      released.PerpSpotTransfers,
	})

	env.Log.Info().
		Uint16("market_index", market.PerpMarketIndex).
		Str("account", handle.Key.String()).
		Str("settlement", settlement.String()).
		Int64("transferred", res.Transferred).
		Msg("purged perp position")
	return res, nil
}

// PurgeConditionalSwaps removes every expired conditional swap from the
// account. Returns how many were removed.
func PurgeConditionalSwaps(env *Env, group *state.Group, handle AccountHandle, nowTs uint64) (n int, err error) {
	account := handle.Account
	for i := range account.TokenConditionalSwaps {
		tcs := account.TokenConditionalSwaps[i]
		if !tcs.IsConfigured || !tcs.IsExpired(nowTs) {
			continue
		}
		if _, err := account.RemoveConditionalSwap(i); err != nil {
			return n, errors.Wrapf(err, "conditional swap %d", tcs.ID)
		}
		env.emit(ConditionalSwapCancelRecord{
			Group:   group.Key,
			Account: handle.Key,
			ID:      tcs.ID,
			Expiry:  tcs.ExpiryTimestamp,
		})
		n++
	}
	if n > 0 {
		env.Log.Info().Str("account", handle.Key.String()).Int("removed", n).Msg("purged expired conditional swaps")
	}
	return n, nil
}
