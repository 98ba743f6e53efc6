package settlement

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// SetStubOracle overwrites the oracle price and stamps it with nowTs.
func SetStubOracle(env *Env, group *state.Group, oracle *state.StubOracle, price fpmath.I80F48, nowTs int64) {
	oracle.Price = price
	oracle.LastUpdated = nowTs
	env.emit(StubOracleSetRecord{
		Group:       group.Key,
		Oracle:      oracle.Key,
		Price:       price,
		LastUpdated: nowTs,
	})
	env.Log.Info().
		Str("oracle", oracle.Key.String()).
		Str("price", price.String()).
		Msg("stub oracle set")
}

// UpdateFunding advances the market's funding indices at the oracle price.
func UpdateFunding(
	env *Env,
	group *state.Group,
	market *state.PerpMarket,
	oracle *state.StubOracle,
	dailyRate fpmath.I80F48,
	nowTs uint64,
) (delta fpmath.I80F48, err error) {
	defer recoverArithmetic(&err)

	delta = market.UpdateFunding(dailyRate, oracle.Price, nowTs)
	env.emit(FundingUpdateRecord{
		Group:        group.Key,
		MarketIndex:  market.PerpMarketIndex,
		Delta:        delta,
		LongFunding:  market.LongFunding,
		ShortFunding: market.ShortFunding,
		Timestamp:    nowTs,
	})
	return delta, nil
}
