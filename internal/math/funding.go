// internal/math/funding.go
package math

// SecondsPerDay is the funding rate period.
const SecondsPerDay = 86_400

// FundingIndexDelta returns how far the cumulative funding index moves over
// elapsed seconds: price * base_lot_size * rate * elapsed / 86400.
// The index is quote native per base lot.
func FundingIndexDelta(
	dailyRate I80F48,
	oraclePrice I80F48, // quote native per base native
	baseLotSize int64,
	elapsed int64, // seconds
) I80F48 {
	if elapsed <= 0 {
		return Zero
	}
	return oraclePrice.
		MulInt64(baseLotSize).
		Mul(dailyRate).
		MulInt64(elapsed).
		Div(FromInt64(SecondsPerDay))
}

// FundingPayment returns what a position owes for the index movement since
// it last settled. Positive means the position pays.
//
//	long:  (long_funding  - long_settled)  * base_lots
//	short: (short_funding - short_settled) * base_lots   (base_lots < 0)
func FundingPayment(cumulative, settled I80F48, baseLots int64) I80F48 {
	if baseLots == 0 {
		return Zero
	}
	return cumulative.Sub(settled).MulInt64(baseLots)
}
