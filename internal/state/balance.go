// internal/state/balance.go
package state

import (
	"math"

	fpmath "PerpSettle/internal/math"

	"github.com/pkg/errors"
)

// FreeTokenIndex marks an unused token position slot.
const FreeTokenIndex = math.MaxUint16

// TokenPosition is an account's balance in one token, stored in bank-indexed
// units. Positive is a deposit, negative a borrow.
type TokenPosition struct {
	TokenIndex      uint16
	IndexedPosition fpmath.I80F48

	// Perp positions and conditional swaps referencing this token. A position
	// with a nonzero count must not be closed.
	InUseCount uint16
}

func NewFreeTokenPosition() TokenPosition {
	return TokenPosition{TokenIndex: FreeTokenIndex}
}

func (tp *TokenPosition) IsActive() bool {
	return tp.TokenIndex != FreeTokenIndex
}

// Native converts the indexed balance into current native units.
func (tp *TokenPosition) Native(b *Bank) fpmath.I80F48 {
	if tp.IndexedPosition.IsPositive() {
		return tp.IndexedPosition.Mul(b.DepositIndex)
	}
	return tp.IndexedPosition.Mul(b.BorrowIndex)
}

func (tp *TokenPosition) IsInUse() bool {
	return tp.InUseCount > 0
}

func (tp *TokenPosition) IncrementInUse() {
	tp.InUseCount++
}

func (tp *TokenPosition) DecrementInUse() error {
	if tp.InUseCount == 0 {
		return errors.Wrapf(ErrInUseUnderflow, "token %d", tp.TokenIndex)
	}
	tp.InUseCount--
	return nil
}

// CanonicalBytes for deterministic hashing
func (tp *TokenPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 24)

	buf = appendUint16LE(buf, tp.TokenIndex)
	buf = appendFixed(buf, tp.IndexedPosition)
	buf = appendUint16LE(buf, tp.InUseCount)

	return buf
}
