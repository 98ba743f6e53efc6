package state

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Bank is the shared reserve for one token. Balances are stored per account
// as indexed positions; DepositIndex and BorrowIndex convert them to native
// units so interest accrues without touching every account.
type Bank struct {
	Group      uuid.UUID
	Key        uuid.UUID
	Name       string
	TokenIndex uint16
	Oracle     uuid.UUID

	DepositIndex fpmath.I80F48
	BorrowIndex  fpmath.I80F48

	IndexedDeposits fpmath.I80F48
	IndexedBorrows  fpmath.I80F48

	// Sub-unit deposit leftovers collected when a position is zeroed
	Dust fpmath.I80F48

	NetBorrowsWindowSizeTs      uint64
	LastNetBorrowsWindowStartTs uint64
	NetBorrowsInWindow          int64
}

// NewBank returns a bank with both indices at one.
func NewBank(group, key uuid.UUID, name string, tokenIndex uint16, oracle uuid.UUID) *Bank {
	return &Bank{
		Group:                  group,
		Key:                    key,
		Name:                   name,
		TokenIndex:             tokenIndex,
		Oracle:                 oracle,
		DepositIndex:           fpmath.One,
		BorrowIndex:            fpmath.One,
		NetBorrowsWindowSizeTs: 24 * 60 * 60,
	}
}

// Deposit credits a native amount to the position. Used to fund accounts and
// in tests; settlement paths only withdraw.
func (b *Bank) Deposit(pos *TokenPosition, amount fpmath.I80F48) error {
	if amount.IsNegative() {
		return errors.Wrapf(ErrNegativeAmount, "deposit %s", amount)
	}
	native := pos.Native(b)
	if native.IsNegative() {
		if amount.Cmp(native.Neg()) < 0 {
			indexed := amount.Div(b.BorrowIndex)
			b.IndexedBorrows = b.IndexedBorrows.Sub(indexed)
			pos.IndexedPosition = pos.IndexedPosition.Add(indexed)
			return nil
		}
		// borrow fully repaid, the rest is deposited
		b.IndexedBorrows = b.IndexedBorrows.Add(pos.IndexedPosition)
		pos.IndexedPosition = fpmath.Zero
		amount = amount.Add(native)
	}
	indexed := amount.Div(b.DepositIndex)
	b.IndexedDeposits = b.IndexedDeposits.Add(indexed)
	pos.IndexedPosition = pos.IndexedPosition.Add(indexed)
	return nil
}

// WithdrawWithoutFee removes a native amount from the position without a loan
// origination fee. Deposits are used first; a deposit remainder under one
// native unit is swept into Dust unless the position is still in use. Whatever the deposits cannot cover becomes
// a borrow and counts toward the net-borrow window. The result reports
// whether the position still holds a balance.
func (b *Bank) WithdrawWithoutFee(pos *TokenPosition, amount fpmath.I80F48, nowTs uint64) (bool, error) {
	if amount.IsNegative() {
		return false, errors.Wrapf(ErrNegativeAmount, "withdraw %s", amount)
	}

	native := pos.Native(b)
	if native.IsPositive() {
		remaining := native.Sub(amount)
		if !remaining.IsNegative() {
			if remaining.Cmp(fpmath.One) < 0 && !pos.IsInUse() {
				b.Dust = b.Dust.Add(remaining)
				b.IndexedDeposits = b.IndexedDeposits.Sub(pos.IndexedPosition)
				pos.IndexedPosition = fpmath.Zero
				return false, nil
			}
			indexed := amount.DivCeil(b.DepositIndex)
			b.IndexedDeposits = b.IndexedDeposits.Sub(indexed)
			pos.IndexedPosition = pos.IndexedPosition.Sub(indexed)
			return true, nil
		}

		// all deposits go, the rest is borrowed
		b.IndexedDeposits = b.IndexedDeposits.Sub(pos.IndexedPosition)
		pos.IndexedPosition = fpmath.Zero
		amount = amount.Sub(native)
	}

	indexed := amount.DivCeil(b.BorrowIndex)
	b.IndexedBorrows = b.IndexedBorrows.Add(indexed)
	pos.IndexedPosition = pos.IndexedPosition.Sub(indexed)
	b.updateNetBorrows(amount, nowTs)
	return true, nil
}

func (b *Bank) updateNetBorrows(native fpmath.I80F48, nowTs uint64) {
	if b.NetBorrowsWindowSizeTs == 0 {
		return
	}
	inNewWindow := nowTs >= b.LastNetBorrowsWindowStartTs+b.NetBorrowsWindowSizeTs
	if inNewWindow {
		b.NetBorrowsInWindow = 0
		b.LastNetBorrowsWindowStartTs = nowTs - nowTs%b.NetBorrowsWindowSizeTs
	}
	b.NetBorrowsInWindow += native.Ceil().MustToInt64()
}

// NativeDeposits returns total deposits in native units.
func (b *Bank) NativeDeposits() fpmath.I80F48 {
	return b.IndexedDeposits.Mul(b.DepositIndex)
}

// NativeBorrows returns total borrows in native units.
func (b *Bank) NativeBorrows() fpmath.I80F48 {
	return b.IndexedBorrows.Mul(b.BorrowIndex)
}

func (b *Bank) Clone() *Bank {
	c := *b
	return &c
}

// CanonicalBytes for deterministic hashing
func (b *Bank) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, b.Key[:]...)
	buf = appendUint16LE(buf, b.TokenIndex)
	buf = appendFixed(buf, b.DepositIndex)
	buf = appendFixed(buf, b.BorrowIndex)
	buf = appendFixed(buf, b.IndexedDeposits)
	buf = appendFixed(buf, b.IndexedBorrows)
	buf = appendFixed(buf, b.Dust)
	buf = appendInt64LE(buf, int64(b.LastNetBorrowsWindowStartTs))
	buf = appendInt64LE(buf, b.NetBorrowsInWindow)

	return buf
}
