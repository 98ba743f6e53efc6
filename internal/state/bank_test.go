package state_test

import (
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBank() *state.Bank {
	return state.NewBank(uuid.New(), uuid.New(), "USDC", 0, uuid.New())
}

func TestBank_WithdrawFromDeposits(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{TokenIndex: 0}
	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(100)))

	active, err := b.WithdrawWithoutFee(&pos, fpmath.FromInt64(30), 1_000)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "70", pos.IndexedPosition.String())
	assert.Equal(t, "70", b.IndexedDeposits.String())
	assert.True(t, b.IndexedBorrows.IsZero())
}

func TestBank_WithdrawIntoBorrow(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{TokenIndex: 0}
	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(70)))

	now := uint64(3*86_400 + 500)
	active, err := b.WithdrawWithoutFee(&pos, fpmath.FromInt64(150), now)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "-80", pos.IndexedPosition.String())
	assert.True(t, b.IndexedDeposits.IsZero())
	assert.Equal(t, "80", b.IndexedBorrows.String())
	assert.Equal(t, int64(80), b.NetBorrowsInWindow)
	assert.Equal(t, uint64(3*86_400), b.LastNetBorrowsWindowStartTs)

	// same window accumulates
	_, err = b.WithdrawWithoutFee(&pos, fpmath.FromInt64(5), now+10)
	require.NoError(t, err)
	assert.Equal(t, int64(85), b.NetBorrowsInWindow)
}

func TestBank_WithdrawRoundsAgainstAccount(t *testing.T) {
	b := newTestBank()
	b.DepositIndex = fpmath.MustFromString("1.5")
	pos := state.TokenPosition{TokenIndex: 0}
	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(150)))
	assert.Equal(t, "100", pos.IndexedPosition.String())

	_, err := b.WithdrawWithoutFee(&pos, fpmath.FromInt64(100), 1)
	require.NoError(t, err)

	native := pos.Native(b)
	assert.LessOrEqual(t, native.Cmp(fpmath.FromInt64(50)), 0)
	assert.Equal(t, 1, native.Cmp(fpmath.MustFromString("49.99")))
}

func TestBank_WithdrawDustsRemainder(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{TokenIndex: 0}
	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(10)))

	active, err := b.WithdrawWithoutFee(&pos, fpmath.MustFromString("9.5"), 1)
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, pos.IndexedPosition.IsZero())
	assert.True(t, b.IndexedDeposits.IsZero())
	assert.Equal(t, "0.5", b.Dust.String())
}

func TestBank_WithdrawKeepsRemainderWhileInUse(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{TokenIndex: 0}
	pos.IncrementInUse()
	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(10)))

	active, err := b.WithdrawWithoutFee(&pos, fpmath.MustFromString("9.5"), 1)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "0.5", pos.Native(b).String())
	assert.Equal(t, "0.5", b.IndexedDeposits.String())
	assert.True(t, b.Dust.IsZero())
}

func TestBank_DepositRepaysBorrow(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{TokenIndex: 0}
	_, err := b.WithdrawWithoutFee(&pos, fpmath.FromInt64(20), 1)
	require.NoError(t, err)

	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(5)))
	assert.Equal(t, "-15", pos.IndexedPosition.String())

	require.NoError(t, b.Deposit(&pos, fpmath.FromInt64(25)))
	assert.Equal(t, "10", pos.IndexedPosition.String())
	assert.True(t, b.IndexedBorrows.IsZero())
	assert.Equal(t, "10", b.IndexedDeposits.String())
}

func TestBank_NegativeAmountRejected(t *testing.T) {
	b := newTestBank()
	pos := state.TokenPosition{}
	_, err := b.WithdrawWithoutFee(&pos, fpmath.FromInt64(-1), 1)
	assert.ErrorIs(t, err, state.ErrNegativeAmount)
	assert.ErrorIs(t, b.Deposit(&pos, fpmath.FromInt64(-1)), state.ErrNegativeAmount)
}
