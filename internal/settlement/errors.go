package settlement

import (
	"PerpSettle/internal/book"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/pkg/errors"
)

// Precondition failures. The call is rejected and nothing is applied.
var (
	ErrMarketNotForceClosed       = errors.New("market is not in force-close")
	ErrInvalidBank                = errors.New("bank token does not match the market settle token")
	ErrBaseLotsNotZero            = errors.New("perp position still has base lots")
	ErrOpenOrders                 = errors.New("perp position still has open orders")
	ErrPendingTakerEvents         = errors.New("perp position still has events on event queue")
	ErrPositiveSettlement         = errors.New("can only purge negative quote positions")
	ErrOperationDisabled          = errors.New("operation is disabled")
	ErrAccountFrozen              = errors.New("account is frozen")
	ErrAccountOwnedByWrongProgram = errors.New("account not owned by the settlement program")
	ErrNoAccounts                 = errors.New("no account handles supplied")
	ErrGroupMismatch              = errors.New("entity belongs to another group")
	ErrOracleMismatch             = errors.New("oracle does not match the market")
	ErrUnauthorized               = errors.New("signer is not authorized")
)

// ErrorClass labels an error for metrics and transport mapping.
type ErrorClass string

const (
	ClassNone         ErrorClass = ""
	ClassPrecondition ErrorClass = "precondition"
	ClassInvariant    ErrorClass = "invariant"
	ClassUnknown      ErrorClass = "unknown"
)

var preconditions = []error{
	ErrMarketNotForceClosed,
	ErrInvalidBank,
	ErrBaseLotsNotZero,
	ErrOpenOrders,
	ErrPendingTakerEvents,
	ErrPositiveSettlement,
	ErrOperationDisabled,
	ErrAccountFrozen,
	ErrAccountOwnedByWrongProgram,
	ErrNoAccounts,
	ErrGroupMismatch,
	ErrOracleMismatch,
	ErrUnauthorized,
	state.ErrPerpPositionNotFound,
	state.ErrTokenPositionNotFound,
	book.ErrOrderOwnerMismatch,
}

var invariants = []error{
	state.ErrLotUnderflow,
	state.ErrOrderSlotFree,
	state.ErrOrderSlotOutOfRange,
	state.ErrInUseUnderflow,
	state.ErrNegativeAmount,
	state.ErrNoFreeSlot,
	event.ErrUnknownEventType,
	event.ErrMalformedEvent,
	event.ErrQueueEmpty,
	fpmath.ErrOverflow,
	fpmath.ErrDivideByZero,
}

// Classify sorts err into the precondition or invariant taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return ClassPrecondition
		}
	}
	for _, target := range invariants {
		if errors.Is(err, target) {
			return ClassInvariant
		}
	}
	return ClassUnknown
}

// recoverArithmetic turns a fixed-point panic into the call's error.
func recoverArithmetic(err *error) {
	if r := recover(); r != nil {
		if ae, ok := r.(*fpmath.ArithmeticError); ok {
			*err = errors.Wrap(ae, "settlement arithmetic")
			return
		}
		panic(r)
	}
}
