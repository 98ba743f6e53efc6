package state

import "github.com/pkg/errors"

var (
	ErrLotUnderflow          = errors.New("lot counter would go negative")
	ErrOrderSlotFree         = errors.New("perp order slot is free")
	ErrOrderSlotOutOfRange   = errors.New("perp order slot out of range")
	ErrPerpPositionNotFound  = errors.New("perp position not found")
	ErrTokenPositionNotFound = errors.New("token position not found")
	ErrNoFreeSlot            = errors.New("no free slot")
	ErrNegativeAmount        = errors.New("amount must not be negative")
	ErrInUseUnderflow        = errors.New("token position in-use count underflow")
)
