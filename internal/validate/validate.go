// Package validate holds the precondition checks run before each settlement
// operation. They are kept apart from the algorithms so those can be driven
// without a host account model.
package validate

import (
	"fmt"

	"PerpSettle/internal/settlement"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Config carries the authorities the host was started with.
type Config struct {
	// ProgramOwner must own every account handle outside testing groups.
	ProgramOwner uuid.UUID
}

// Error codes
const (
	CodeGroupMismatch  = "GROUP_MISMATCH"
	CodeOracleMismatch = "ORACLE_MISMATCH"
	CodeInvalidBank    = "INVALID_BANK"
	CodeDisabled       = "OPERATION_DISABLED"
	CodeFrozen         = "ACCOUNT_FROZEN"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeWrongOwner     = "WRONG_OWNER"
	CodeNoAccounts     = "NO_ACCOUNTS"
)

// Error is a failed precondition. It unwraps to the settlement sentinel so
// errors.Is and settlement.Classify work on it.
type Error struct {
	Code  string
	Field string
	Msg   string
	err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

func newError(code, field string, sentinel error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Field: field, Msg: fmt.Sprintf(format, args...), err: sentinel}
}

// Validator runs the checks against one Config.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

func (v *Validator) Config() Config { return v.cfg }

// InGroup checks that an entity's group field matches.
func InGroup(group *state.Group, field string, entityGroup uuid.UUID) error {
	if entityGroup != group.Key {
		return newError(CodeGroupMismatch, field, settlement.ErrGroupMismatch,
			"group %s, expected %s", entityGroup, group.Key)
	}
	return nil
}

// Enabled checks the group's operation gate.
func Enabled(group *state.Group, ix state.IxGate) error {
	if !group.IsIxEnabled(ix) {
		return newError(CodeDisabled, "group", settlement.ErrOperationDisabled, "%s disabled", ix)
	}
	return nil
}

// Operational checks the account is not frozen at nowTs.
func Operational(field string, account *state.Account, nowTs uint64) error {
	if !account.IsOperational(nowTs) {
		return newError(CodeFrozen, field, settlement.ErrAccountFrozen,
			"frozen until %d", account.FrozenUntil)
	}
	return nil
}

// SettleBank checks the bank is the market's settle token bank.
func SettleBank(market *state.PerpMarket, bank *state.Bank) error {
	if bank.TokenIndex != market.SettleTokenIndex {
		return newError(CodeInvalidBank, "settle_bank", settlement.ErrInvalidBank,
			"token %d, market settles in %d", bank.TokenIndex, market.SettleTokenIndex)
	}
	return nil
}

// MarketOracle checks the oracle is the one the market prices from.
func MarketOracle(market *state.PerpMarket, oracle *state.StubOracle) error {
	if oracle.Key != market.Oracle {
		return newError(CodeOracleMismatch, "oracle", settlement.ErrOracleMismatch,
			"oracle %s, market uses %s", oracle.Key, market.Oracle)
	}
	return nil
}

// Admin checks signer is the group admin.
func Admin(group *state.Group, signer uuid.UUID) error {
	if signer != group.Admin {
		return newError(CodeUnauthorized, "admin", settlement.ErrUnauthorized, "%s is not the group admin", signer)
	}
	return nil
}

// Owned checks the handle is held by the program authority.
func (v *Validator) Owned(field string, h settlement.AccountHandle) error {
	if h.Owner != v.cfg.ProgramOwner {
		return newError(CodeWrongOwner, field, settlement.ErrAccountOwnedByWrongProgram,
			"account %s owned by %s", h.Key, h.Owner)
	}
	return nil
}

// ============================================================================
// Per-operation bundles
// ============================================================================

// ConsumeEvents checks the market and every supplied handle. Ownership is
// left to the event loop since testing groups skip foreign accounts.
func (v *Validator) ConsumeEvents(group *state.Group, market *state.PerpMarket, handles []settlement.AccountHandle) error {
	if err := Enabled(group, state.IxPerpConsumeEvents); err != nil {
		return err
	}
	if err := InGroup(group, "perp_market", market.Group); err != nil {
		return err
	}
	if len(handles) == 0 {
		return newError(CodeNoAccounts, "accounts", settlement.ErrNoAccounts, "at least one account is required")
	}
	for i, h := range handles {
		if err := InGroup(group, fmt.Sprintf("accounts[%d]", i), h.Account.Group); err != nil {
			return err
		}
	}
	return nil
}

// PruneOrders checks the account can be written.
func (v *Validator) PruneOrders(group *state.Group, market *state.PerpMarket, h settlement.AccountHandle) error {
	if err := Enabled(group, state.IxPerpPruneOrders); err != nil {
		return err
	}
	if err := InGroup(group, "perp_market", market.Group); err != nil {
		return err
	}
	if err := InGroup(group, "account", h.Account.Group); err != nil {
		return err
	}
	return v.Owned("account", h)
}

// PurgePosition also requires the settle bank.
func (v *Validator) PurgePosition(group *state.Group, market *state.PerpMarket, bank *state.Bank, h settlement.AccountHandle) error {
	if err := Enabled(group, state.IxPerpPurgePosition); err != nil {
		return err
	}
	for _, c := range []struct {
		field string
		key   uuid.UUID
	}{
		{"perp_market", market.Group},
		{"settle_bank", bank.Group},
		{"account", h.Account.Group},
	} {
		if err := InGroup(group, c.field, c.key); err != nil {
			return err
		}
	}
	if err := SettleBank(market, bank); err != nil {
		return err
	}
	return v.Owned("account", h)
}

// PurgeConditionalSwaps requires the account to be operational.
func (v *Validator) PurgeConditionalSwaps(group *state.Group, h settlement.AccountHandle, nowTs uint64) error {
	if err := Enabled(group, state.IxTokenConditionalSwapCancel); err != nil {
		return err
	}
	if err := InGroup(group, "account", h.Account.Group); err != nil {
		return err
	}
	if err := Operational("account", h.Account, nowTs); err != nil {
		return err
	}
	return v.Owned("account", h)
}

// SetStubOracle requires the group admin.
func (v *Validator) SetStubOracle(group *state.Group, oracle *state.StubOracle, signer uuid.UUID) error {
	if err := Enabled(group, state.IxStubOracleSet); err != nil {
		return err
	}
	if err := InGroup(group, "oracle", oracle.Group); err != nil {
		return err
	}
	return Admin(group, signer)
}

// UpdateFunding requires the market's own oracle.
func (v *Validator) UpdateFunding(group *state.Group, market *state.PerpMarket, oracle *state.StubOracle) error {
	if err := Enabled(group, state.IxPerpUpdateFunding); err != nil {
		return err
	}
	if err := InGroup(group, "perp_market", market.Group); err != nil {
		return err
	}
	return MarketOracle(market, oracle)
}
