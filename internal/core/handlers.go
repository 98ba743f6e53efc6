package core

import (
	"PerpSettle/internal/book"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/settlement"
	"PerpSettle/internal/state"
	"PerpSettle/internal/validate"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Default slot table sizes for RegisterAccount.
const (
	DefaultTokenSlots = 8
	DefaultPerpSlots  = 4
	DefaultOrderSlots = 16
	DefaultSwapSlots  = 4
)

// run dispatches cmd against the staged transaction.
func (c *DeterministicCore) run(t *tx, env *settlement.Env, cmd Command) (res *Result, err error) {
	defer recoverArithmetic(&err)

	nowTs := uint64(cmd.Header().Timestamp / 1_000_000)
	res = &Result{}

	switch cmd := cmd.(type) {
	case *RegisterGroup:
		err = c.handleRegisterGroup(t, cmd)
	case *RegisterMarket:
		err = c.handleRegisterMarket(t, cmd)
	case *RegisterBank:
		err = c.handleRegisterBank(t, cmd)
	case *RegisterOracle:
		err = c.handleRegisterOracle(t, cmd, int64(nowTs))
	case *RegisterAccount:
		err = c.handleRegisterAccount(t, cmd)
	case *TokenDeposit:
		err = c.handleTokenDeposit(t, env, cmd)
	case *PlaceOrder:
		res.OrderID, err = c.handlePlaceOrder(t, cmd, nowTs)
	case *SetForceClose:
		err = c.handleSetForceClose(t, cmd)
	case *CreateConditionalSwap:
		err = c.handleCreateConditionalSwap(t, cmd)
	case *PushEvent:
		err = c.handlePushEvent(t, cmd)
	case *ConsumeEvents:
		var stats settlement.ConsumeStats
		stats, err = c.handleConsumeEvents(t, env, cmd)
		res.Consume = &stats
	case *PruneOrders:
		res.Cancelled, err = c.handlePruneOrders(t, env, cmd)
	case *PurgePosition:
		var pr settlement.PurgeResult
		pr, err = c.handlePurgePosition(t, env, cmd, nowTs)
		res.Purge = &pr
	case *PurgeConditionalSwaps:
		res.Cancelled, err = c.handlePurgeConditionalSwaps(t, env, cmd, nowTs)
	case *SetReferencePrice:
		err = c.handleSetReferencePrice(t, env, cmd, int64(nowTs))
	case *UpdateFunding:
		delta, ferr := c.handleUpdateFunding(t, env, cmd, nowTs)
		res.FundingDelta, err = &delta, ferr
	default:
		err = errors.Wrapf(ErrUnknownCommand, "%T", cmd)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handle resolves an account into the form settlement operations take.
func (t *tx) handle(key uuid.UUID) (settlement.AccountHandle, error) {
	e, err := t.account(key)
	if err != nil {
		return settlement.AccountHandle{}, err
	}
	return settlement.AccountHandle{Key: key, Owner: e.Owner, Account: e.Account}, nil
}

// ============================================================================
// Registry
// ============================================================================

func (c *DeterministicCore) handleRegisterGroup(t *tx, cmd *RegisterGroup) error {
	if cmd.Group == uuid.Nil || cmd.Admin == uuid.Nil {
		return errors.Wrap(ErrInvalidArgument, "group and admin are required")
	}
	return t.insertGroup(&state.Group{
		Key:     cmd.Group,
		Admin:   cmd.Admin,
		Name:    cmd.Name,
		Testing: cmd.Testing,
		IxGate:  cmd.IxGate,
	})
}

func (c *DeterministicCore) handleRegisterMarket(t *tx, cmd *RegisterMarket) error {
	if _, err := t.group(cmd.Group); err != nil {
		return err
	}
	if cmd.BaseLotSize <= 0 || cmd.QuoteLotSize <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "lot sizes %d/%d", cmd.BaseLotSize, cmd.QuoteLotSize)
	}
	if cmd.PerpMarketIndex == state.FreeMarketIndex {
		return errors.Wrapf(ErrInvalidArgument, "perp market index %d is reserved", cmd.PerpMarketIndex)
	}
	for _, ms := range c.world.Markets {
		if ms.Market.Group == cmd.Group && ms.Market.PerpMarketIndex == cmd.PerpMarketIndex {
			return errors.Wrapf(ErrAlreadyExists, "perp market index %d", cmd.PerpMarketIndex)
		}
	}
	return t.insertMarket(&MarketState{
		Market: &state.PerpMarket{
			Group:            cmd.Group,
			Key:              cmd.Market,
			Name:             cmd.Name,
			PerpMarketIndex:  cmd.PerpMarketIndex,
			SettleTokenIndex: cmd.SettleTokenIndex,
			Oracle:           cmd.Oracle,
			BaseLotSize:      cmd.BaseLotSize,
			QuoteLotSize:     cmd.QuoteLotSize,
		},
		Book:  book.NewOrderbook(),
		Queue: &event.EventQueue{},
	})
}

func (c *DeterministicCore) handleRegisterBank(t *tx, cmd *RegisterBank) error {
	if _, err := t.group(cmd.Group); err != nil {
		return err
	}
	if cmd.TokenIndex == state.FreeTokenIndex {
		return errors.Wrapf(ErrInvalidArgument, "token index %d is reserved", cmd.TokenIndex)
	}
	return t.insertBank(state.NewBank(cmd.Group, cmd.Bank, cmd.Name, cmd.TokenIndex, cmd.Oracle))
}

func (c *DeterministicCore) handleRegisterOracle(t *tx, cmd *RegisterOracle, nowTs int64) error {
	if _, err := t.group(cmd.Group); err != nil {
		return err
	}
	return t.insertOracle(&state.StubOracle{
		Group:       cmd.Group,
		Key:         cmd.Oracle,
		Price:       cmd.Price,
		LastUpdated: nowTs,
	})
}

func (c *DeterministicCore) handleRegisterAccount(t *tx, cmd *RegisterAccount) error {
	if _, err := t.group(cmd.Group); err != nil {
		return err
	}
	storageOwner := cmd.StorageOwner
	if storageOwner == uuid.Nil {
		storageOwner = c.validator.Config().ProgramOwner
	}
	account := state.NewAccount(cmd.Group, cmd.Owner, cmd.Name,
		orDefault(cmd.TokenSlots, DefaultTokenSlots),
		orDefault(cmd.PerpSlots, DefaultPerpSlots),
		orDefault(cmd.OrderSlots, DefaultOrderSlots),
		orDefault(cmd.SwapSlots, DefaultSwapSlots),
	)
	return t.insertAccount(cmd.Account, &AccountEntry{Owner: storageOwner, Account: account})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c *DeterministicCore) handleTokenDeposit(t *tx, env *settlement.Env, cmd *TokenDeposit) error {
	if !cmd.Amount.IsPositive() {
		return errors.Wrapf(ErrInvalidArgument, "deposit amount %s", cmd.Amount)
	}
	e, err := t.account(cmd.Account)
	if err != nil {
		return err
	}
	bank, err := t.bank(cmd.Bank)
	if err != nil {
		return err
	}
	group, err := t.group(e.Account.Group)
	if err != nil {
		return err
	}
	if err := validate.InGroup(group, "bank", bank.Group); err != nil {
		return err
	}
	tp, err := e.Account.EnsureTokenPosition(bank.TokenIndex)
	if err != nil {
		return err
	}
	if err := bank.Deposit(tp, cmd.Amount); err != nil {
		return err
	}
	env.Emitter.Emit(settlement.TokenBalanceRecord{
		Group:           bank.Group,
		Account:         cmd.Account,
		TokenIndex:      bank.TokenIndex,
		IndexedPosition: tp.IndexedPosition,
		DepositIndex:    bank.DepositIndex,
		BorrowIndex:     bank.BorrowIndex,
	})
	return nil
}

func (c *DeterministicCore) handlePlaceOrder(t *tx, cmd *PlaceOrder, nowTs uint64) (uint64, error) {
	if !cmd.Side.Valid() {
		return 0, errors.Wrapf(ErrInvalidArgument, "side %d", cmd.Side)
	}
	ms, err := t.market(cmd.Market)
	if err != nil {
		return 0, err
	}
	h, err := t.handle(cmd.Account)
	if err != nil {
		return 0, err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return 0, err
	}
	if err := validate.InGroup(group, "account", h.Account.Group); err != nil {
		return 0, err
	}
	if ms.Market.IsForceClose() {
		return 0, errors.Wrapf(ErrInvalidArgument, "market %d is in force-close", ms.Market.PerpMarketIndex)
	}
	o, err := ms.Book.PlaceRestingOrder(h.Account, h.Key, ms.Market, cmd.Side,
		cmd.PriceLots, cmd.Quantity, cmd.ClientOrderID, nowTs)
	if err != nil {
		if errors.Is(err, book.ErrInvalidOrder) {
			return 0, errors.Wrap(ErrInvalidArgument, err.Error())
		}
		return 0, err
	}
	return o.ID, nil
}

func (c *DeterministicCore) handleSetForceClose(t *tx, cmd *SetForceClose) error {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return err
	}
	if err := validate.Admin(group, cmd.Signer); err != nil {
		return err
	}
	ms.Market.SetForceClose()
	c.log.Warn().
		Str("market", cmd.Market.String()).
		Uint16("market_index", ms.Market.PerpMarketIndex).
		Msg("market set to force-close")
	return nil
}

func (c *DeterministicCore) handleCreateConditionalSwap(t *tx, cmd *CreateConditionalSwap) error {
	e, err := t.account(cmd.Account)
	if err != nil {
		return err
	}
	if cmd.BuyTokenIndex == cmd.SellTokenIndex {
		return errors.Wrapf(ErrInvalidArgument, "swap buys and sells token %d", cmd.BuyTokenIndex)
	}
	_, err = e.Account.AddConditionalSwap(state.TokenConditionalSwap{
		ID:              cmd.ID,
		MaxBuy:          cmd.MaxBuy,
		MaxSell:         cmd.MaxSell,
		ExpiryTimestamp: cmd.ExpiryTimestamp,
		BuyTokenIndex:   cmd.BuyTokenIndex,
		SellTokenIndex:  cmd.SellTokenIndex,
	})
	return err
}

func (c *DeterministicCore) handlePushEvent(t *tx, cmd *PushEvent) error {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return err
	}
	slot, err := event.FromBytes(cmd.Slot)
	if err != nil {
		return err
	}
	if slot.SeqNum() != cmd.SeqNum {
		return errors.Wrapf(ErrInvalidArgument, "slot seq %d, envelope seq %d", slot.SeqNum(), cmd.SeqNum)
	}
	if err := c.mirrorMatch(t, ms, &slot); err != nil {
		return err
	}
	return ms.Queue.PushBack(slot)
}

// mirrorMatch applies what the matching engine did when it produced the slot:
// a filled-out or cancelled maker order leaves the book, and a taker fill
// reserves the taker's pending lots until the event is consumed. Accounts
// the host does not know are left alone.
func (c *DeterministicCore) mirrorMatch(t *tx, ms *MarketState, slot *event.AnyEvent) error {
	switch slot.RawType() {
	case event.EventTypeFill:
		f, err := slot.AsFill()
		if err != nil {
			return err
		}
		if f.MakerOut {
			if err := c.unbookMaker(t, ms, f.Maker, f.TakerSide.Invert(), f.MakerSlot); err != nil {
				return err
			}
		} else if err := c.reduceMaker(t, ms, f); err != nil {
			return err
		}
		if _, ok := c.world.Accounts[f.Taker]; !ok {
			return nil
		}
		taker, err := t.account(f.Taker)
		if err != nil {
			return err
		}
		pp, err := taker.Account.EnsurePerpPosition(ms.Market)
		if err != nil {
			return err
		}
		pp.AddTakerTrade(f.TakerSide, f.Quantity, f.Price*f.Quantity)
	case event.EventTypeOut:
		o, err := slot.AsOut()
		if err != nil {
			return err
		}
		return c.unbookMaker(t, ms, o.Owner, o.Side, o.OwnerSlot)
	}
	return nil
}

func (c *DeterministicCore) unbookMaker(t *tx, ms *MarketState, owner uuid.UUID, side event.Side, slot uint8) error {
	if _, ok := c.world.Accounts[owner]; !ok {
		return nil
	}
	e, err := t.account(owner)
	if err != nil {
		return err
	}
	oo, err := e.Account.PerpOrder(int(slot))
	if err != nil || oo.IsFree() {
		return nil
	}
	ms.Book.Side(side).Remove(oo.ID)
	return nil
}

// reduceMaker shrinks a partially filled maker order so a later cancel
// releases only the lots still reserved on the account.
func (c *DeterministicCore) reduceMaker(t *tx, ms *MarketState, f *event.FillEvent) error {
	if _, ok := c.world.Accounts[f.Maker]; !ok {
		return nil
	}
	e, err := t.account(f.Maker)
	if err != nil {
		return err
	}
	oo, err := e.Account.PerpOrder(int(f.MakerSlot))
	if err != nil || oo.IsFree() {
		return nil
	}
	_, err = ms.Book.Side(f.TakerSide.Invert()).Reduce(oo.ID, f.Quantity)
	switch {
	case errors.Is(err, book.ErrOrderIDNotFound):
		return nil
	case errors.Is(err, book.ErrInvalidOrder):
		return errors.Wrapf(ErrInvalidArgument, "fill seq %d: %s", f.SeqNum, err)
	}
	return err
}

// ============================================================================
// Settlement operations
// ============================================================================

func (c *DeterministicCore) handleConsumeEvents(t *tx, env *settlement.Env, cmd *ConsumeEvents) (settlement.ConsumeStats, error) {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return settlement.ConsumeStats{}, err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return settlement.ConsumeStats{}, err
	}
	handles := make([]settlement.AccountHandle, 0, len(cmd.Accounts))
	for _, key := range cmd.Accounts {
		h, err := t.handle(key)
		if err != nil {
			return settlement.ConsumeStats{}, err
		}
		handles = append(handles, h)
	}
	if err := c.validator.ConsumeEvents(group, ms.Market, handles); err != nil {
		return settlement.ConsumeStats{}, err
	}
	return settlement.ConsumeEvents(env, group, ms.Market, ms.Queue, handles, cmd.Limit)
}

func (c *DeterministicCore) handlePruneOrders(t *tx, env *settlement.Env, cmd *PruneOrders) (int, error) {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return 0, err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return 0, err
	}
	h, err := t.handle(cmd.Account)
	if err != nil {
		return 0, err
	}
	if err := c.validator.PruneOrders(group, ms.Market, h); err != nil {
		return 0, err
	}
	return settlement.PruneOrders(env, group, ms.Market, ms.Book, h, cmd.Limit)
}

func (c *DeterministicCore) handlePurgePosition(t *tx, env *settlement.Env, cmd *PurgePosition, nowTs uint64) (settlement.PurgeResult, error) {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return settlement.PurgeResult{}, err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return settlement.PurgeResult{}, err
	}
	bank, err := t.bank(cmd.Bank)
	if err != nil {
		return settlement.PurgeResult{}, err
	}
	h, err := t.handle(cmd.Account)
	if err != nil {
		return settlement.PurgeResult{}, err
	}
	if err := c.validator.PurgePosition(group, ms.Market, bank, h); err != nil {
		return settlement.PurgeResult{}, err
	}
	return settlement.PurgePosition(env, group, ms.Market, bank, h, nowTs)
}

func (c *DeterministicCore) handlePurgeConditionalSwaps(t *tx, env *settlement.Env, cmd *PurgeConditionalSwaps, nowTs uint64) (int, error) {
	h, err := t.handle(cmd.Account)
	if err != nil {
		return 0, err
	}
	group, err := t.group(h.Account.Group)
	if err != nil {
		return 0, err
	}
	if err := c.validator.PurgeConditionalSwaps(group, h, nowTs); err != nil {
		return 0, err
	}
	return settlement.PurgeConditionalSwaps(env, group, h, nowTs)
}

func (c *DeterministicCore) handleSetReferencePrice(t *tx, env *settlement.Env, cmd *SetReferencePrice, nowTs int64) error {
	oracle, err := t.oracle(cmd.Oracle)
	if err != nil {
		return err
	}
	group, err := t.group(oracle.Group)
	if err != nil {
		return err
	}
	if err := c.validator.SetStubOracle(group, oracle, cmd.Signer); err != nil {
		return err
	}
	settlement.SetStubOracle(env, group, oracle, cmd.Price, nowTs)
	return nil
}

func (c *DeterministicCore) handleUpdateFunding(t *tx, env *settlement.Env, cmd *UpdateFunding, nowTs uint64) (fpmath.I80F48, error) {
	ms, err := t.market(cmd.Market)
	if err != nil {
		return fpmath.Zero, err
	}
	group, err := t.group(ms.Market.Group)
	if err != nil {
		return fpmath.Zero, err
	}
	oracle, err := t.oracle(cmd.Oracle)
	if err != nil {
		return fpmath.Zero, err
	}
	if err := c.validator.UpdateFunding(group, ms.Market, oracle); err != nil {
		return fpmath.Zero, err
	}
	return settlement.UpdateFunding(env, group, ms.Market, oracle, cmd.DailyRate, nowTs)
}
