package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// Ledger owns the account balance heads and the append-only balance event
// log. Every mutation respects the balance equation
// balanceAfter = balanceBefore + amount and keeps
// freeMargin = balance - marginUsed.
type Ledger struct {
	store *store.Store

	marginCallLevel  decimal.Decimal
	liquidationLevel decimal.Decimal
	startingBalance  decimal.Decimal
	paperMode        bool
}

// Config carries the construction-time risk thresholds.
type Config struct {
	MarginCallLevel  decimal.Decimal
	LiquidationLevel decimal.Decimal
	StartingBalance  decimal.Decimal
	PaperMode        bool
}

// New builds the ledger over the persistence gateway.
func New(s *store.Store, cfg Config) *Ledger {
	return &Ledger{
		store:            s,
		marginCallLevel:  cfg.MarginCallLevel,
		liquidationLevel: cfg.LiquidationLevel,
		startingBalance:  cfg.StartingBalance,
		paperMode:        cfg.PaperMode,
	}
}

// EnsureAccountTx loads an account head, creating it with the configured
// starting balance the first time it is seen.
func (l *Ledger) EnsureAccountTx(tx *gorm.DB, accountID string, leverage int) (*store.AccountBalance, error) {
	var acct store.AccountBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, "account_id = ?", accountID).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	acct = store.AccountBalance{
		AccountID:  accountID,
		Equity:     l.startingBalance,
		Balance:    l.startingBalance,
		MarginUsed: decimal.Zero,
		FreeMargin: l.startingBalance,
		Leverage:   leverage,
		IsPaper:    l.paperMode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(&acct).Error; err != nil {
		return nil, err
	}
	log.Info().
		Str("account", accountID).
		Str("balance", l.startingBalance.StringFixed(2)).
		Bool("paper", l.paperMode).
		Msg("Account created")
	return &acct, nil
}

// lockAccount loads the account head with a row lock.
func (l *Ledger) lockAccount(tx *gorm.DB, accountID string) (*store.AccountBalance, error) {
	var acct store.AccountBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrAccountNotFound, accountID)
	}
	return &acct, err
}

// ReserveMarginTx decrements free margin and increments used margin inside
// the caller's transaction. The balance itself does not move; the
// MARGIN_RESERVE event records a zero amount with the margin delta.
func (l *Ledger) ReserveMarginTx(tx *gorm.DB, accountID string, amount decimal.Decimal, positionID string) error {
	acct, err := l.lockAccount(tx, accountID)
	if err != nil {
		return err
	}
	if acct.FreeMargin.LessThan(amount) {
		return fmt.Errorf("%w: free %s < required %s",
			types.ErrInsufficientMargin, acct.FreeMargin.StringFixed(2), amount.StringFixed(2))
	}

	acct.MarginUsed = acct.MarginUsed.Add(amount)
	acct.FreeMargin = acct.Balance.Sub(acct.MarginUsed)
	acct.UpdatedAt = time.Now().UTC()
	if err := tx.Save(acct).Error; err != nil {
		return err
	}
	return l.appendEventTx(tx, acct, decimal.Zero, amount, types.ReasonMarginReserve, &positionID)
}

// ReleaseMarginTx is the symmetric release, emitting MARGIN_RELEASE.
func (l *Ledger) ReleaseMarginTx(tx *gorm.DB, accountID string, amount decimal.Decimal, positionID string) error {
	acct, err := l.lockAccount(tx, accountID)
	if err != nil {
		return err
	}

	acct.MarginUsed = acct.MarginUsed.Sub(amount)
	if acct.MarginUsed.IsNegative() {
		acct.MarginUsed = decimal.Zero
	}
	acct.FreeMargin = acct.Balance.Sub(acct.MarginUsed)
	acct.UpdatedAt = time.Now().UTC()
	if err := tx.Save(acct).Error; err != nil {
		return err
	}
	return l.appendEventTx(tx, acct, decimal.Zero, amount.Neg(), types.ReasonMarginRelease, &positionID)
}

// UpdateAccountBalanceTx applies a signed balance delta and appends the
// matching balance event, all inside the caller's transaction.
func (l *Ledger) UpdateAccountBalanceTx(tx *gorm.DB, accountID string, amount decimal.Decimal, reason types.BalanceReason, positionID *string) error {
	acct, err := l.lockAccount(tx, accountID)
	if err != nil {
		return err
	}

	before := acct.Balance
	acct.Balance = before.Add(amount)
	acct.Equity = acct.Equity.Add(amount)
	acct.FreeMargin = acct.Balance.Sub(acct.MarginUsed)
	acct.UpdatedAt = time.Now().UTC()
	if err := tx.Save(acct).Error; err != nil {
		return err
	}

	ev := &store.AccountBalanceEvent{
		AccountID:     accountID,
		BalanceBefore: before,
		Amount:        amount,
		BalanceAfter:  acct.Balance,
		MarginDelta:   decimal.Zero,
		Reason:        reason,
		PositionID:    positionID,
		CreatedAt:     time.Now().UTC(),
	}
	return tx.Create(ev).Error
}

func (l *Ledger) appendEventTx(tx *gorm.DB, acct *store.AccountBalance, amount, marginDelta decimal.Decimal, reason types.BalanceReason, positionID *string) error {
	ev := &store.AccountBalanceEvent{
		AccountID:     acct.AccountID,
		BalanceBefore: acct.Balance,
		Amount:        amount,
		BalanceAfter:  acct.Balance.Add(amount),
		MarginDelta:   marginDelta,
		Reason:        reason,
		PositionID:    positionID,
		CreatedAt:     time.Now().UTC(),
	}
	return tx.Create(ev).Error
}

// MarginCheck is the result of a margin requirements evaluation.
type MarginCheck struct {
	AccountID            string
	Equity               decimal.Decimal
	Balance              decimal.Decimal
	MarginUsed           decimal.Decimal
	FreeMargin           decimal.Decimal
	MarginLevel          decimal.Decimal // equity / marginUsed; zero when nothing reserved
	MarginCallTriggered  bool
	LiquidationTriggered bool
}

// CheckMarginRequirements recomputes equity as balance plus the unrealized
// P&L of OPEN positions and evaluates the configured thresholds.
func (l *Ledger) CheckMarginRequirements(ctx context.Context, accountID string) (*MarginCheck, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := l.store.OpenPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	unrealized := decimal.Zero
	for i := range positions {
		unrealized = unrealized.Add(positions[i].UnrealizedPnL)
	}

	check := &MarginCheck{
		AccountID:  accountID,
		Equity:     acct.Balance.Add(unrealized),
		Balance:    acct.Balance,
		MarginUsed: acct.MarginUsed,
		FreeMargin: acct.FreeMargin,
	}
	if acct.MarginUsed.IsPositive() {
		check.MarginLevel = check.Equity.DivRound(acct.MarginUsed, 8)
		check.MarginCallTriggered = check.MarginLevel.LessThan(l.marginCallLevel)
		check.LiquidationTriggered = check.MarginLevel.LessThan(l.liquidationLevel)
	}
	return check, nil
}
