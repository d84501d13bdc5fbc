package integrity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// Tolerances: monetary comparisons at 1e-2, size/price at 1e-4.
var (
	epsMoney = decimal.New(1, -2)
	epsSize  = decimal.New(1, -4)
)

// Service audits the persisted state against the event log and the ledger.
// Violations are surfaced, never self-healed.
type Service struct {
	store  *store.Store
	events *events.EventStore
}

// New wires the integrity service.
func New(s *store.Store, es *events.EventStore) *Service {
	return &Service{store: s, events: es}
}

// Violation is one audit finding.
type Violation struct {
	Check  string
	Ref    string // position, account, or event reference
	Detail string
}

// Report is the outcome of a full audit. Warnings do not fail startup;
// violations do.
type Report struct {
	IsValid    bool
	Checked    int
	Violations []Violation
	Warnings   []string
}

func (r *Report) add(check, ref, format string, args ...any) {
	r.IsValid = false
	r.Violations = append(r.Violations, Violation{
		Check:  check,
		Ref:    ref,
		Detail: fmt.Sprintf(format, args...),
	})
}

// Check runs every audit: balance equation, event coverage, orphan
// detection, replay consistency, and ledger reconciliation.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	report := &Report{IsValid: true}

	if err := s.checkBalanceEquation(ctx, report); err != nil {
		return nil, err
	}
	if err := s.checkPositions(ctx, report); err != nil {
		return nil, err
	}
	if err := s.checkOrphanEvents(ctx, report); err != nil {
		return nil, err
	}
	if err := s.checkLedgerReconciliation(ctx, report); err != nil {
		return nil, err
	}

	if report.IsValid {
		log.Info().Int("checked", report.Checked).Msg("Integrity check passed")
	} else {
		log.Error().Int("violations", len(report.Violations)).Msg("Integrity check failed")
	}
	return report, nil
}

// checkBalanceEquation verifies balanceAfter = balanceBefore + amount for
// every ledger event.
func (s *Service) checkBalanceEquation(ctx context.Context, report *Report) error {
	var evs []store.AccountBalanceEvent
	if err := s.store.DB(ctx).Order("id").Find(&evs).Error; err != nil {
		return err
	}
	for i := range evs {
		ev := &evs[i]
		diff := ev.BalanceBefore.Add(ev.Amount).Sub(ev.BalanceAfter).Abs()
		if diff.GreaterThan(epsMoney) {
			report.add("balance_equation", fmt.Sprintf("balance_event:%d", ev.ID),
				"%s + %s != %s (off by %s)",
				ev.BalanceBefore.String(), ev.Amount.String(), ev.BalanceAfter.String(), diff.String())
		}
		report.Checked++
	}
	return nil
}

// checkPositions verifies event coverage and replay consistency for every
// non-archived position.
func (s *Service) checkPositions(ctx context.Context, report *Report) error {
	var positions []store.Position
	if err := s.store.DB(ctx).Find(&positions).Error; err != nil {
		return err
	}

	for i := range positions {
		pos := &positions[i]
		evs, err := s.events.ListByPosition(ctx, pos.ID)
		if err != nil {
			return err
		}
		report.Checked++

		if len(evs) == 0 {
			report.add("event_coverage", pos.ID, "position has no events")
			continue
		}
		if err := events.ValidateSequence(evs); err != nil {
			report.add("event_sequence", pos.ID, "%v", err)
			continue
		}
		s.checkCoverage(pos, evs, report)

		replayed, err := events.Fold(pos.ID, evs)
		if err != nil {
			report.add("replay", pos.ID, "fold failed: %v", err)
			continue
		}
		s.compareReplay(pos, replayed, report)
	}
	return nil
}

func (s *Service) checkCoverage(pos *store.Position, evs []store.PositionEvent, report *Report) {
	var hasOpened, hasTerminal bool
	for i := range evs {
		switch evs[i].EventType {
		case types.EventPositionOpened, types.EventOrderFilled:
			if evs[i].NewStatus == types.StatusOpen {
				hasOpened = true
			}
		case types.EventPositionClosed, types.EventPositionLiquidated:
			hasTerminal = true
		}
	}

	everOpen := pos.Status == types.StatusOpen || pos.OpenedAt != nil
	if everOpen && !hasOpened {
		report.add("event_coverage", pos.ID, "position reached OPEN without an opening event")
	}
	closed := pos.Status == types.StatusClosed || pos.Status == types.StatusLiquidated || pos.ClosedAt != nil
	if closed && !hasTerminal {
		report.add("event_coverage", pos.ID, "position is %s without a terminal closure event", pos.Status)
	}
	if !closed && hasTerminal {
		report.add("event_coverage", pos.ID, "terminal event present but position is %s", pos.Status)
	}
}

func (s *Service) compareReplay(pos, replayed *store.Position, report *Report) {
	if replayed.Status != pos.Status {
		report.add("replay", pos.ID, "replayed status %s != persisted %s", replayed.Status, pos.Status)
	}
	if replayed.Size.Sub(pos.Size).Abs().GreaterThan(epsSize) {
		report.add("replay", pos.ID, "replayed size %s != persisted %s", replayed.Size.String(), pos.Size.String())
	}
	if replayed.AvgEntryPrice.Sub(pos.AvgEntryPrice).Abs().GreaterThan(epsSize) {
		report.add("replay", pos.ID, "replayed avg entry %s != persisted %s",
			replayed.AvgEntryPrice.String(), pos.AvgEntryPrice.String())
	}
	if replayed.RealizedPnL.Sub(pos.RealizedPnL).Abs().GreaterThan(epsMoney) {
		report.add("replay", pos.ID, "replayed realized P&L %s != persisted %s",
			replayed.RealizedPnL.String(), pos.RealizedPnL.String())
	}
}

// checkOrphanEvents verifies that no event references a missing position.
func (s *Service) checkOrphanEvents(ctx context.Context, report *Report) error {
	var orphans []store.PositionEvent
	err := s.store.DB(ctx).
		Where("position_id NOT IN (?)", s.store.DB(ctx).Model(&store.Position{}).Select("id")).
		Find(&orphans).Error
	if err != nil {
		return err
	}
	for i := range orphans {
		report.add("orphan_event", fmt.Sprintf("event:%d", orphans[i].ID),
			"event references missing position %s", orphans[i].PositionID)
	}
	return nil
}

// checkLedgerReconciliation verifies that each account head's marginUsed
// equals the sum over its OPEN positions, and that credited realized P&L
// matches closed positions' realized P&L.
func (s *Service) checkLedgerReconciliation(ctx context.Context, report *Report) error {
	var accounts []store.AccountBalance
	if err := s.store.DB(ctx).Find(&accounts).Error; err != nil {
		return err
	}

	for i := range accounts {
		acct := &accounts[i]
		report.Checked++

		open, err := s.store.OpenPositionsByAccount(ctx, acct.AccountID)
		if err != nil {
			return err
		}
		sumMargin := decimal.Zero
		for j := range open {
			sumMargin = sumMargin.Add(open[j].MarginUsed)
		}
		if sumMargin.Sub(acct.MarginUsed).Abs().GreaterThan(epsMoney) {
			report.add("margin_reconciliation", acct.AccountID,
				"ledger marginUsed %s != open positions total %s",
				acct.MarginUsed.String(), sumMargin.String())
		}

		free := acct.Balance.Sub(acct.MarginUsed)
		if free.Sub(acct.FreeMargin).Abs().GreaterThan(epsMoney) {
			report.add("free_margin", acct.AccountID,
				"freeMargin %s != balance - marginUsed (%s)",
				acct.FreeMargin.String(), free.String())
		}

		if err := s.reconcileRealized(ctx, acct, report); err != nil {
			return err
		}
	}
	return nil
}

// reconcileRealized compares ledger credits against closed positions'
// realized P&L for one account.
func (s *Service) reconcileRealized(ctx context.Context, acct *store.AccountBalance, report *Report) error {
	var credited decimal.Decimal
	row := s.store.DB(ctx).Model(&store.AccountBalanceEvent{}).
		Where("account_id = ? AND reason IN ?", acct.AccountID,
			[]types.BalanceReason{types.ReasonPartialExit, types.ReasonPositionClosed,
				types.ReasonLiquidation, types.ReasonFee}).
		Select("COALESCE(SUM(amount), 0)")
	if err := row.Scan(&credited).Error; err != nil {
		return err
	}

	// Every realized amount, entry fees included, flows through the
	// ledger, so the credit total must match positions' realized P&L
	// across all statuses.
	var positions []store.Position
	if err := s.store.DB(ctx).Where("account_id = ?", acct.AccountID).Find(&positions).Error; err != nil {
		return err
	}
	var realized decimal.Decimal
	for i := range positions {
		realized = realized.Add(positions[i].RealizedPnL)
	}

	if credited.Sub(realized).Abs().GreaterThan(epsMoney) {
		report.add("pnl_reconciliation", acct.AccountID,
			"ledger P&L credits %s != positions realized P&L %s",
			credited.String(), realized.String())
	}
	return nil
}

// ValidateReplay replays one position n times and asserts identical
// reconstructions each round.
func (s *Service) ValidateReplay(ctx context.Context, positionID string, rounds int) error {
	if rounds < 2 {
		rounds = 2
	}
	evs, err := s.events.ListByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return fmt.Errorf("%w: no events for %s", types.ErrPositionNotFound, positionID)
	}

	first, err := events.Fold(positionID, evs)
	if err != nil {
		return err
	}
	for i := 1; i < rounds; i++ {
		next, err := events.Fold(positionID, evs)
		if err != nil {
			return err
		}
		if next.Status != first.Status ||
			!next.Size.Equal(first.Size) ||
			!next.AvgEntryPrice.Equal(first.AvgEntryPrice) ||
			!next.RealizedPnL.Equal(first.RealizedPnL) ||
			!next.UnrealizedPnL.Equal(first.UnrealizedPnL) {
			return fmt.Errorf("%w: replay round %d diverged for %s",
				types.ErrIntegrityViolation, i, positionID)
		}
	}
	return nil
}
