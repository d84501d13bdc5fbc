package monitor

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/pnl"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/internal/tracker"
	"github.com/openmargin/engine/types"
)

// Liquidator force-closes positions on accounts whose margin level breached
// the liquidation threshold: largest loss first until the level recovers.
type Liquidator struct {
	store   *store.Store
	tracker *tracker.Tracker
	ledger  *ledger.Ledger

	liquidationLevel decimal.Decimal
	feePct           decimal.Decimal // percent of notional charged per forced close
	maxSlippagePct   decimal.Decimal
}

// NewLiquidator wires the liquidation engine.
func NewLiquidator(s *store.Store, tr *tracker.Tracker, l *ledger.Ledger, liquidationLevel, feePct, maxSlippagePct decimal.Decimal) *Liquidator {
	return &Liquidator{
		store:            s,
		tracker:          tr,
		ledger:           l,
		liquidationLevel: liquidationLevel,
		feePct:           feePct,
		maxSlippagePct:   maxSlippagePct,
	}
}

// Result reports one account's liquidation pass. Partial success is
// reported, never hidden: every attempted position lands in Closed or
// Failed.
type Result struct {
	AccountID        string
	Triggered        bool
	Closed           []string
	Failed           []string
	MarginLevelAfter decimal.Decimal
}

// Sweep checks every account holding OPEN positions and liquidates the ones
// below the threshold. Prices carries the monitor's last ticks by symbol.
func (l *Liquidator) Sweep(ctx context.Context, prices map[string]decimal.Decimal) error {
	accounts, err := l.store.AccountsWithOpenPositions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, accountID := range accounts {
		if _, err := l.LiquidateAccount(ctx, accountID, prices); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LiquidateAccount evaluates one account and force-closes positions while
// its margin level stays below the liquidation threshold.
func (l *Liquidator) LiquidateAccount(ctx context.Context, accountID string, prices map[string]decimal.Decimal) (*Result, error) {
	check, err := l.ledger.CheckMarginRequirements(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res := &Result{AccountID: accountID, Triggered: check.LiquidationTriggered, MarginLevelAfter: check.MarginLevel}
	if !check.LiquidationTriggered {
		return res, nil
	}

	log.Warn().
		Str("account", accountID).
		Str("margin_level", check.MarginLevel.StringFixed(4)).
		Str("threshold", l.liquidationLevel.StringFixed(4)).
		Msg("Liquidation triggered")

	positions, err := l.store.OpenPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	marked := l.markPositions(positions, prices)

	// Largest loss first.
	sort.Slice(marked, func(i, j int) bool {
		return marked[i].unrealized.LessThan(marked[j].unrealized)
	})

	for _, mp := range marked {
		price := l.exitPrice(mp, prices)
		fee := l.feePct.Div(decimal.NewFromInt(100)).Mul(price).Mul(mp.pos.Size)

		_, err := l.tracker.ClosePosition(ctx, tracker.CloseRequest{
			PositionID:    mp.pos.ID,
			Price:         price,
			ExecutionType: types.ExecLiquidation,
			Fee:           fee,
		})
		if err != nil {
			log.Error().Err(err).Str("position_id", mp.pos.ID).Msg("Forced close failed")
			res.Failed = append(res.Failed, mp.pos.ID)
			continue
		}
		res.Closed = append(res.Closed, mp.pos.ID)

		check, err = l.ledger.CheckMarginRequirements(ctx, accountID)
		if err != nil {
			return res, err
		}
		res.MarginLevelAfter = check.MarginLevel
		if !check.LiquidationTriggered {
			break
		}
	}

	log.Info().
		Str("account", accountID).
		Int("closed", len(res.Closed)).
		Int("failed", len(res.Failed)).
		Str("margin_level", res.MarginLevelAfter.StringFixed(4)).
		Msg("Liquidation pass complete")
	return res, nil
}

type markedPosition struct {
	pos        store.Position
	unrealized decimal.Decimal
}

// markPositions recomputes unrealized P&L from the freshest known price,
// falling back to the persisted mark.
func (l *Liquidator) markPositions(positions []store.Position, prices map[string]decimal.Decimal) []markedPosition {
	out := make([]markedPosition, 0, len(positions))
	for i := range positions {
		u := positions[i].UnrealizedPnL
		if p, ok := prices[positions[i].Pair]; ok {
			u = pnl.Unrealized(&positions[i], p)
		}
		out = append(out, markedPosition{pos: positions[i], unrealized: u})
	}
	return out
}

// exitPrice applies the configured worst-case slippage against the
// position's direction.
func (l *Liquidator) exitPrice(mp markedPosition, prices map[string]decimal.Decimal) decimal.Decimal {
	price, ok := prices[mp.pos.Pair]
	if !ok || price.IsZero() {
		price = mp.pos.AvgEntryPrice
	}
	if l.maxSlippagePct.IsZero() {
		return price
	}
	slip := price.Mul(l.maxSlippagePct).Div(decimal.NewFromInt(100))
	if mp.pos.Side == types.SideBuy {
		return price.Sub(slip)
	}
	return price.Add(slip)
}
