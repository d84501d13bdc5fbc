package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/config"
	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/integrity"
	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/monitor"
	"github.com/openmargin/engine/internal/paper"
	"github.com/openmargin/engine/internal/pnl"
	"github.com/openmargin/engine/internal/statemachine"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/internal/stream"
	"github.com/openmargin/engine/internal/tracker"
	"github.com/openmargin/engine/types"
)

// Engine is the facade and composition root. Every public operation runs
// under its configured timeout and is tracked in the operation table.
type Engine struct {
	cfg *config.Config

	store      *store.Store
	events     *events.EventStore
	ledger     *ledger.Ledger
	machine    *statemachine.Machine
	tracker    *tracker.Tracker
	pnl        *pnl.Engine
	liquidator *monitor.Liquidator
	monitor    *monitor.Monitor
	integrity  *integrity.Service
	paper      *paper.Backend
	hub        *stream.Hub

	ops *opTable

	mu      sync.Mutex
	started bool
	stopped bool
}

// New constructs and wires every component over one persistence gateway.
func New(cfg *config.Config) (*Engine, error) {
	st, err := store.New(cfg.DatabaseURL,
		store.WithRetry(cfg.TransactionRetries, cfg.TransactionBackoff))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	es := events.NewStore(st)
	led := ledger.New(st, ledger.Config{
		MarginCallLevel:  cfg.MarginCallLevel,
		LiquidationLevel: cfg.LiquidationLevel,
		StartingBalance:  cfg.StartingBalance,
		PaperMode:        cfg.PaperTrading,
	})
	machine := statemachine.New(st, es, led, statemachine.Config{
		MaxLeverage: cfg.MaxLeverage,
		CapLeverage: cfg.CapLeverage,
	})
	trk := tracker.New(st, es, machine, led, cfg.CommissionRate)
	liq := monitor.NewLiquidator(st, trk, led,
		cfg.LiquidationLevel, cfg.LiquidationFeePct, cfg.MaxSlippagePercent)
	mon := monitor.New(st, trk, led, machine, liq,
		cfg.MonitoringInterval, cfg.ArchiveRetention)

	e := &Engine{
		cfg:        cfg,
		store:      st,
		events:     es,
		ledger:     led,
		machine:    machine,
		tracker:    trk,
		pnl:        pnl.New(st, es),
		liquidator: liq,
		monitor:    mon,
		integrity:  integrity.New(st, es),
		hub:        stream.NewHub(),
		ops:        newOpTable(cfg.ProgressTracking),
	}
	if cfg.PaperTrading {
		e.paper = paper.New(paper.Config{
			SlippageEnabled: cfg.SlippageEnabled,
			MaxSlippageBps:  cfg.MaxSlippageBps,
			Latency:         cfg.PaperLatency,
			RejectionRate:   cfg.RejectionRate,
		})
	}
	return e, nil
}

// Hub exposes the event stream for the websocket endpoint.
func (e *Engine) Hub() *stream.Hub { return e.hub }

// run executes fn under the given timeout with an operation table entry.
// Deadline expiry maps to ErrTimeout; external cancellation via
// CancelOperation surfaces as a cancelled operation.
func (e *Engine) run(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if e.isStopped() {
		return fmt.Errorf("%w: %s", types.ErrEngineStopped, name)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	op := e.ops.begin(name, cancel)

	err := fn(opCtx)

	status := OpCompleted
	switch {
	case err == nil:
	case errors.Is(opCtx.Err(), context.DeadlineExceeded):
		status = OpTimedOut
		err = fmt.Errorf("%w: %s after %s", types.ErrTimeout, name, time.Since(op.startedAt).Round(time.Millisecond))
	case errors.Is(opCtx.Err(), context.Canceled):
		status = OpCancelled
	default:
		status = OpFailed
	}
	e.ops.finish(op, status, err)
	return err
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Initialize recovers persisted state, runs the startup integrity probe,
// and starts monitoring. Integrity warnings do not fail startup; violations
// do.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	err := e.run(ctx, "initialize", e.cfg.RecoveryTimeout, func(ctx context.Context) error {
		if _, err := e.recoverSystemState(ctx); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}

		report, err := e.integrity.Check(ctx)
		if err != nil {
			return fmt.Errorf("integrity probe: %w", err)
		}
		for _, w := range report.Warnings {
			log.Warn().Str("warning", w).Msg("Startup integrity warning")
		}
		if !report.IsValid {
			return fmt.Errorf("%w: %d violation(s) at startup",
				types.ErrIntegrityViolation, len(report.Violations))
		}

		return e.monitor.Start(ctx)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	log.Info().Bool("paper", e.cfg.PaperTrading).Msg("Engine initialized")
	return nil
}

// Shutdown stops monitoring, cancels queued paper executions, disconnects
// stream subscribers, and waits for in-flight operations to drain within
// the operation timeout.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.monitor.Stop()
	if e.paper != nil {
		e.paper.Shutdown()
	}
	e.hub.Close()

	deadline := time.Now().Add(e.cfg.OperationTimeout)
	for e.ops.ActiveCount() > 0 {
		if time.Now().After(deadline) {
			n := e.ops.ActiveCount()
			log.Warn().Int("in_flight", n).Msg("Shutdown drain timed out")
			return fmt.Errorf("%w: %d operation(s) still in flight", types.ErrTimeout, n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	log.Info().Msg("Engine shut down")
	return nil
}

// CreatePosition accepts a trade signal and creates a PENDING position with
// its margin reservation.
func (e *Engine) CreatePosition(ctx context.Context, signal *types.TradeSignal) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "create_position", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.machine.CreatePosition(ctx, signal)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPosition(pos, types.EventPositionCreated)
	return pos, nil
}

// RecordExecution appends a trade execution record.
func (e *Engine) RecordExecution(ctx context.Context, exec *store.TradeExecution) error {
	return e.run(ctx, "record_execution", e.cfg.OperationTimeout, func(ctx context.Context) error {
		return e.tracker.RecordExecution(ctx, exec)
	})
}

// ProcessPartialFill applies one entry or exit fill to a position.
func (e *Engine) ProcessPartialFill(ctx context.Context, positionID string, fill types.FillData, isEntry bool) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "process_partial_fill", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.tracker.ProcessPartialFill(ctx, positionID, fill, isEntry)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPosition(pos, types.EventPartialFill)
	return pos, nil
}

// ProcessFullFill applies a fill that completes the signalled entry size or
// flattens the position entirely.
func (e *Engine) ProcessFullFill(ctx context.Context, positionID string, fill types.FillData) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "process_full_fill", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.tracker.ProcessFullFill(ctx, positionID, fill)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPosition(pos, types.EventOrderFilled)
	return pos, nil
}

// ClosePosition closes an OPEN position at the given price.
func (e *Engine) ClosePosition(ctx context.Context, req tracker.CloseRequest) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "close_position", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.tracker.ClosePosition(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPosition(pos, types.EventPositionClosed)
	return pos, nil
}

// UpdatePositionPnL marks one position to market.
func (e *Engine) UpdatePositionPnL(ctx context.Context, positionID string, marketPrice decimal.Decimal) (decimal.Decimal, error) {
	var unrealized decimal.Decimal
	err := e.run(ctx, "update_position_pnl", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		unrealized, err = e.pnl.UpdatePositionPnL(ctx, positionID, marketPrice)
		return err
	})
	return unrealized, err
}

// GetPositionMetrics returns the per-position P&L summary.
func (e *Engine) GetPositionMetrics(ctx context.Context, positionID string) (*pnl.Metrics, error) {
	var m *pnl.Metrics
	err := e.run(ctx, "get_position_metrics", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		m, err = e.pnl.GetPositionMetrics(ctx, positionID)
		return err
	})
	return m, err
}

// UpdateSLTPLevels changes a position's stop-loss and take-profit levels
// and re-arms the monitor. Zero clears a level.
func (e *Engine) UpdateSLTPLevels(ctx context.Context, positionID string, stopLoss, takeProfit decimal.Decimal) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "update_sltp_levels", e.cfg.OperationTimeout, func(ctx context.Context) error {
		return e.store.Transact(ctx, func(tx *gorm.DB) error {
			var err error
			pos, err = e.store.GetPositionTx(tx, positionID)
			if err != nil {
				return err
			}
			if pos.Status.Terminal() {
				return fmt.Errorf("%w: SL/TP update on %s position", types.ErrInvalidTransition, pos.Status)
			}

			pos.StopLoss = stopLoss
			pos.TakeProfit = takeProfit
			pos.UpdatedAt = time.Now().UTC()
			if err := tx.Save(pos).Error; err != nil {
				return err
			}

			raw, err := events.Payload{Update: &events.UpdatePayload{
				StopLoss:   &stopLoss,
				TakeProfit: &takeProfit,
			}}.Encode()
			if err != nil {
				return err
			}
			return e.events.Append(tx, &store.PositionEvent{
				PositionID: pos.ID,
				EventType:  types.EventPositionUpdated,
				Payload:    raw,
				CreatedAt:  time.Now().UTC(),
			})
		})
	})
	if err != nil {
		return nil, err
	}
	e.monitor.UpdateLevels(pos)
	e.publishPosition(pos, types.EventPositionUpdated)
	return pos, nil
}

// UpdateMarketPrice marks OPEN positions on the symbol to market and routes
// the tick through the SL/TP trigger rules.
func (e *Engine) UpdateMarketPrice(ctx context.Context, tick types.PriceTick) error {
	return e.run(ctx, "update_market_price", e.cfg.OperationTimeout, func(ctx context.Context) error {
		open, err := e.store.OpenPositionsByPair(ctx, tick.Symbol)
		if err != nil {
			return err
		}
		for i := range open {
			if _, err := e.pnl.UpdatePositionPnL(ctx, open[i].ID, tick.Price); err != nil {
				return err
			}
		}
		return e.monitor.OnTick(ctx, tick)
	})
}

// CheckMarginRequirements evaluates one account's margin level against the
// configured thresholds.
func (e *Engine) CheckMarginRequirements(ctx context.Context, accountID string) (*ledger.MarginCheck, error) {
	var check *ledger.MarginCheck
	err := e.run(ctx, "check_margin_requirements", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		check, err = e.ledger.CheckMarginRequirements(ctx, accountID)
		return err
	})
	return check, err
}

// TriggerLiquidation forces a liquidation pass over one account using the
// monitor's freshest known prices.
func (e *Engine) TriggerLiquidation(ctx context.Context, accountID string) (*monitor.Result, error) {
	var res *monitor.Result
	err := e.run(ctx, "trigger_liquidation", e.cfg.OperationTimeout, func(ctx context.Context) error {
		var err error
		res, err = e.liquidator.LiquidateAccount(ctx, accountID, e.monitor.Prices())
		return err
	})
	return res, err
}

// StartSLTPMonitoring starts the monitoring tick. The margin sweep shares it.
func (e *Engine) StartSLTPMonitoring(ctx context.Context) error {
	return e.run(ctx, "start_sltp_monitoring", e.cfg.OperationTimeout, e.monitor.Start)
}

// StopSLTPMonitoring halts the monitoring tick.
func (e *Engine) StopSLTPMonitoring() {
	e.monitor.Stop()
}

// StartMarginMonitoring starts the shared monitoring tick.
func (e *Engine) StartMarginMonitoring(ctx context.Context) error {
	return e.StartSLTPMonitoring(ctx)
}

// StopMarginMonitoring halts the shared monitoring tick.
func (e *Engine) StopMarginMonitoring() {
	e.StopSLTPMonitoring()
}

// MonitoringRunning reports whether the tick loop is live.
func (e *Engine) MonitoringRunning() bool {
	return e.monitor.Running()
}

// PerformIntegrityCheck runs the full audit suite.
func (e *Engine) PerformIntegrityCheck(ctx context.Context) (*integrity.Report, error) {
	var report *integrity.Report
	err := e.run(ctx, "perform_integrity_check", e.cfg.IntegrityCheckTimeout, func(ctx context.Context) error {
		var err error
		report, err = e.integrity.Check(ctx)
		return err
	})
	return report, err
}

// Position reads

func (e *Engine) GetPosition(ctx context.Context, positionID string) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "get_position", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.store.GetPosition(ctx, positionID)
		return err
	})
	return pos, err
}

func (e *Engine) GetPositionsByStatus(ctx context.Context, status types.PositionStatus) ([]store.Position, error) {
	var out []store.Position
	err := e.run(ctx, "get_positions_by_status", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		out, err = e.store.PositionsByStatus(ctx, status)
		return err
	})
	return out, err
}

func (e *Engine) GetPositionsByAccount(ctx context.Context, accountID string) ([]store.Position, error) {
	var out []store.Position
	err := e.run(ctx, "get_positions_by_account", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		out, err = e.store.PositionsByAccount(ctx, accountID)
		return err
	})
	return out, err
}

func (e *Engine) GetOpenPositionsWithSLTP(ctx context.Context) ([]store.Position, error) {
	var out []store.Position
	err := e.run(ctx, "get_open_positions_with_sltp", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		out, err = e.store.OpenPositionsWithSLTP(ctx)
		return err
	})
	return out, err
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*store.AccountBalance, error) {
	var acct *store.AccountBalance
	err := e.run(ctx, "get_account", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		acct, err = e.store.GetAccount(ctx, accountID)
		return err
	})
	return acct, err
}

// GetPositionEvents returns a position's full event sequence in commit order.
func (e *Engine) GetPositionEvents(ctx context.Context, positionID string) ([]store.PositionEvent, error) {
	var out []store.PositionEvent
	err := e.run(ctx, "get_position_events", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		out, err = e.events.ListByPosition(ctx, positionID)
		return err
	})
	return out, err
}

// ExecutePaperSignal creates a position and fills it through the simulated
// broker. Only available in paper trading mode.
func (e *Engine) ExecutePaperSignal(ctx context.Context, signal *types.TradeSignal) (*store.Position, error) {
	if e.paper == nil {
		return nil, fmt.Errorf("paper trading disabled")
	}

	pos, err := e.CreatePosition(ctx, signal)
	if err != nil {
		return nil, err
	}

	var filled *store.Position
	err = e.run(ctx, "execute_paper_signal", e.cfg.OperationTimeout, func(ctx context.Context) error {
		fill, err := e.paper.Execute(ctx, signal.Side, signal.EntryPrice, pos.SignalSize)
		if err != nil {
			return fmt.Errorf("paper execution: %w", err)
		}
		filled, err = e.tracker.ProcessFullFill(ctx, pos.ID, fill)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPosition(filled, types.EventOrderFilled)
	return filled, nil
}

// Operation table

// GetOperationProgress returns the progress record for an operation id.
func (e *Engine) GetOperationProgress(operationID string) (OperationProgress, bool) {
	return e.ops.Get(operationID)
}

// CancelOperation aborts a running operation.
func (e *Engine) CancelOperation(operationID string) bool {
	return e.ops.Cancel(operationID)
}

// GetTimeoutStatistics returns aggregate operation outcome counters.
func (e *Engine) GetTimeoutStatistics() TimeoutStats {
	return e.ops.Stats()
}

// publishPosition tails a committed mutation to stream subscribers.
func (e *Engine) publishPosition(pos *store.Position, eventType types.EventType) {
	if pos == nil {
		return
	}
	e.hub.Publish("position_event", map[string]any{
		"event_type":  eventType,
		"position_id": pos.ID,
		"account_id":  pos.AccountID,
		"pair":        pos.Pair,
		"status":      pos.Status,
		"size":        pos.Size,
		"realized":    pos.RealizedPnL,
		"unrealized":  pos.UnrealizedPnL,
	})
}
