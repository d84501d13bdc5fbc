package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/internal/events"
	"github.com/openmargin/engine/internal/ledger"
	"github.com/openmargin/engine/internal/statemachine"
	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/internal/tracker"
	"github.com/openmargin/engine/types"
)

// watchEntry is one armed position in the routing index.
type watchEntry struct {
	positionID string
	accountID  string
	side       types.Side
	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
}

// Monitor routes market prices to armed positions and executes idempotent
// SL/TP closures. It also drives the periodic margin/liquidation sweep and
// the archive sweep.
type Monitor struct {
	store   *store.Store
	tracker *tracker.Tracker
	ledger  *ledger.Ledger
	machine *statemachine.Machine

	interval  time.Duration
	retention time.Duration

	mu      sync.Mutex
	watch   map[string]map[string]*watchEntry // symbol -> positionID -> entry
	symbols map[string]string                 // positionID -> symbol
	prices  map[string]decimal.Decimal
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	liquidator *Liquidator
}

// New wires the monitor; the liquidator shares its tick.
func New(s *store.Store, tr *tracker.Tracker, l *ledger.Ledger, m *statemachine.Machine, liq *Liquidator, interval, retention time.Duration) *Monitor {
	mon := &Monitor{
		store:      s,
		tracker:    tr,
		ledger:     l,
		machine:    m,
		interval:   interval,
		retention:  retention,
		watch:      make(map[string]map[string]*watchEntry),
		symbols:    make(map[string]string),
		prices:     make(map[string]decimal.Decimal),
		liquidator: liq,
	}
	tr.SetOpenHook(mon.Arm)
	tr.SetCloseHook(mon.Disarm)
	return mon
}

// Start rehydrates the watch set and begins the monitoring tick.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if err := m.Rehydrate(ctx); err != nil {
		m.Stop()
		return err
	}

	m.wg.Add(1)
	go m.tickLoop()
	log.Info().Dur("interval", m.interval).Msg("SL/TP monitoring started")
	return nil
}

// Stop halts the monitoring tick and waits for it to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info().Msg("SL/TP monitoring stopped")
}

// Running reports whether the tick loop is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			if err := m.Rehydrate(ctx); err != nil {
				log.Warn().Err(err).Msg("Watch list rehydration failed")
			}
			if err := m.liquidator.Sweep(ctx, m.snapshotPrices()); err != nil {
				log.Warn().Err(err).Msg("Liquidation sweep failed")
			}
			if err := m.archiveSweep(ctx); err != nil {
				log.Warn().Err(err).Msg("Archive sweep failed")
			}
			cancel()
		}
	}
}

// Rehydrate rebuilds the routing index from persisted OPEN positions.
func (m *Monitor) Rehydrate(ctx context.Context) error {
	positions, err := m.store.OpenPositionsWithSLTP(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watch = make(map[string]map[string]*watchEntry, len(positions))
	m.symbols = make(map[string]string, len(positions))
	for i := range positions {
		m.armLocked(&positions[i])
	}
	return nil
}

// Arm adds an OPEN position to the routing index.
func (m *Monitor) Arm(pos *store.Position) {
	if pos.StopLoss.IsZero() && pos.TakeProfit.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(pos)
}

func (m *Monitor) armLocked(pos *store.Position) {
	byPos, ok := m.watch[pos.Pair]
	if !ok {
		byPos = make(map[string]*watchEntry)
		m.watch[pos.Pair] = byPos
	}
	byPos[pos.ID] = &watchEntry{
		positionID: pos.ID,
		accountID:  pos.AccountID,
		side:       pos.Side,
		stopLoss:   pos.StopLoss,
		takeProfit: pos.TakeProfit,
	}
	m.symbols[pos.ID] = pos.Pair
}

// Disarm removes a position from the routing index.
func (m *Monitor) Disarm(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol, ok := m.symbols[positionID]
	if !ok {
		return
	}
	delete(m.symbols, positionID)
	if byPos, ok := m.watch[symbol]; ok {
		delete(byPos, positionID)
		if len(byPos) == 0 {
			delete(m.watch, symbol)
		}
	}
}

// UpdateLevels re-arms a position after an SL/TP level change.
func (m *Monitor) UpdateLevels(pos *store.Position) {
	m.Disarm(pos.ID)
	if pos.Status == types.StatusOpen {
		m.Arm(pos)
	}
}

func (m *Monitor) snapshotPrices() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.prices))
	for k, v := range m.prices {
		out[k] = v
	}
	return out
}

// Prices returns a copy of the last known price per symbol.
func (m *Monitor) Prices() map[string]decimal.Decimal {
	return m.snapshotPrices()
}

// LastPrice returns the most recent tick for a symbol.
func (m *Monitor) LastPrice(symbol string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	return p, ok
}

// OnTick routes one market price through the trigger rules. Triggers for a
// single position serialize on the tracker's advisory lock; across
// positions they run inline in tick order.
func (m *Monitor) OnTick(ctx context.Context, tick types.PriceTick) error {
	m.mu.Lock()
	m.prices[tick.Symbol] = tick.Price
	entries := make([]*watchEntry, 0, len(m.watch[tick.Symbol]))
	for _, e := range m.watch[tick.Symbol] {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		execType, level, hit := e.check(tick.Price)
		if !hit {
			continue
		}
		if err := m.executeTrigger(ctx, e, tick, execType, level); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// check applies the directional trigger rule.
// BUY: SL at p <= stopLoss, TP at p >= takeProfit. SELL mirrors.
func (e *watchEntry) check(p decimal.Decimal) (types.ExecutionType, decimal.Decimal, bool) {
	if e.side == types.SideBuy {
		if !e.stopLoss.IsZero() && p.LessThanOrEqual(e.stopLoss) {
			return types.ExecStopLoss, e.stopLoss, true
		}
		if !e.takeProfit.IsZero() && p.GreaterThanOrEqual(e.takeProfit) {
			return types.ExecTakeProfit, e.takeProfit, true
		}
		return "", decimal.Zero, false
	}
	if !e.stopLoss.IsZero() && p.GreaterThanOrEqual(e.stopLoss) {
		return types.ExecStopLoss, e.stopLoss, true
	}
	if !e.takeProfit.IsZero() && p.LessThanOrEqual(e.takeProfit) {
		return types.ExecTakeProfit, e.takeProfit, true
	}
	return "", decimal.Zero, false
}

func (m *Monitor) executeTrigger(ctx context.Context, e *watchEntry, tick types.PriceTick, execType types.ExecutionType, level decimal.Decimal) error {
	key := fmt.Sprintf("close_%s_%d", e.positionID, tick.Timestamp.UnixMilli())

	log.Info().
		Str("position_id", e.positionID).
		Str("symbol", tick.Symbol).
		Str("price", tick.Price.StringFixed(5)).
		Str("level", level.StringFixed(5)).
		Str("type", string(execType)).
		Msg("SL/TP triggered")

	_, err := m.tracker.ClosePosition(ctx, tracker.CloseRequest{
		PositionID:     e.positionID,
		Price:          tick.Price,
		ExecutionType:  execType,
		IdempotencyKey: key,
		TriggerPayload: &events.TriggerPayload{
			Symbol:       tick.Symbol,
			TriggerPrice: tick.Price,
			Level:        level,
			TriggeredAt:  tick.Timestamp,
		},
	})
	if err != nil {
		return fmt.Errorf("trigger close %s: %w", e.positionID, err)
	}
	m.Disarm(e.positionID)
	return nil
}

// archiveSweep moves CLOSED/LIQUIDATED positions past the retention window
// to ARCHIVED.
func (m *Monitor) archiveSweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.retention)
	var stale []store.Position
	err := m.store.DB(ctx).
		Where("status IN ? AND closed_at IS NOT NULL AND closed_at < ?",
			[]types.PositionStatus{types.StatusClosed, types.StatusLiquidated}, cutoff).
		Limit(100).
		Find(&stale).Error
	if err != nil {
		return err
	}

	for i := range stale {
		if err := m.machine.TransitionState(ctx, stale[i].ID, types.EventPositionArchived, events.Payload{}); err != nil {
			log.Warn().Err(err).Str("position_id", stale[i].ID).Msg("Archive failed")
			continue
		}
		log.Debug().Str("position_id", stale[i].ID).Msg("Position archived")
	}
	return nil
}
