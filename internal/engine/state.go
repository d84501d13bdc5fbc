package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	PositionsChecked int
	Repaired         []string
	Rearmed          int
}

// RecoverSystemState re-derives every non-archived position from its event
// log, repairs diverged rows, and rebuilds the monitor's watch set.
func (e *Engine) RecoverSystemState(ctx context.Context) (*RecoveryReport, error) {
	var report *RecoveryReport
	err := e.run(ctx, "recover_system_state", e.cfg.RecoveryTimeout, func(ctx context.Context) error {
		var err error
		report, err = e.recoverSystemState(ctx)
		return err
	})
	return report, err
}

func (e *Engine) recoverSystemState(ctx context.Context) (*RecoveryReport, error) {
	var positions []store.Position
	err := e.store.DB(ctx).
		Where("status != ?", types.StatusArchived).
		Order("created_at").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	for i := range positions {
		pos := &positions[i]
		report.PositionsChecked++

		replayed, err := e.events.Replay(ctx, pos.ID)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", pos.ID, err)
		}
		if !replayDiverged(pos, replayed) {
			continue
		}

		log.Warn().
			Str("position_id", pos.ID).
			Str("persisted_status", string(pos.Status)).
			Str("replayed_status", string(replayed.Status)).
			Msg("Persisted state diverged from event log, repairing")

		err = e.store.Transact(ctx, func(tx *gorm.DB) error {
			row, err := e.store.GetPositionTx(tx, pos.ID)
			if err != nil {
				return err
			}
			row.Status = replayed.Status
			row.Size = replayed.Size
			row.AvgEntryPrice = replayed.AvgEntryPrice
			row.RealizedPnL = replayed.RealizedPnL
			row.UnrealizedPnL = replayed.UnrealizedPnL
			row.StopLoss = replayed.StopLoss
			row.TakeProfit = replayed.TakeProfit
			row.OpenedAt = replayed.OpenedAt
			row.ClosedAt = replayed.ClosedAt
			row.UpdatedAt = time.Now().UTC()
			return tx.Save(row).Error
		})
		if err != nil {
			return nil, fmt.Errorf("repair %s: %w", pos.ID, err)
		}
		report.Repaired = append(report.Repaired, pos.ID)
	}

	if err := e.monitor.Rehydrate(ctx); err != nil {
		return nil, fmt.Errorf("rehydrate watch set: %w", err)
	}
	armed, err := e.store.OpenPositionsWithSLTP(ctx)
	if err != nil {
		return nil, err
	}
	report.Rearmed = len(armed)

	log.Info().
		Int("checked", report.PositionsChecked).
		Int("repaired", len(report.Repaired)).
		Int("rearmed", report.Rearmed).
		Msg("System state recovered")
	return report, nil
}

func replayDiverged(pos, replayed *store.Position) bool {
	return replayed.Status != pos.Status ||
		!replayed.Size.Equal(pos.Size) ||
		!replayed.AvgEntryPrice.Equal(pos.AvgEntryPrice) ||
		!replayed.RealizedPnL.Equal(pos.RealizedPnL)
}

// SystemState is the live runtime snapshot.
type SystemState struct {
	Positions         map[types.PositionStatus]int64
	Accounts          int64
	MonitoringRunning bool
	StreamSubscribers int
	PaperPending      int
	ActiveOperations  int
}

// GetSystemState returns position counts and runtime component status.
func (e *Engine) GetSystemState(ctx context.Context) (*SystemState, error) {
	var state *SystemState
	err := e.run(ctx, "get_system_state", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		counts, err := e.store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		var accounts int64
		if err := e.store.DB(ctx).Model(&store.AccountBalance{}).Count(&accounts).Error; err != nil {
			return err
		}

		state = &SystemState{
			Positions:         counts,
			Accounts:          accounts,
			MonitoringRunning: e.monitor.Running(),
			StreamSubscribers: e.hub.Subscribers(),
			ActiveOperations:  e.ops.ActiveCount(),
		}
		if e.paper != nil {
			state.PaperPending = e.paper.Pending()
		}
		return nil
	})
	return state, err
}

// Statistics aggregates trading outcomes across all positions.
type Statistics struct {
	TotalPositions   int64
	ByStatus         map[types.PositionStatus]int64
	TotalRealizedPnL decimal.Decimal
	Wins             int64
	Losses           int64
	WinRate          decimal.Decimal
	TotalEvents      int64
	TotalExecutions  int64
}

// GetEngineStatistics computes aggregate trading statistics. Wins and
// losses count terminal positions by the sign of their realized P&L.
func (e *Engine) GetEngineStatistics(ctx context.Context) (*Statistics, error) {
	var stats *Statistics
	err := e.run(ctx, "get_engine_statistics", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		counts, err := e.store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		stats = &Statistics{ByStatus: counts}
		for _, n := range counts {
			stats.TotalPositions += n
		}

		terminal := []types.PositionStatus{
			types.StatusClosed, types.StatusLiquidated, types.StatusArchived,
		}
		var closed []store.Position
		if err := e.store.DB(ctx).Where("status IN ?", terminal).Find(&closed).Error; err != nil {
			return err
		}
		for i := range closed {
			stats.TotalRealizedPnL = stats.TotalRealizedPnL.Add(closed[i].RealizedPnL)
			if closed[i].RealizedPnL.IsPositive() {
				stats.Wins++
			} else {
				stats.Losses++
			}
		}
		if total := stats.Wins + stats.Losses; total > 0 {
			stats.WinRate = decimal.NewFromInt(stats.Wins).
				DivRound(decimal.NewFromInt(total), 4)
		}

		if err := e.store.DB(ctx).Model(&store.PositionEvent{}).Count(&stats.TotalEvents).Error; err != nil {
			return err
		}
		return e.store.DB(ctx).Model(&store.TradeExecution{}).Count(&stats.TotalExecutions).Error
	})
	return stats, err
}

// ReplayValidation reports a deterministic-replay verification pass.
type ReplayValidation struct {
	Checked  int
	Rounds   int
	Failures []string
}

// ValidateDeterministicProcessing replays every position's event sequence
// multiple times and asserts identical reconstructions.
func (e *Engine) ValidateDeterministicProcessing(ctx context.Context, rounds int) (*ReplayValidation, error) {
	if rounds < 2 {
		rounds = 3
	}
	var result *ReplayValidation
	err := e.run(ctx, "validate_deterministic_processing", e.cfg.IntegrityCheckTimeout, func(ctx context.Context) error {
		var ids []string
		if err := e.store.DB(ctx).Model(&store.Position{}).Pluck("id", &ids).Error; err != nil {
			return err
		}

		result = &ReplayValidation{Rounds: rounds}
		for _, id := range ids {
			result.Checked++
			if err := e.integrity.ValidateReplay(ctx, id, rounds); err != nil {
				result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", id, err))
			}
		}
		if len(result.Failures) > 0 {
			return fmt.Errorf("%w: %d position(s) failed deterministic replay",
				types.ErrIntegrityViolation, len(result.Failures))
		}
		return nil
	})
	if result != nil {
		return result, err
	}
	return nil, err
}

// CreateSystemCheckpoint persists a snapshot summary with an integrity
// digest over the aggregate state and the event log head.
func (e *Engine) CreateSystemCheckpoint(ctx context.Context) (*store.SystemCheckpoint, error) {
	var cp *store.SystemCheckpoint
	err := e.run(ctx, "create_system_checkpoint", e.cfg.OperationTimeout, func(ctx context.Context) error {
		return e.store.Transact(ctx, func(tx *gorm.DB) error {
			var open int64
			if err := tx.Model(&store.Position{}).
				Where("status = ?", types.StatusOpen).
				Count(&open).Error; err != nil {
				return err
			}

			var accounts []store.AccountBalance
			if err := tx.Find(&accounts).Error; err != nil {
				return err
			}
			totalMargin, totalBalance := decimal.Zero, decimal.Zero
			for i := range accounts {
				totalMargin = totalMargin.Add(accounts[i].MarginUsed)
				totalBalance = totalBalance.Add(accounts[i].Balance)
			}

			var lastEvent uint64
			var head store.PositionEvent
			if err := tx.Order("id DESC").First(&head).Error; err == nil {
				lastEvent = head.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%s|%d",
				open, totalMargin.StringFixed(2), totalBalance.StringFixed(2), lastEvent))

			cp = &store.SystemCheckpoint{
				ID:              uuid.NewString(),
				OpenPositions:   int(open),
				TotalMarginUsed: totalMargin,
				TotalBalance:    totalBalance,
				Digest:          hex.EncodeToString(sum[:]),
				CreatedAt:       time.Now().UTC(),
			}
			return tx.Create(cp).Error
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("checkpoint_id", cp.ID).Str("digest", cp.Digest[:12]).Msg("Checkpoint created")
	return cp, nil
}

// ReplayPosition re-derives one position from its event log without
// touching the persisted row.
func (e *Engine) ReplayPosition(ctx context.Context, positionID string) (*store.Position, error) {
	var pos *store.Position
	err := e.run(ctx, "replay_position", e.cfg.DatabaseTimeout, func(ctx context.Context) error {
		var err error
		pos, err = e.events.Replay(ctx, positionID)
		return err
	})
	return pos, err
}
