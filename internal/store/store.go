package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/openmargin/engine/types"
)

// Store is the persistence gateway. It is the only writer to durable
// state; every multi-row mutation runs through Transact.
type Store struct {
	db         *gorm.DB
	maxRetries int
	backoff    time.Duration
}

// Option tunes gateway behaviour.
type Option func(*Store)

// WithRetry sets the bounded retry policy for conflicting transactions.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = retries
		s.backoff = backoff
	}
}

// New opens the database and migrates the schema. A postgres:// DSN selects
// PostgreSQL; anything else is treated as a SQLite path.
func New(dsn string, opts ...Option) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&Position{},
		&PositionEvent{},
		&TradeExecution{},
		&AccountBalance{},
		&AccountBalanceEvent{},
		&SystemCheckpoint{},
	); err != nil {
		return nil, err
	}

	s := &Store{db: db, maxRetries: 3, backoff: 25 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle for read paths.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transact runs fn atomically. Conflicting concurrent updates are retried
// up to the configured bound with backoff; other failures surface unchanged.
func (s *Store) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryable(err) || attempt >= s.maxRetries {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying conflicting transaction")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrTimeout, ctx.Err())
		case <-time.After(s.backoff << attempt):
		}
	}
	if err != nil && IsRetryable(err) {
		return fmt.Errorf("%w: %v", types.ErrTransactionConflict, err)
	}
	return err
}

// IsRetryable classifies persistence failures that a bounded retry can
// absorb: serialization failures, deadlocks, and SQLite write contention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrTransactionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Position reads

func (s *Store) GetPosition(ctx context.Context, id string) (*Position, error) {
	return getPosition(s.DB(ctx), id)
}

func getPosition(tx *gorm.DB, id string) (*Position, error) {
	var pos Position
	if err := tx.First(&pos, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, id)
		}
		return nil, err
	}
	return &pos, nil
}

// GetPositionTx loads a position inside a transaction with a row lock on
// backends that support it.
func (s *Store) GetPositionTx(tx *gorm.DB, id string) (*Position, error) {
	return getPosition(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (s *Store) PositionsByStatus(ctx context.Context, status types.PositionStatus) ([]Position, error) {
	var out []Position
	err := s.DB(ctx).Where("status = ?", status).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) PositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	var out []Position
	err := s.DB(ctx).Where("account_id = ?", accountID).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) OpenPositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	var out []Position
	err := s.DB(ctx).Where("account_id = ? AND status = ?", accountID, types.StatusOpen).Find(&out).Error
	return out, err
}

// OpenPositionsWithSLTP returns OPEN positions carrying at least one of a
// stop-loss or take-profit level, the monitor's rehydration set.
func (s *Store) OpenPositionsWithSLTP(ctx context.Context) ([]Position, error) {
	var out []Position
	err := s.DB(ctx).
		Where("status = ? AND (stop_loss > 0 OR take_profit > 0)", types.StatusOpen).
		Find(&out).Error
	return out, err
}

// OpenPositionsByPair returns OPEN positions on one symbol, the mark-to-
// market set for a price tick.
func (s *Store) OpenPositionsByPair(ctx context.Context, pair string) ([]Position, error) {
	var out []Position
	err := s.DB(ctx).Where("pair = ? AND status = ?", pair, types.StatusOpen).Find(&out).Error
	return out, err
}

// CountByStatus returns position counts grouped by lifecycle status.
func (s *Store) CountByStatus(ctx context.Context) (map[types.PositionStatus]int64, error) {
	type row struct {
		Status types.PositionStatus
		N      int64
	}
	var rows []row
	err := s.DB(ctx).Model(&Position{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.PositionStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// AccountsWithOpenPositions returns distinct account ids that currently hold
// OPEN positions, the liquidation sweep set.
func (s *Store) AccountsWithOpenPositions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB(ctx).Model(&Position{}).
		Where("status = ?", types.StatusOpen).
		Distinct("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}

// Account reads

func (s *Store) GetAccount(ctx context.Context, accountID string) (*AccountBalance, error) {
	return getAccount(s.DB(ctx), accountID)
}

func getAccount(tx *gorm.DB, accountID string) (*AccountBalance, error) {
	var acct AccountBalance
	if err := tx.First(&acct, "account_id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return &acct, nil
}

// GetAccountTx loads the account head inside a transaction.
func (s *Store) GetAccountTx(tx *gorm.DB, accountID string) (*AccountBalance, error) {
	return getAccount(tx, accountID)
}
