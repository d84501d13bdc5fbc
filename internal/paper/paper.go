package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/openmargin/engine/types"
)

// Backend simulates broker fills for paper trading: configurable slippage,
// latency, and random rejection. Queued executions are cancelled on
// shutdown.
type Backend struct {
	slippageEnabled bool
	maxSlippageBps  int
	latency         time.Duration
	rejectionRate   float64

	mu      sync.Mutex
	rng     *rand.Rand
	pending map[string]context.CancelFunc
	closed  bool
}

// Config mirrors the paperTrading configuration block.
type Config struct {
	SlippageEnabled bool
	MaxSlippageBps  int
	Latency         time.Duration
	RejectionRate   float64
	Seed            int64 // zero seeds from the clock
}

// New builds the paper backend.
func New(cfg Config) *Backend {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Backend{
		slippageEnabled: cfg.SlippageEnabled,
		maxSlippageBps:  cfg.MaxSlippageBps,
		latency:         cfg.Latency,
		rejectionRate:   cfg.RejectionRate,
		rng:             rand.New(rand.NewSource(seed)),
		pending:         make(map[string]context.CancelFunc),
	}
}

// Execute simulates one fill at the requested price and size. It blocks for
// the configured latency and honours cancellation, returning the fill the
// broker adapter would have reported.
func (b *Backend) Execute(ctx context.Context, side types.Side, price, size decimal.Decimal) (types.FillData, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.FillData{}, fmt.Errorf("%w: paper backend shut down", types.ErrEngineStopped)
	}
	execCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	b.pending[id] = cancel
	rejected := b.rejectionRate > 0 && b.rng.Float64() < b.rejectionRate
	slipBps := 0
	if b.slippageEnabled && b.maxSlippageBps > 0 {
		slipBps = b.rng.Intn(b.maxSlippageBps + 1)
	}
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if b.latency > 0 {
		select {
		case <-execCtx.Done():
			return types.FillData{}, fmt.Errorf("paper execution cancelled: %w", execCtx.Err())
		case <-time.After(b.latency):
		}
	}

	if rejected {
		return types.FillData{}, fmt.Errorf("paper execution rejected (simulated)")
	}

	fillPrice := price
	if slipBps > 0 {
		// Slippage always moves against the taker.
		slip := price.Mul(decimal.New(int64(slipBps), -4))
		if side == types.SideBuy {
			fillPrice = price.Add(slip)
		} else {
			fillPrice = price.Sub(slip)
		}
	}

	log.Debug().
		Str("order_id", id).
		Str("price", fillPrice.StringFixed(5)).
		Int("slippage_bps", slipBps).
		Msg("Paper fill")
	return types.FillData{
		OrderID:    id,
		Price:      fillPrice,
		Size:       size,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// Pending returns the number of in-flight simulated executions.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shutdown cancels every queued execution and rejects new ones.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, cancel := range b.pending {
		cancel()
		delete(b.pending, id)
	}
	log.Info().Msg("Paper backend shut down")
}
