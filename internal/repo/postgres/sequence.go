package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-dispatch/internal/sequence"
)

// Sequencer keeps reference counters in the reference_counters table. The
// upsert takes the period's row lock, so concurrent callers and separate
// server instances never share a number, and counters survive restarts.
type Sequencer struct {
	pool *pgxpool.Pool
}

var _ sequence.Sequencer = (*Sequencer)(nil)

func NewSequencer(pool *pgxpool.Pool) *Sequencer {
	return &Sequencer{pool: pool}
}

func (s *Sequencer) Next(ctx context.Context, period string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, referenceNextSQL, period).Scan(&n); err != nil {
		return 0, fmt.Errorf("sequence %s: %w", period, err)
	}
	return n, nil
}
