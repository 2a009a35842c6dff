// Package postgres archives CompletedCycle records beyond the state file's
// 100-entry FIFO window, so long-term history survives state.json
// rotation. Indexed scalar columns carry the queryable fields; the full
// record rides along as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/fundingrotor/internal/model"
)

// CycleArchive persists CompletedCycle rows to Postgres.
type CycleArchive struct {
	db      *sqlx.DB
	timeout time.Duration
}

func New(db *sqlx.DB, timeout time.Duration) *CycleArchive {
	return &CycleArchive{db: db, timeout: timeout}
}

// Schema is the DDL the operator applies before first run.
const Schema = `
CREATE TABLE IF NOT EXISTS completed_cycles (
	id                     TEXT PRIMARY KEY,
	symbol                 TEXT NOT NULL,
	long_venue             TEXT NOT NULL,
	short_venue            TEXT NOT NULL,
	opened_at              TIMESTAMPTZ NOT NULL,
	closed_at              TIMESTAMPTZ NOT NULL,
	duration_hours         DOUBLE PRECISION NOT NULL,
	size_base              DOUBLE PRECISION NOT NULL,
	actual_notional        DOUBLE PRECISION NOT NULL,
	exit_reason            TEXT NOT NULL,
	realized_pnl_net       DOUBLE PRECISION NOT NULL,
	cycle                  JSONB NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS completed_cycles_symbol_idx ON completed_cycles (symbol);
CREATE INDEX IF NOT EXISTS completed_cycles_closed_at_idx ON completed_cycles (closed_at);
`

// Insert archives one completed cycle. Duplicate IDs (e.g. a retried
// archive call after a crash) are reported distinctly so the caller can
// treat them as already-durable rather than a failure.
func (a *CycleArchive) Insert(ctx context.Context, c model.CompletedCycle) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("archive: marshal cycle: %w", err)
	}

	query := `
		INSERT INTO completed_cycles
			(id, symbol, long_venue, short_venue, opened_at, closed_at,
			 duration_hours, size_base, actual_notional, exit_reason,
			 realized_pnl_net, cycle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = a.db.ExecContext(ctx, query,
		c.ID, c.Symbol, c.LongVenue, c.ShortVenue, c.OpenedAt, c.ClosedAt,
		c.DurationHours, c.SizeBase, c.ActualNotional, c.ExitReason,
		c.RealizedPnLBreakdown.Net, raw)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("archive: duplicate cycle id %s: %w", c.ID, err)
		}
		return fmt.Errorf("archive: insert cycle: %w", err)
	}
	return nil
}

// TimeRange bounds a history query.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// ListBySymbol returns archived cycles for symbol within tr, newest first.
func (a *CycleArchive) ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]model.CompletedCycle, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := `
		SELECT cycle FROM completed_cycles
		WHERE symbol = $1 AND closed_at >= $2 AND closed_at <= $3
		ORDER BY closed_at DESC
		LIMIT $4`

	rows, err := a.db.QueryxContext(ctx, query, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query by symbol: %w", err)
	}
	defer rows.Close()
	return scanCycles(rows)
}

// TotalRealizedPnL sums realized PnL across all archived cycles in tr.
func (a *CycleArchive) TotalRealizedPnL(ctx context.Context, tr TimeRange) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var total sql.NullFloat64
	query := `SELECT SUM(realized_pnl_net) FROM completed_cycles WHERE closed_at >= $1 AND closed_at <= $2`
	if err := a.db.QueryRowxContext(ctx, query, tr.From, tr.To).Scan(&total); err != nil {
		return 0, fmt.Errorf("archive: sum realized pnl: %w", err)
	}
	return total.Float64, nil
}

func scanCycles(rows *sqlx.Rows) ([]model.CompletedCycle, error) {
	var cycles []model.CompletedCycle
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		var c model.CompletedCycle
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("archive: unmarshal cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: row iteration: %w", err)
	}
	return cycles, nil
}
