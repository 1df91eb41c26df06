package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 事件审计与持仓历史，供报表查询
type Repo struct {
	db *sql.DB
}

var _ port.EventSink = (*Repo)(nil)

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Name() string { return "postgres" }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  position_id TEXT,
  payload JSONB NOT NULL,
  at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type_at ON events(type, at);

CREATE TABLE IF NOT EXISTS position_history (
  event_id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  status TEXT NOT NULL,
  open_size_quote DOUBLE PRECISION NOT NULL,
  funding_income DOUBLE PRECISION NOT NULL,
  trading_fees DOUBLE PRECISION NOT NULL,
  realized_pnl DOUBLE PRECISION NOT NULL,
  close_reason TEXT,
  at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_position_history_pos ON position_history(position_id, at);
`)
	return err
}

// Publish 按事件 ID 幂等写入
func (r *Repo) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events(id, type, position_id, payload, at) VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, string(ev.Type), ev.PositionID, string(payload), ev.At); err != nil {
		return err
	}

	if p := ev.Position; p != nil && (ev.Type == model.EventPositionOpened || ev.Type == model.EventPositionClosed) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO position_history(event_id, position_id, symbol, long_venue, short_venue, status,
				open_size_quote, funding_income, trading_fees, realized_pnl, close_reason, at)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.ID, p.ID, p.Symbol, p.LongLeg.Venue, p.ShortLeg.Venue, string(p.Status),
			p.OpenSizeQuote, p.FundingIncome, p.TradingFees, p.RealizedPnl, p.CloseReason, ev.At); err != nil {
			return err
		}
	}
	return tx.Commit()
}
