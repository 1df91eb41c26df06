package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fundarb/internal/application/port"
)

// Repo 本地 SQLite 存储：持仓、事件发件箱、资金费率历史
type Repo struct {
	db *sql.DB
}

var (
	_ port.PositionRepository = (*Repo)(nil)
	_ port.EventJournal       = (*Repo)(nil)
	_ port.EventSink          = (*Repo)(nil)
)

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Name() string { return "sqlite" }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS hedged_positions (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  status TEXT NOT NULL,
  payload TEXT NOT NULL,
  opened_at INTEGER NOT NULL,
  closed_at INTEGER,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hedged_status ON hedged_positions(status);
CREATE INDEX IF NOT EXISTS idx_hedged_symbol ON hedged_positions(symbol);

CREATE TABLE IF NOT EXISTS events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  position_id TEXT,
  payload TEXT NOT NULL,
  delivered INTEGER NOT NULL DEFAULT 0,
  at_ms INTEGER NOT NULL,
  delivered_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events(delivered, seq);

CREATE TABLE IF NOT EXISTS funding_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  symbol TEXT NOT NULL,
  current_rate REAL NOT NULL,
  predicted_rate REAL NOT NULL,
  mark_price REAL NOT NULL,
  next_settlement_ms INTEGER NOT NULL,
  observed_ms INTEGER NOT NULL,
  UNIQUE(venue, symbol, observed_ms)
);
CREATE INDEX IF NOT EXISTS idx_funding_symbol ON funding_snapshots(symbol, observed_ms);
`)
	return err
}
