package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fundarb/internal/infrastructure/storage/sqlstore"
)

// Repo 本地 SQLite 存储：持仓、套利记录、费率样本与决策事件
type Repo struct {
	*sqlstore.Store
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单连接：事务期间其他调用排队
	db.SetMaxOpenConns(1)

	r := &Repo{Store: sqlstore.New(db, sqlstore.Question), db: db}
	if err := r.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

// Migrate 建表，可重复执行
func (r *Repo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  entry_price TEXT NOT NULL,
  leverage INTEGER NOT NULL,
  collateral TEXT NOT NULL,
  venue_position_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_instrument ON positions(instrument);

CREATE TABLE IF NOT EXISTS arb_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  long_position_id INTEGER NOT NULL REFERENCES positions(id),
  short_position_id INTEGER NOT NULL REFERENCES positions(id),
  instrument TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  entry_score TEXT NOT NULL,
  size TEXT NOT NULL,
  status TEXT NOT NULL,
  opened_at_ms INTEGER NOT NULL,
  closed_at_ms INTEGER,
  unfavorable_since_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_arb_runs_status ON arb_runs(status);
CREATE INDEX IF NOT EXISTS idx_arb_runs_opened ON arb_runs(opened_at_ms);

CREATE TABLE IF NOT EXISTS funding_rates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  rate TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  UNIQUE(venue, instrument, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_lookup ON funding_rates(venue, instrument, ts_ms);

CREATE TABLE IF NOT EXISTS decision_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  kind TEXT NOT NULL,
  instrument TEXT NOT NULL DEFAULT '',
  long_venue TEXT NOT NULL DEFAULT '',
  short_venue TEXT NOT NULL DEFAULT '',
  run_id INTEGER NOT NULL DEFAULT 0,
  score TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_events_ts ON decision_events(ts_ms);
`)
	return err
}
