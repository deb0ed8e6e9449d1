package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundarb/internal/infrastructure/storage/sqlstore"
)

// Repo 共享 Postgres 存储，多实例部署时作为唯一事实来源
type Repo struct {
	*sqlstore.Store
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{Store: sqlstore.New(db, sqlstore.Dollar), db: db}
	if err := r.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// Migrate 建表，可重复执行
func (r *Repo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  id BIGSERIAL PRIMARY KEY,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  size NUMERIC NOT NULL,
  entry_price NUMERIC NOT NULL,
  leverage INTEGER NOT NULL,
  collateral NUMERIC NOT NULL,
  venue_position_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_ms BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS arb_runs (
  id BIGSERIAL PRIMARY KEY,
  long_position_id BIGINT NOT NULL REFERENCES positions(id),
  short_position_id BIGINT NOT NULL REFERENCES positions(id),
  instrument TEXT NOT NULL,
  long_venue TEXT NOT NULL,
  short_venue TEXT NOT NULL,
  entry_score NUMERIC NOT NULL,
  size NUMERIC NOT NULL,
  status TEXT NOT NULL,
  opened_at_ms BIGINT NOT NULL,
  closed_at_ms BIGINT,
  unfavorable_since_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_arb_runs_status ON arb_runs(status);

CREATE TABLE IF NOT EXISTS funding_rates (
  id BIGSERIAL PRIMARY KEY,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  rate NUMERIC NOT NULL,
  ts_ms BIGINT NOT NULL,
  UNIQUE(venue, instrument, ts_ms)
);

CREATE TABLE IF NOT EXISTS decision_events (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  kind TEXT NOT NULL,
  instrument TEXT NOT NULL DEFAULT '',
  long_venue TEXT NOT NULL DEFAULT '',
  short_venue TEXT NOT NULL DEFAULT '',
  run_id BIGINT NOT NULL DEFAULT 0,
  score TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_events_ts ON decision_events(ts_ms);
`)
	return err
}
