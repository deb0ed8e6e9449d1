package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Dialect 占位符风格
type Dialect int

const (
	Question Dialect = iota // sqlite: ?
	Dollar                  // postgres: $1
)

// Rebind 把 ? 占位符改写为目标方言
func (d Dialect) Rebind(q string) string {
	if d != Dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// execer *sql.DB 与 *sql.Tx 的公共部分
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store 基于 database/sql 的持仓存储、费率源与事件表
type Store struct {
	db      *sql.DB
	q       execer
	dialect Dialect
	inTx    bool
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect, now: time.Now}
}

// WithClock 注入 FetchRecent 使用的时钟
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

// ========== RateSource ==========

// SaveRate 写入一条费率样本，同一 (venue, instrument, ts) 重复写入时覆盖
func (s *Store) SaveRate(ctx context.Context, r model.RateSample) error {
	_, err := s.exec(ctx, `
		INSERT INTO funding_rates(venue, instrument, rate, ts_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(venue, instrument, ts_ms) DO UPDATE SET rate = excluded.rate
	`, r.Venue, r.Instrument, r.Rate.String(), toMs(r.Timestamp))
	return err
}

func (s *Store) FetchRecent(ctx context.Context, venue, instrument string, window time.Duration) ([]model.RateSample, error) {
	since := s.now().Add(-window)
	rows, err := s.query(ctx, `
		SELECT venue, instrument, rate, ts_ms
		FROM funding_rates
		WHERE venue = ? AND instrument = ? AND ts_ms >= ?
		ORDER BY ts_ms ASC
	`, venue, instrument, toMs(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RateSample
	for rows.Next() {
		var (
			r  model.RateSample
			ts int64
		)
		if err := rows.Scan(&r.Venue, &r.Instrument, &r.Rate, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = fromMs(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ========== PositionStore ==========

const runColumns = `id, long_position_id, short_position_id, instrument, long_venue, short_venue,
	entry_score, size, status, opened_at_ms, closed_at_ms, unfavorable_since_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.ArbRun, error) {
	var (
		r            model.ArbRun
		status       string
		opened       int64
		closed, unfv sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.LongPositionID, &r.ShortPositionID, &r.Instrument, &r.LongVenue, &r.ShortVenue,
		&r.EntryScore, &r.Size, &status, &opened, &closed, &unfv)
	if err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	r.OpenedAt = fromMs(opened)
	r.ClosedAt = timePtr(closed)
	r.UnfavorableSince = timePtr(unfv)
	return &r, nil
}

func (s *Store) GetOpenRuns(ctx context.Context) ([]*model.ArbRun, error) {
	rows, err := s.query(ctx, `SELECT `+runColumns+` FROM arb_runs WHERE status = ? ORDER BY id ASC`, string(model.StatusOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ArbRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id int64) (*model.ArbRun, error) {
	r, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM arb_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) LatestOpenRun(ctx context.Context) (*model.ArbRun, error) {
	r, err := scanRun(s.queryRow(ctx, `
		SELECT `+runColumns+` FROM arb_runs
		WHERE status = ?
		ORDER BY opened_at_ms DESC, id DESC
		LIMIT 1
	`, string(model.StatusOpen)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) CreateArbRun(ctx context.Context, run *model.ArbRun) error {
	if run.Status == "" {
		run.Status = model.StatusOpen
	}
	return s.queryRow(ctx, `
		INSERT INTO arb_runs(
			long_position_id, short_position_id, instrument, long_venue, short_venue,
			entry_score, size, status, opened_at_ms, closed_at_ms, unfavorable_since_ms
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, run.LongPositionID, run.ShortPositionID, run.Instrument, run.LongVenue, run.ShortVenue,
		run.EntryScore.String(), run.Size.String(), string(run.Status), toMs(run.OpenedAt),
		nullMs(run.ClosedAt), nullMs(run.UnfavorableSince),
	).Scan(&run.ID)
}

func (s *Store) CloseArbRun(ctx context.Context, id int64, closedAt time.Time) error {
	return s.expectOne(s.exec(ctx, `
		UPDATE arb_runs SET status = ?, closed_at_ms = ?, unfavorable_since_ms = NULL
		WHERE id = ?
	`, string(model.StatusClosed), toMs(closedAt), id))
}

func (s *Store) UpdateUnfavorableSince(ctx context.Context, id int64, since *time.Time) error {
	return s.expectOne(s.exec(ctx, `UPDATE arb_runs SET unfavorable_since_ms = ? WHERE id = ?`, nullMs(since), id))
}

func (s *Store) CreatePosition(ctx context.Context, pos *model.Position) error {
	if pos.Status == "" {
		pos.Status = model.StatusOpen
	}
	return s.queryRow(ctx, `
		INSERT INTO positions(
			venue, instrument, side, size, entry_price, leverage, collateral,
			venue_position_id, status, created_at_ms, updated_at_ms
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, pos.Venue, pos.Instrument, string(pos.Side), pos.Size.String(), pos.EntryPrice.String(), pos.Leverage,
		pos.Collateral.String(), pos.VenuePositionID, string(pos.Status), toMs(pos.CreatedAt), toMs(pos.UpdatedAt),
	).Scan(&pos.ID)
}

func (s *Store) GetPosition(ctx context.Context, id int64) (*model.Position, error) {
	var (
		p                model.Position
		side, status     string
		created, updated int64
	)
	err := s.queryRow(ctx, `
		SELECT id, venue, instrument, side, size, entry_price, leverage, collateral,
		       venue_position_id, status, created_at_ms, updated_at_ms
		FROM positions WHERE id = ?
	`, id).Scan(&p.ID, &p.Venue, &p.Instrument, &side, &p.Size, &p.EntryPrice, &p.Leverage, &p.Collateral,
		&p.VenuePositionID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.Status = model.Status(status)
	p.CreatedAt = fromMs(created)
	p.UpdatedAt = fromMs(updated)
	return &p, nil
}

func (s *Store) ClosePosition(ctx context.Context, id int64, closedAt time.Time) error {
	return s.expectOne(s.exec(ctx, `UPDATE positions SET status = ?, updated_at_ms = ? WHERE id = ?`,
		string(model.StatusClosed), toMs(closedAt), id))
}

func (s *Store) expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("sqlstore: no rows affected")
	}
	return nil
}

// InTx 已在事务中时直接复用当前事务
func (s *Store) InTx(ctx context.Context, fn func(tx port.PositionStore) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, dialect: s.dialect, inTx: true, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// ========== EventSink ==========

func (s *Store) RecordEvent(ctx context.Context, ev port.Event) error {
	_, err := s.exec(ctx, `
		INSERT INTO decision_events(ts_ms, kind, instrument, long_venue, short_venue, run_id, score, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, toMs(ev.Ts), ev.Kind, ev.Instrument, ev.Long, ev.Short, ev.RunID, ev.Score, ev.Payload)
	return err
}

// RecentEvents 最近 limit 条事件，新的在前
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]port.Event, error) {
	rows, err := s.query(ctx, `
		SELECT ts_ms, kind, instrument, long_venue, short_venue, run_id, score, payload
		FROM decision_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []port.Event
	for rows.Next() {
		var (
			ev port.Event
			ts int64
		)
		if err := rows.Scan(&ts, &ev.Kind, &ev.Instrument, &ev.Long, &ev.Short, &ev.RunID, &ev.Score, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Ts = fromMs(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

var (
	_ port.PositionStore = (*Store)(nil)
	_ port.RateSource    = (*Store)(nil)
	_ port.EventSink     = (*Store)(nil)
)
