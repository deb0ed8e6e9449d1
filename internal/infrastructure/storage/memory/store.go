package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// ErrInjected 测试用的写入失败
var ErrInjected = errors.New("memory store: injected failure")

// Store 内存版持仓存储与费率源（dry-run 与测试）
type Store struct {
	mu        sync.Mutex
	positions map[int64]model.Position
	runs      map[int64]model.ArbRun
	rates     map[string][]model.RateSample
	nextID    int64
	failWrite error
	now       func() time.Time
}

func New() *Store {
	return &Store{
		positions: make(map[int64]model.Position),
		runs:      make(map[int64]model.ArbRun),
		rates:     make(map[string][]model.RateSample),
		now:       time.Now,
	}
}

// FailWrites 之后所有写操作返回 err（nil 取消）
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.failWrite = err
	s.mu.Unlock()
}

// WithClock 注入 FetchRecent 使用的时钟
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ========== RateSource ==========

func rateKey(venue, instrument string) string { return venue + "|" + instrument }

// SaveRate 追加一条费率样本
func (s *Store) SaveRate(_ context.Context, r model.RateSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rateKey(r.Venue, r.Instrument)
	s.rates[k] = append(s.rates[k], r)
	return nil
}

func (s *Store) FetchRecent(_ context.Context, venue, instrument string, window time.Duration) ([]model.RateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-window)
	var out []model.RateSample
	for _, r := range s.rates[rateKey(venue, instrument)] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b model.RateSample) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

// ========== PositionStore ==========

func (s *Store) GetOpenRuns(_ context.Context) ([]*model.ArbRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ArbRun
	for _, id := range slices.Sorted(maps.Keys(s.runs)) {
		if r := s.runs[id]; r.Status == model.StatusOpen {
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *Store) GetRun(_ context.Context, id int64) (*model.ArbRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) LatestOpenRun(_ context.Context) (*model.ArbRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.ArbRun
	for _, id := range slices.Sorted(maps.Keys(s.runs)) {
		r := s.runs[id]
		if r.Status != model.StatusOpen {
			continue
		}
		if latest == nil || !r.OpenedAt.Before(latest.OpenedAt) {
			latest = &r
		}
	}
	return latest, nil
}

func (s *Store) CreateArbRun(_ context.Context, run *model.ArbRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	if _, ok := s.positions[run.LongPositionID]; !ok {
		return errors.New("memory store: long position not found")
	}
	if _, ok := s.positions[run.ShortPositionID]; !ok {
		return errors.New("memory store: short position not found")
	}
	s.nextID++
	run.ID = s.nextID
	if run.Status == "" {
		run.Status = model.StatusOpen
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) CloseArbRun(_ context.Context, id int64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	r, ok := s.runs[id]
	if !ok {
		return errors.New("memory store: run not found")
	}
	r.Status = model.StatusClosed
	r.ClosedAt = &closedAt
	r.UnfavorableSince = nil
	s.runs[id] = r
	return nil
}

func (s *Store) UpdateUnfavorableSince(_ context.Context, id int64, since *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	r, ok := s.runs[id]
	if !ok {
		return errors.New("memory store: run not found")
	}
	r.UnfavorableSince = since
	s.runs[id] = r
	return nil
}

func (s *Store) CreatePosition(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.nextID++
	pos.ID = s.nextID
	s.positions[pos.ID] = *pos
	return nil
}

func (s *Store) GetPosition(_ context.Context, id int64) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ClosePosition(_ context.Context, id int64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	p, ok := s.positions[id]
	if !ok {
		return errors.New("memory store: position not found")
	}
	p.Status = model.StatusClosed
	p.UpdatedAt = closedAt
	s.positions[id] = p
	return nil
}

// InTx fn 失败时恢复到调用前的快照
func (s *Store) InTx(_ context.Context, fn func(tx port.PositionStore) error) error {
	s.mu.Lock()
	positions := maps.Clone(s.positions)
	runs := maps.Clone(s.runs)
	nextID := s.nextID
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.positions, s.runs, s.nextID = positions, runs, nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ port.PositionStore = (*Store)(nil)
	_ port.RateSource    = (*Store)(nil)
)
