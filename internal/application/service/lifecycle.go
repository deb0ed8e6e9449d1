package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Outcome 生命周期操作的结果
type Outcome string

const (
	OutcomeOpened   Outcome = "opened"
	OutcomeClosed   Outcome = "closed"
	OutcomeReplaced Outcome = "replaced"
	OutcomeBusy     Outcome = "busy"
	// OutcomeBlocked 存在未落库的交易所敞口，等待对账
	OutcomeBlocked Outcome = "blocked"
)

// LifecycleConfig 开平仓参数
type LifecycleConfig struct {
	PairLockTTL    time.Duration
	TradeFraction  decimal.Decimal
	Leverage       int
	Slippage       decimal.Decimal
	ConcurrentLegs bool
}

// LifecycleDeps 依赖集合
type LifecycleDeps struct {
	Locker  port.Locker
	Store   port.PositionStore
	Venues  map[string]port.DexAdapter
	Events  port.EventSink
	Metrics port.Metrics
	Now     func() time.Time
}

// Lifecycle 两腿套利的开仓 / 平仓 / 换仓
type Lifecycle struct {
	cfg     LifecycleConfig
	locker  port.Locker
	store   port.PositionStore
	venues  map[string]port.DexAdapter
	events  port.EventSink
	metrics port.Metrics
	now     func() time.Time

	mu        sync.Mutex
	reconcile string // 非空时拒绝开仓
}

func NewLifecycle(cfg LifecycleConfig, deps LifecycleDeps) *Lifecycle {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	l := &Lifecycle{
		cfg:     cfg,
		locker:  deps.Locker,
		store:   deps.Store,
		venues:  deps.Venues,
		events:  deps.Events,
		metrics: deps.Metrics,
		now:     deps.Now,
	}
	if l.events == nil {
		l.events = port.NoopEventSink{}
	}
	if l.metrics == nil {
		l.metrics = port.NoopMetrics{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// OpenResult 开仓结果
type OpenResult struct {
	Outcome Outcome
	Run     *model.ArbRun
	Long    *model.Position
	Short   *model.Position
}

// CloseResult 平仓结果
type CloseResult struct {
	Outcome Outcome
	Run     *model.ArbRun
}

// ReplaceResult 换仓结果
type ReplaceResult struct {
	Outcome Outcome
	Closed  *model.ArbRun
	Opened  *model.ArbRun
}

// PairLockKey 同一交易对的开仓与平仓共用一把锁
func PairLockKey(p model.Pair) string {
	return fmt.Sprintf("arb:pair:%s:%s:%s", p.Instrument, p.Long, p.Short)
}

// ============================================
// Open
// ============================================

// Open 在交易对锁内计算规模、开两条腿并落库；任一腿失败时对成功腿做补偿平仓
func (l *Lifecycle) Open(ctx context.Context, c model.Candidate) (*OpenResult, error) {
	pair := c.Pair
	if reason, pending := l.ReconciliationPending(); pending {
		log.Warn().Str("pair", pair.String()).Str("reason", reason).Msg("open refused, reconciliation required")
		return &OpenResult{Outcome: OutcomeBlocked}, nil
	}
	longAd, shortAd, err := l.adapters(pair)
	if err != nil {
		return nil, err
	}

	var res *OpenResult
	acquired, err := l.withPairLock(ctx, pair, func() error {
		var err error
		res, err = l.open(ctx, c, longAd, shortAd)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &OpenResult{Outcome: OutcomeBusy}, nil
	}
	return res, nil
}

func (l *Lifecycle) open(ctx context.Context, c model.Candidate, longAd, shortAd port.DexAdapter) (*OpenResult, error) {
	pair := c.Pair
	runs, err := l.store.GetOpenRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open runs: %w", err)
	}
	for _, r := range runs {
		if r.Instrument == pair.Instrument {
			return nil, fmt.Errorf("%s (run=%d): %w", pair.Instrument, r.ID, model.ErrRunAlreadyOpen)
		}
	}

	size, err := l.TradeSize(ctx, pair.Instrument, longAd, shortAd)
	if err != nil {
		return nil, err
	}

	order := func(side model.Side) port.OpenOrder {
		return port.OpenOrder{
			Instrument: pair.Instrument,
			Side:       side,
			SizeUSD:    size,
			Leverage:   l.cfg.Leverage,
			Slippage:   l.cfg.Slippage,
		}
	}
	longRes, shortRes := runLegs(l.cfg.ConcurrentLegs, true,
		func() (*model.OrderResult, error) { return longAd.OpenPosition(ctx, order(model.SideLong)) },
		func() (*model.OrderResult, error) { return shortAd.OpenPosition(ctx, order(model.SideShort)) },
	)
	if shortRes.skipped {
		// 顺序模式下多头腿失败，空头腿未下单
		l.metrics.LegFailed("open", "long")
		return nil, &model.LegError{Leg: model.SideLong, Venue: pair.Long, Instrument: pair.Instrument, Op: "open", Err: longRes.err}
	}
	if longRes.err != nil || shortRes.err != nil {
		return nil, l.compensateOpen(ctx, pair, longAd, shortAd, longRes.err, shortRes.err)
	}

	now := l.now().UTC()
	collateral := size.Div(decimal.NewFromInt(int64(l.cfg.Leverage)))
	longPos := &model.Position{
		Venue: pair.Long, Instrument: pair.Instrument, Side: model.SideLong,
		Size: size, EntryPrice: longRes.val.EntryPrice, Leverage: l.cfg.Leverage, Collateral: collateral,
		VenuePositionID: longRes.val.OrderID, Status: model.StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	shortPos := &model.Position{
		Venue: pair.Short, Instrument: pair.Instrument, Side: model.SideShort,
		Size: size, EntryPrice: shortRes.val.EntryPrice, Leverage: l.cfg.Leverage, Collateral: collateral,
		VenuePositionID: shortRes.val.OrderID, Status: model.StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	run := &model.ArbRun{
		Instrument: pair.Instrument, LongVenue: pair.Long, ShortVenue: pair.Short,
		EntryScore: c.Score, Size: size, Status: model.StatusOpen, OpenedAt: now,
	}

	err = l.store.InTx(ctx, func(tx port.PositionStore) error {
		if err := tx.CreatePosition(ctx, longPos); err != nil {
			return err
		}
		if err := tx.CreatePosition(ctx, shortPos); err != nil {
			return err
		}
		run.LongPositionID = longPos.ID
		run.ShortPositionID = shortPos.ID
		return tx.CreateArbRun(ctx, run)
	})
	if err != nil {
		l.metrics.PersistenceFailed()
		log.Error().
			Err(err).
			Str("instrument", pair.Instrument).
			Str("long", pair.Long).
			Str("short", pair.Short).
			Str("long_order", longPos.VenuePositionID).
			Str("short_order", shortPos.VenuePositionID).
			Str("size", size.String()).
			Msg("legs are live on venue but not persisted, reconciliation required")
		l.RequireReconciliation(fmt.Sprintf("unpersisted open %s size=%s", pair, size))
		return nil, &model.PersistenceError{Op: "open", Instrument: pair.Instrument, Err: err}
	}

	log.Info().
		Int64("run_id", run.ID).
		Str("instrument", pair.Instrument).
		Str("long", pair.Long).
		Str("short", pair.Short).
		Str("size", size.String()).
		Str("score", c.Score.String()).
		Msg("✓ arb run opened")
	l.record(ctx, port.Event{Kind: "open", Instrument: pair.Instrument, Long: pair.Long, Short: pair.Short, RunID: run.ID, Score: c.Score.String()})

	return &OpenResult{Outcome: OutcomeOpened, Run: run, Long: longPos, Short: shortPos}, nil
}

// TradeSize = fraction × min(balance_long, balance_short)，两边余额并发查询
func (l *Lifecycle) TradeSize(ctx context.Context, instrument string, longAd, shortAd port.DexAdapter) (decimal.Decimal, error) {
	var balLong, balShort decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := longAd.GetBalance(gctx)
		if err != nil {
			return &model.LegError{Leg: model.SideLong, Venue: longAd.Name(), Instrument: instrument, Op: "balance", Err: err}
		}
		balLong = b
		return nil
	})
	g.Go(func() error {
		b, err := shortAd.GetBalance(gctx)
		if err != nil {
			return &model.LegError{Leg: model.SideShort, Venue: shortAd.Name(), Instrument: instrument, Op: "balance", Err: err}
		}
		balShort = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}

	size := decimal.Min(balLong, balShort).Mul(l.cfg.TradeFraction)
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: long=%s short=%s size=%s", model.ErrInsufficientBalance, balLong, balShort, size)
	}
	return size, nil
}

// compensateOpen 对已成交的那条腿做尽力平仓，然后返回腿错误
func (l *Lifecycle) compensateOpen(ctx context.Context, pair model.Pair, longAd, shortAd port.DexAdapter, longErr, shortErr error) error {
	var legErrs []error
	if longErr != nil {
		l.metrics.LegFailed("open", "long")
		legErrs = append(legErrs, &model.LegError{Leg: model.SideLong, Venue: pair.Long, Instrument: pair.Instrument, Op: "open", Err: longErr})
	}
	if shortErr != nil {
		l.metrics.LegFailed("open", "short")
		legErrs = append(legErrs, &model.LegError{Leg: model.SideShort, Venue: pair.Short, Instrument: pair.Instrument, Op: "open", Err: shortErr})
	}
	legErr := errors.Join(legErrs...)
	if longErr != nil && shortErr != nil {
		return legErr
	}

	filled, filledAd := model.SideLong, longAd
	if longErr != nil {
		filled, filledAd = model.SideShort, shortAd
	}

	// 调用方 ctx 被取消时补偿平仓仍需执行
	cctx := context.WithoutCancel(ctx)
	if _, err := filledAd.ClosePosition(cctx, pair.Instrument, l.cfg.Slippage); err != nil {
		l.metrics.PartialExposure()
		log.Error().
			Err(err).
			Str("instrument", pair.Instrument).
			Str("venue", filledAd.Name()).
			Str("leg", string(filled)).
			Msg("CRITICAL: compensation close failed, unhedged exposure")
		l.RequireReconciliation(fmt.Sprintf("unhedged %s leg on %s for %s", strings.ToLower(string(filled)), filledAd.Name(), pair.Instrument))
		l.record(ctx, port.Event{Kind: "error", Instrument: pair.Instrument, Long: pair.Long, Short: pair.Short, Payload: "partial exposure on open"})
		return &model.PartialExposureError{Instrument: pair.Instrument, OpenLegs: []model.Side{filled}, Err: errors.Join(legErr, err)}
	}

	log.Warn().
		Err(legErr).
		Str("instrument", pair.Instrument).
		Str("compensated", filledAd.Name()).
		Msg("open failed, filled leg closed")
	return legErr
}

// ============================================
// Close
// ============================================

// Close 平掉 runID（0 表示最近一次开仓的 OPEN run）的两条腿并落库；不自动重试
func (l *Lifecycle) Close(ctx context.Context, runID int64) (*CloseResult, error) {
	run, err := l.resolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	longAd, shortAd, err := l.adapters(run.Pair())
	if err != nil {
		return nil, err
	}

	var res *CloseResult
	acquired, err := l.withPairLock(ctx, run.Pair(), func() error {
		var err error
		res, err = l.close(ctx, run.ID, longAd, shortAd)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &CloseResult{Outcome: OutcomeBusy, Run: run}, nil
	}
	return res, nil
}

func (l *Lifecycle) resolveRun(ctx context.Context, runID int64) (*model.ArbRun, error) {
	if runID == 0 {
		run, err := l.store.LatestOpenRun(ctx)
		if err != nil {
			return nil, fmt.Errorf("load latest open run: %w", err)
		}
		if run == nil {
			return nil, model.ErrNoOpenRun
		}
		return run, nil
	}
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %d: %w", runID, model.ErrNoOpenRun)
	}
	return run, nil
}

func (l *Lifecycle) close(ctx context.Context, runID int64, longAd, shortAd port.DexAdapter) (*CloseResult, error) {
	// 拿到锁后重新读取，防止并发平仓
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil || run.Status != model.StatusOpen {
		return nil, fmt.Errorf("run %d: %w", runID, model.ErrRunNotOpen)
	}
	longPos, err := l.store.GetPosition(ctx, run.LongPositionID)
	if err != nil {
		return nil, fmt.Errorf("load long position %d: %w", run.LongPositionID, err)
	}
	shortPos, err := l.store.GetPosition(ctx, run.ShortPositionID)
	if err != nil {
		return nil, fmt.Errorf("load short position %d: %w", run.ShortPositionID, err)
	}
	if longPos == nil || shortPos == nil {
		return nil, fmt.Errorf("run %d: missing positions", run.ID)
	}

	closeLeg := func(pos *model.Position, ad port.DexAdapter) func() (*model.CloseResult, error) {
		return func() (*model.CloseResult, error) {
			// 上次部分平仓已关闭的腿不再重复下单
			if pos.Status == model.StatusClosed {
				return nil, nil
			}
			return ad.ClosePosition(ctx, run.Instrument, l.cfg.Slippage)
		}
	}
	longRes, shortRes := runLegs(l.cfg.ConcurrentLegs, false, closeLeg(longPos, longAd), closeLeg(shortPos, shortAd))

	now := l.now().UTC()
	if longRes.err != nil || shortRes.err != nil {
		return nil, l.partialClose(ctx, run, longPos, shortPos, longRes.err, shortRes.err, now)
	}

	err = l.store.InTx(ctx, func(tx port.PositionStore) error {
		for _, p := range []*model.Position{longPos, shortPos} {
			if p.Status == model.StatusClosed {
				continue
			}
			if err := tx.ClosePosition(ctx, p.ID, now); err != nil {
				return err
			}
		}
		return tx.CloseArbRun(ctx, run.ID, now)
	})
	if err != nil {
		l.metrics.PersistenceFailed()
		log.Error().
			Err(err).
			Int64("run_id", run.ID).
			Str("instrument", run.Instrument).
			Str("long", run.LongVenue).
			Str("short", run.ShortVenue).
			Msg("legs closed on venue but not persisted, reconciliation required")
		return nil, &model.PersistenceError{Op: "close", Instrument: run.Instrument, RunID: run.ID, Err: err}
	}

	run.Status = model.StatusClosed
	run.ClosedAt = &now
	run.UnfavorableSince = nil
	log.Info().
		Int64("run_id", run.ID).
		Str("instrument", run.Instrument).
		Str("long", run.LongVenue).
		Str("short", run.ShortVenue).
		Msg("✓ arb run closed")
	l.record(ctx, port.Event{Kind: "close", Instrument: run.Instrument, Long: run.LongVenue, Short: run.ShortVenue, RunID: run.ID})

	return &CloseResult{Outcome: OutcomeClosed, Run: run}, nil
}

// partialClose 一条或两条腿平仓失败：成功的腿标记 CLOSED，run 保持 OPEN，不做补偿
func (l *Lifecycle) partialClose(ctx context.Context, run *model.ArbRun, longPos, shortPos *model.Position, longErr, shortErr error, now time.Time) error {
	var (
		legErrs  []error
		openLegs []model.Side
	)
	legs := []struct {
		side model.Side
		pos  *model.Position
		err  error
	}{
		{model.SideLong, longPos, longErr},
		{model.SideShort, shortPos, shortErr},
	}
	for _, leg := range legs {
		if leg.err != nil {
			l.metrics.LegFailed("close", strings.ToLower(string(leg.side)))
			legErrs = append(legErrs, &model.LegError{Leg: leg.side, Venue: leg.pos.Venue, Instrument: run.Instrument, Op: "close", Err: leg.err})
			openLegs = append(openLegs, leg.side)
			continue
		}
		if leg.pos.Status == model.StatusClosed {
			continue
		}
		if err := l.store.ClosePosition(ctx, leg.pos.ID, now); err != nil {
			l.metrics.PersistenceFailed()
			log.Error().Err(err).Int64("run_id", run.ID).Int64("position_id", leg.pos.ID).Msg("persist closed leg failed")
		}
	}
	legErr := errors.Join(legErrs...)

	if len(openLegs) == 2 {
		log.Error().
			Err(legErr).
			Int64("run_id", run.ID).
			Str("instrument", run.Instrument).
			Msg("close failed on both legs, run still hedged")
		return legErr
	}

	l.metrics.PartialExposure()
	log.Error().
		Err(legErr).
		Int64("run_id", run.ID).
		Str("instrument", run.Instrument).
		Str("long", run.LongVenue).
		Str("short", run.ShortVenue).
		Str("open_leg", string(openLegs[0])).
		Msg("CRITICAL: partial exposure after close, operator attention required")
	l.record(ctx, port.Event{Kind: "error", Instrument: run.Instrument, Long: run.LongVenue, Short: run.ShortVenue, RunID: run.ID, Payload: "partial exposure on close"})
	return &model.PartialExposureError{RunID: run.ID, Instrument: run.Instrument, OpenLegs: openLegs, Err: legErr}
}

// ============================================
// Replace
// ============================================

// Replace 先平 runID，平仓成功后才开 next；平仓失败时整个换仓放弃
func (l *Lifecycle) Replace(ctx context.Context, runID int64, next model.Candidate) (*ReplaceResult, error) {
	// 开仓被拒时不能先平旧仓
	if reason, pending := l.ReconciliationPending(); pending {
		log.Warn().Int64("run_id", runID).Str("reason", reason).Msg("replace refused, reconciliation required")
		return &ReplaceResult{Outcome: OutcomeBlocked}, nil
	}
	closed, err := l.Close(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("replace: close run %d: %w", runID, err)
	}
	if closed.Outcome == OutcomeBusy {
		return &ReplaceResult{Outcome: OutcomeBusy}, nil
	}

	opened, err := l.Open(ctx, next)
	if err != nil {
		return &ReplaceResult{Outcome: OutcomeClosed, Closed: closed.Run}, fmt.Errorf("replace: open %s: %w", next.Pair, err)
	}
	if opened.Outcome == OutcomeBusy || opened.Outcome == OutcomeBlocked {
		return &ReplaceResult{Outcome: OutcomeClosed, Closed: closed.Run}, nil
	}

	l.record(ctx, port.Event{Kind: "replace", Instrument: next.Instrument, Long: next.Long, Short: next.Short, RunID: opened.Run.ID, Score: next.Score.String()})
	return &ReplaceResult{Outcome: OutcomeReplaced, Closed: closed.Run, Opened: opened.Run}, nil
}

// ============================================
// Reconciliation
// ============================================

// ReconciliationPending 交易所上存在存储不知道的敞口时返回原因
func (l *Lifecycle) ReconciliationPending() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconcile, l.reconcile != ""
}

// ClearReconciliation 对账完成后恢复开仓
func (l *Lifecycle) ClearReconciliation() {
	l.mu.Lock()
	prev := l.reconcile
	l.reconcile = ""
	l.mu.Unlock()
	if prev != "" {
		log.Info().Str("reason", prev).Msg("reconciliation cleared, opens resumed")
	}
}

// RequireReconciliation 暂停开仓，直到 ClearReconciliation
func (l *Lifecycle) RequireReconciliation(reason string) {
	l.mu.Lock()
	if l.reconcile == "" {
		l.reconcile = reason
	}
	l.mu.Unlock()
}

// ============================================
// helpers
// ============================================

func (l *Lifecycle) adapters(p model.Pair) (port.DexAdapter, port.DexAdapter, error) {
	longAd, ok := l.venues[p.Long]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrUnknownVenue, p.Long)
	}
	shortAd, ok := l.venues[p.Short]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrUnknownVenue, p.Short)
	}
	return longAd, shortAd, nil
}

// withPairLock 锁被占用时 acquired=false 且不执行 fn
func (l *Lifecycle) withPairLock(ctx context.Context, p model.Pair, fn func() error) (bool, error) {
	key := PairLockKey(p)
	lease, ok, err := l.locker.Acquire(ctx, key, l.cfg.PairLockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		l.metrics.LockBusy("pair")
		log.Info().Str("lock", key).Msg("pair lock busy, skipping")
		return false, nil
	}
	defer func() {
		released, err := l.locker.Release(ctx, lease)
		if err != nil {
			log.Warn().Err(err).Str("lock", key).Msg("release pair lock failed")
		} else if !released {
			log.Warn().Str("lock", key).Msg("pair lock expired before release")
		}
	}()
	return true, fn()
}

func (l *Lifecycle) record(ctx context.Context, ev port.Event) {
	if ev.Ts.IsZero() {
		ev.Ts = l.now().UTC()
	}
	if err := l.events.RecordEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", ev.Kind).Msg("record event failed")
	}
}

type legResult[T any] struct {
	val     T
	err     error
	skipped bool
}

// runLegs 并发（或依次）执行两条腿并等待全部完成；并发时两条腿的完成顺序无保证
// 依次执行且 halt 为 true 时，多头腿失败则跳过空头腿
func runLegs[T any](concurrent, halt bool, long, short func() (T, error)) (legResult[T], legResult[T]) {
	var lr, sr legResult[T]
	if !concurrent {
		lr.val, lr.err = long()
		if lr.err != nil && halt {
			sr.skipped = true
			return lr, sr
		}
		sr.val, sr.err = short()
		return lr, sr
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lr.val, lr.err = long()
	}()
	go func() {
		defer wg.Done()
		sr.val, sr.err = short()
	}()
	wg.Wait()
	return lr, sr
}
