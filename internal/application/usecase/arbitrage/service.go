package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// DefaultDecisionLockKey 全局决策锁
const DefaultDecisionLockKey = "arb:decision"

type ServiceDeps struct {
	Locker    port.Locker
	Store     port.PositionStore
	Estimator *domainservice.RateEstimator
	Engine    *domainservice.DecisionEngine
	Tracker   *domainservice.HysteresisTracker
	Lifecycle *service.Lifecycle
	Auditor   *service.Auditor // 可选；对账干净时解除开仓限制
	Events    port.EventSink
	Metrics   port.Metrics

	Instruments     []string
	Venues          []string
	PollInterval    time.Duration
	DecisionLockKey string
	DecisionLockTTL time.Duration
	Now             func() time.Time
}

// TickOutcome 单次 tick 的结果
type TickOutcome string

const (
	TickDone   TickOutcome = "done"
	TickBusy   TickOutcome = "busy"
	TickFailed TickOutcome = "failed"
)

// TickReport tick 摘要
type TickReport struct {
	ID        string
	Outcome   TickOutcome
	Decisions []model.Decision
}

// Service 周期性决策循环
type Service struct {
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	if deps.DecisionLockKey == "" {
		deps.DecisionLockKey = DefaultDecisionLockKey
	}
	if deps.Events == nil {
		deps.Events = port.NoopEventSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = port.NoopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps}
}

// Run 立即执行一次 tick，之后按 PollInterval 周期执行，直到 ctx 结束
func (s *Service) Run(ctx context.Context) error {
	if s.deps.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()

	log.Info().
		Strs("instruments", s.deps.Instruments).
		Strs("venues", s.deps.Venues).
		Dur("poll", s.deps.PollInterval).
		Msg("decision loop started")

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("decision loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick 单个 tick 的任何失败（包括 panic）都只记录日志
func (s *Service) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Metrics.TickCompleted(string(TickFailed))
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("decision tick panicked")
		}
	}()

	report, err := s.Tick(ctx)
	s.deps.Metrics.TickCompleted(string(report.Outcome))
	if err != nil {
		log.Error().Err(err).Str("tick", report.ID).Msg("decision tick failed")
	}
}

// Tick 在全局决策锁内完成一次评估与动作
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{ID: uuid.NewString(), Outcome: TickDone}

	lease, ok, err := s.deps.Locker.Acquire(ctx, s.deps.DecisionLockKey, s.deps.DecisionLockTTL)
	if err != nil {
		report.Outcome = TickFailed
		return report, fmt.Errorf("acquire decision lock: %w", err)
	}
	if !ok {
		s.deps.Metrics.LockBusy("decision")
		log.Info().Str("tick", report.ID).Msg("decision lock busy, skipping tick")
		report.Outcome = TickBusy
		return report, nil
	}
	defer func() {
		if _, err := s.deps.Locker.Release(ctx, lease); err != nil {
			log.Warn().Err(err).Msg("release decision lock failed")
		}
	}()

	if err := s.evaluate(ctx, &report); err != nil {
		report.Outcome = TickFailed
		return report, err
	}
	return report, nil
}

func (s *Service) evaluate(ctx context.Context, report *TickReport) error {
	runs, err := s.deps.Store.GetOpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("load open runs: %w", err)
	}
	s.deps.Metrics.OpenRuns(len(runs))
	s.tryReconcile(ctx)

	table, err := s.deps.Estimator.Snapshot(ctx, s.deps.Venues, s.deps.Instruments)
	if err != nil {
		return fmt.Errorf("estimate rates: %w", err)
	}
	best := domainservice.PickBest(table, s.deps.Instruments, s.deps.Venues)
	opportunities := domainservice.Opportunities(table, s.deps.Instruments, s.deps.Venues, s.deps.Engine.Threshold())

	if len(runs) == 0 {
		d := s.deps.Engine.DecideOpen(best)
		s.logDecision(ctx, report, d, nil, domainservice.Favorable)
		if d.Action != model.ActionOpen {
			return nil
		}
		c, _ := d.Best()
		res, err := s.deps.Lifecycle.Open(ctx, c)
		if err != nil {
			return fmt.Errorf("open %s: %w", c.Pair, err)
		}
		switch res.Outcome {
		case service.OutcomeBusy:
			log.Info().Str("tick", report.ID).Str("pair", c.Pair.String()).Msg("open skipped, pair busy")
		case service.OutcomeBlocked:
			log.Warn().Str("tick", report.ID).Str("pair", c.Pair.String()).Msg("open skipped, reconciliation required")
		}
		return nil
	}

	held := make(map[string]int64, len(runs))
	for _, r := range runs {
		held[r.Instrument] = r.ID
	}

	var errs []error
	replaced := false
	for _, run := range runs {
		heldScore := domainservice.Score(table, run.Pair())
		d := s.deps.Engine.DecideHeld(run.Pair(), heldScore, best)

		if d.Action == model.ActionReplace {
			c, _ := d.Best()
			switch other, taken := held[c.Instrument]; {
			case replaced:
				d.Action, d.Reason = model.ActionHold, "already replaced this tick"
			case taken && other != run.ID:
				d.Action, d.Reason = model.ActionHold, fmt.Sprintf("best instrument held by run %d", other)
			default:
				replaced = true
				s.logDecision(ctx, report, d, run, domainservice.Favorable)
				if err := s.replace(ctx, run, c); err != nil {
					errs = append(errs, err)
				}
				continue
			}
		}

		if err := s.checkHysteresis(ctx, report, run, d, heldScore, opportunities); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// tryReconcile 交易所仓位与存储一致时恢复开仓
func (s *Service) tryReconcile(ctx context.Context) {
	reason, pending := s.deps.Lifecycle.ReconciliationPending()
	if !pending || s.deps.Auditor == nil {
		return
	}
	drifts, err := s.deps.Auditor.Audit(ctx)
	if err != nil || len(drifts) > 0 {
		log.Warn().Err(err).Int("drifts", len(drifts)).Str("reason", reason).Msg("reconciliation still required")
		return
	}
	s.deps.Lifecycle.ClearReconciliation()
}

func (s *Service) replace(ctx context.Context, run *model.ArbRun, c model.Candidate) error {
	res, err := s.deps.Lifecycle.Replace(ctx, run.ID, c)
	if res != nil && res.Closed != nil {
		s.deps.Tracker.Forget(run.ID)
	}
	if err != nil {
		return fmt.Errorf("replace run %d with %s: %w", run.ID, c.Pair, err)
	}
	if res.Outcome != service.OutcomeReplaced {
		log.Info().Int64("run_id", run.ID).Str("outcome", string(res.Outcome)).Msg("replace not completed this tick")
	}
	return nil
}

// checkHysteresis 更新不利计时；超过宽限期时平仓
func (s *Service) checkHysteresis(ctx context.Context, report *TickReport, run *model.ArbRun, d model.Decision, heldScore decimal.Decimal, opportunities []model.Candidate) error {
	s.deps.Tracker.Restore(run.ID, run.UnfavorableSince)
	cond := domainservice.Classify(run, heldScore, opportunities)
	obs := s.deps.Tracker.Observe(run.ID, cond, s.deps.Now())

	if obs.Signal != domainservice.SignalExit {
		if obs.Changed {
			if err := s.deps.Store.UpdateUnfavorableSince(ctx, run.ID, obs.Since); err != nil {
				return fmt.Errorf("update unfavorable_since for run %d: %w", run.ID, err)
			}
		}
		s.logDecision(ctx, report, d, run, cond)
		return nil
	}

	d.Action = model.ActionExit
	d.Reason = fmt.Sprintf("%s for %s", cond, obs.Elapsed.Round(time.Second))
	s.logDecision(ctx, report, d, run, cond)

	// 先清除计时，平仓失败或锁忙时下个 tick 重新计算宽限期
	var clearErr error
	if err := s.deps.Store.UpdateUnfavorableSince(ctx, run.ID, nil); err != nil {
		clearErr = fmt.Errorf("clear unfavorable_since for run %d: %w", run.ID, err)
	}

	res, err := s.deps.Lifecycle.Close(ctx, run.ID)
	if err != nil {
		return errors.Join(clearErr, fmt.Errorf("exit run %d: %w", run.ID, err))
	}
	if res.Outcome == service.OutcomeBusy {
		log.Info().Int64("run_id", run.ID).Msg("exit skipped, pair busy")
	}
	return clearErr
}

// logDecision 每个决策一行结构化日志，并写入事件流
func (s *Service) logDecision(ctx context.Context, report *TickReport, d model.Decision, run *model.ArbRun, cond domainservice.Condition) {
	report.Decisions = append(report.Decisions, d)
	s.deps.Metrics.DecisionMade(string(d.Action))

	ev := log.Info().
		Str("tick", report.ID).
		Str("action", string(d.Action)).
		Str("threshold", d.Threshold.String()).
		Str("reason", d.Reason)
	event := port.Event{Ts: s.deps.Now().UTC(), Kind: "decision", Payload: string(d.Action) + ": " + d.Reason}

	if c, ok := d.Best(); ok {
		ev = ev.Str("instrument", c.Instrument).
			Str("long", c.Long).
			Str("short", c.Short).
			Str("score", c.Score.String())
		event.Instrument, event.Long, event.Short, event.Score = c.Instrument, c.Long, c.Short, c.Score.String()
	}
	if run != nil {
		ev = ev.Int64("run_id", run.ID).
			Str("held", run.Pair().String()).
			Str("held_score", d.HeldScore.String())
		event.RunID = run.ID
		if cond != domainservice.Favorable {
			ev = ev.Str("condition", string(cond))
		}
	}
	ev.Msg("decision")

	if err := s.deps.Events.RecordEvent(ctx, event); err != nil {
		log.Warn().Err(err).Msg("record decision event failed")
	}
}

