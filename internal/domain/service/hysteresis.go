package service

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// Condition 持仓状态分类，空字符串表示有利
type Condition string

const (
	Favorable       Condition = ""
	NoOpportunity   Condition = "no-opportunity"
	DirectionChange Condition = "direction-change"
	BelowThreshold  Condition = "below-threshold"
)

// Classify 按顺序判断持仓是否不利，命中第一条即返回
// opportunities 为本 tick 严格超过开仓阈值的候选
func Classify(run *model.ArbRun, heldScore decimal.Decimal, opportunities []model.Candidate) Condition {
	if len(opportunities) == 0 {
		return NoOpportunity
	}

	held := run.Pair()
	if heldScore.Sign() != 0 && heldScore.Sign() != run.EntryScore.Sign() {
		for _, c := range opportunities {
			if c.Pair.SameVenues(held) {
				return DirectionChange
			}
		}
	}

	for _, c := range opportunities {
		if c.Instrument == run.Instrument {
			return Favorable
		}
	}
	return BelowThreshold
}

// Signal tracker 输出
type Signal int

const (
	SignalNone Signal = iota
	SignalExit
)

// Observation 单次观察结果；Changed 为 true 时需要把 Since 写回存储
type Observation struct {
	Signal  Signal
	Since   *time.Time
	Elapsed time.Duration
	Changed bool
}

// HysteresisTracker 不利状态持续超过宽限期才发出退出信号
type HysteresisTracker struct {
	grace time.Duration

	mu    sync.Mutex
	since map[int64]time.Time
}

func NewHysteresisTracker(grace time.Duration) *HysteresisTracker {
	return &HysteresisTracker{grace: grace, since: make(map[int64]time.Time)}
}

// Restore 从存储恢复计时起点（进程重启后），已有记录时忽略
func (t *HysteresisTracker) Restore(runID int64, since *time.Time) {
	if since == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.since[runID]; !ok {
		t.since[runID] = *since
	}
}

// Observe 记录本 tick 的分类并返回是否应退出
func (t *HysteresisTracker) Observe(runID int64, cond Condition, now time.Time) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, tracked := t.since[runID]
	if cond == Favorable {
		if !tracked {
			return Observation{}
		}
		delete(t.since, runID)
		return Observation{Changed: true}
	}

	if !tracked {
		t.since[runID] = now
		ts := now
		return Observation{Since: &ts, Changed: true}
	}

	elapsed := now.Sub(started)
	if elapsed >= t.grace {
		delete(t.since, runID)
		return Observation{Signal: SignalExit, Elapsed: elapsed, Changed: true}
	}
	ts := started
	return Observation{Since: &ts, Elapsed: elapsed}
}

// Forget 套利关闭后清理状态
func (t *HysteresisTracker) Forget(runID int64) {
	t.mu.Lock()
	delete(t.since, runID)
	t.mu.Unlock()
}
