package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// DriftKind 存储与交易所不一致的类型
type DriftKind string

const (
	// DriftMissingLeg 存储认为开着，交易所上没有
	DriftMissingLeg DriftKind = "missing_leg"
	// DriftOrphan 交易所上有仓位，但没有任何开着的 run 对应
	DriftOrphan DriftKind = "orphan"
)

type Drift struct {
	Kind       DriftKind
	Venue      string
	Instrument string
	Side       model.Side
	RunID      int64
}

// Auditor 只读对账：比较存储中的开仓 run 与各交易所的实际仓位，只记录不修复
type Auditor struct {
	store  port.PositionStore
	venues map[string]port.DexAdapter
}

func NewAuditor(store port.PositionStore, venues map[string]port.DexAdapter) *Auditor {
	return &Auditor{store: store, venues: venues}
}

type legKey struct {
	venue, instrument string
	side              model.Side
}

// Audit 返回发现的不一致；单个交易所查询失败不影响其他交易所
func (a *Auditor) Audit(ctx context.Context) ([]Drift, error) {
	runs, err := a.store.GetOpenRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open runs: %w", err)
	}

	expected := make(map[legKey]int64)
	for _, run := range runs {
		for _, leg := range []struct {
			posID int64
			venue string
			side  model.Side
		}{
			{run.LongPositionID, run.LongVenue, model.SideLong},
			{run.ShortPositionID, run.ShortVenue, model.SideShort},
		} {
			pos, err := a.store.GetPosition(ctx, leg.posID)
			if err != nil {
				return nil, fmt.Errorf("load position %d: %w", leg.posID, err)
			}
			// 部分平仓后已关闭的腿不再期望存在
			if pos != nil && pos.Status == model.StatusClosed {
				continue
			}
			expected[legKey{leg.venue, run.Instrument, leg.side}] = run.ID
		}
	}

	names := make([]string, 0, len(a.venues))
	for name := range a.venues {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		drifts []Drift
		errs   []error
		seen   = make(map[legKey]bool)
	)
	for _, name := range names {
		snaps, err := a.venues[name].ListPositions(ctx, "")
		if err != nil {
			errs = append(errs, &model.LegError{Venue: name, Op: "list_positions", Err: err})
			// 查询失败时不能断言缺腿
			for k := range expected {
				if k.venue == name {
					seen[k] = true
				}
			}
			continue
		}
		for _, s := range snaps {
			k := legKey{name, s.Instrument, s.Side}
			if _, ok := expected[k]; ok {
				seen[k] = true
				continue
			}
			drifts = append(drifts, Drift{Kind: DriftOrphan, Venue: name, Instrument: s.Instrument, Side: s.Side})
		}
	}
	for k, runID := range expected {
		if !seen[k] {
			drifts = append(drifts, Drift{Kind: DriftMissingLeg, Venue: k.venue, Instrument: k.instrument, Side: k.side, RunID: runID})
		}
	}

	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Venue != drifts[j].Venue {
			return drifts[i].Venue < drifts[j].Venue
		}
		if drifts[i].Instrument != drifts[j].Instrument {
			return drifts[i].Instrument < drifts[j].Instrument
		}
		return drifts[i].Side < drifts[j].Side
	})
	for _, d := range drifts {
		log.Warn().
			Str("kind", string(d.Kind)).
			Str("venue", d.Venue).
			Str("instrument", d.Instrument).
			Str("side", string(d.Side)).
			Int64("run_id", d.RunID).
			Msg("position drift detected")
	}
	log.Info().Int("open_runs", len(runs)).Int("drifts", len(drifts)).Msg("position audit finished")
	return drifts, errors.Join(errs...)
}
