package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/domain/model"
)

// emaPrecision 每一步递推保留的小数位
const emaPrecision = 28

// RateSource 费率样本来源（由存储层实现）
type RateSource interface {
	FetchRecent(ctx context.Context, venue, instrument string, window time.Duration) ([]model.RateSample, error)
}

// EMA 对按时间升序排列的样本做单次指数移动平均
// ema_0 = s_0; ema_i = alpha*s_i + (1-alpha)*ema_{i-1}；无样本时返回 0
func EMA(samples []decimal.Decimal, alpha decimal.Decimal) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	keep := decimal.NewFromInt(1).Sub(alpha)
	ema := samples[0]
	for _, s := range samples[1:] {
		ema = alpha.Mul(s).Add(keep.Mul(ema)).Round(emaPrecision)
	}
	return ema
}

// Estimate 单个 (venue, instrument) 的预期费率
type Estimate struct {
	Rate    decimal.Decimal
	Samples int
}

// HasData Samples == 0 即数据不足
func (e Estimate) HasData() bool { return e.Samples > 0 }

// RateEstimator 基于最近窗口样本计算平滑后的预期费率
type RateEstimator struct {
	source RateSource
	alpha  decimal.Decimal
	window time.Duration
}

func NewRateEstimator(source RateSource, alpha decimal.Decimal, window time.Duration) *RateEstimator {
	return &RateEstimator{source: source, alpha: alpha, window: window}
}

// ExpectedRate 返回 (venue, instrument) 的 EMA；无样本时 Rate 为 0、Samples 为 0
func (e *RateEstimator) ExpectedRate(ctx context.Context, venue, instrument string) (Estimate, error) {
	samples, err := e.source.FetchRecent(ctx, venue, instrument, e.window)
	if err != nil {
		return Estimate{}, fmt.Errorf("fetch rates %s/%s: %w", venue, instrument, err)
	}
	if len(samples) == 0 {
		return Estimate{Rate: decimal.Zero}, nil
	}

	slices.SortStableFunc(samples, func(a, b model.RateSample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	values := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		values[i] = s.Rate
	}
	return Estimate{Rate: EMA(values, e.alpha), Samples: len(samples)}, nil
}

// Snapshot 并发计算所有 (venue, instrument) 的预期费率，每个 tick 只取一次
func (e *RateEstimator) Snapshot(ctx context.Context, venues, instruments []string) (RateTable, error) {
	table := make(RateTable, len(venues))
	for _, v := range venues {
		table[v] = make(map[string]Estimate, len(instruments))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, v := range venues {
		for _, inst := range instruments {
			g.Go(func() error {
				est, err := e.ExpectedRate(gctx, v, inst)
				if err != nil {
					return err
				}
				mu.Lock()
				table[v][inst] = est
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return table, nil
}

// RateTable venue -> instrument -> Estimate
type RateTable map[string]map[string]Estimate

// Get 查询预期费率，缺失时返回空 Estimate
func (t RateTable) Get(venue, instrument string) Estimate {
	if byInst, ok := t[venue]; ok {
		return byInst[instrument]
	}
	return Estimate{Rate: decimal.Zero}
}
