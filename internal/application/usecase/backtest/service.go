package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// Report 换仓成本回测结果
type Report struct {
	Pair         model.Pair
	Window       time.Duration
	LongSamples  int
	ShortSamples int
	MedianDelta  decimal.Decimal
	SwitchCost   decimal.Decimal
}

// Service 用历史费率估计换仓成本
type Service struct {
	source domainservice.RateSource
}

func NewService(source domainservice.RateSource) *Service {
	return &Service{source: source}
}

// EstimateSwitchCost 拉取两个交易所 window 内的样本，按分钟对齐后估算
func (s *Service) EstimateSwitchCost(ctx context.Context, pair model.Pair, window time.Duration) (*Report, error) {
	if pair.Long == pair.Short {
		return nil, fmt.Errorf("long and short venue must differ: %s", pair)
	}

	var longSamples, shortSamples []model.RateSample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longSamples, err = s.source.FetchRecent(gctx, pair.Long, pair.Instrument, window)
		return err
	})
	g.Go(func() error {
		var err error
		shortSamples, err = s.source.FetchRecent(gctx, pair.Short, pair.Instrument, window)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch samples for %s: %w", pair, err)
	}

	cost, median := domainservice.EstimateSwitchCost(longSamples, shortSamples)
	return &Report{
		Pair:         pair,
		Window:       window,
		LongSamples:  len(longSamples),
		ShortSamples: len(shortSamples),
		MedianDelta:  median,
		SwitchCost:   cost,
	}, nil
}
