package seed

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// RateWriter 费率样本写入端
type RateWriter interface {
	SaveRate(ctx context.Context, r model.RateSample) error
}

// Options 合成数据参数
type Options struct {
	Venues      []string
	Instruments []string
	Minutes     int
	End         time.Time
	Seed        uint64
}

// Generate 为每个 (venue, instrument) 生成每分钟一个的随机游走费率，
// 范围约在 ±0.01 内；相同 Seed 生成相同数据
func Generate(ctx context.Context, w RateWriter, opts Options) (int, error) {
	if opts.Minutes <= 0 {
		opts.Minutes = 60
	}
	if opts.End.IsZero() {
		opts.End = time.Now()
	}
	end := opts.End.UTC().Truncate(time.Minute)
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	step := decimal.RequireFromString("0.0001")
	limit := decimal.RequireFromString("0.01")
	n := 0
	for _, inst := range opts.Instruments {
		for vi, venue := range opts.Venues {
			// 不同交易所起点不同，制造价差
			rate := decimal.NewFromInt(int64(vi*10 - 5)).Mul(step)
			for m := opts.Minutes - 1; m >= 0; m-- {
				rate = rate.Add(decimal.NewFromInt(int64(rng.IntN(7) - 3)).Mul(step))
				if rate.Abs().GreaterThan(limit) {
					rate = limit.Mul(decimal.NewFromInt(int64(rate.Sign())))
				}
				err := w.SaveRate(ctx, model.RateSample{
					Venue:      venue,
					Instrument: inst,
					Timestamp:  end.Add(-time.Duration(m) * time.Minute),
					Rate:       rate,
				})
				if err != nil {
					return n, fmt.Errorf("save %s/%s sample: %w", venue, inst, err)
				}
				n++
			}
		}
	}
	return n, nil
}
