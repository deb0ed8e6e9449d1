package service

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

var minutesPerHour = decimal.NewFromInt(60)

// EstimateSwitchCost 用历史费率估算换仓成本：
// 两个交易所的样本按分钟对齐，spread_t = a_t - b_t，
// 取相邻分钟 |spread| 变化量的中位数再乘以 60。对齐点少于 2 个时返回 0
func EstimateSwitchCost(a, b []model.RateSample) (cost, median decimal.Decimal) {
	byMinuteA := alignByMinute(a)
	byMinuteB := alignByMinute(b)

	minutes := make([]time.Time, 0, len(byMinuteA))
	for m := range byMinuteA {
		if _, ok := byMinuteB[m]; ok {
			minutes = append(minutes, m)
		}
	}
	if len(minutes) < 2 {
		return decimal.Zero, decimal.Zero
	}
	slices.SortFunc(minutes, func(x, y time.Time) int { return x.Compare(y) })

	deltas := make([]decimal.Decimal, 0, len(minutes)-1)
	prev := byMinuteA[minutes[0]].Sub(byMinuteB[minutes[0]])
	for _, m := range minutes[1:] {
		spread := byMinuteA[m].Sub(byMinuteB[m])
		deltas = append(deltas, spread.Sub(prev).Abs())
		prev = spread
	}
	slices.SortFunc(deltas, func(x, y decimal.Decimal) int { return x.Cmp(y) })

	median = deltas[len(deltas)/2]
	return median.Mul(minutesPerHour), median
}

// 同一分钟内多个样本时以最后一个为准
func alignByMinute(samples []model.RateSample) map[time.Time]decimal.Decimal {
	out := make(map[time.Time]decimal.Decimal, len(samples))
	for _, s := range samples {
		out[s.Timestamp.UTC().Truncate(time.Minute)] = s.Rate
	}
	return out
}
