package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// Score = expected_rate(long) - expected_rate(short)，越高越好
func Score(table RateTable, p model.Pair) decimal.Decimal {
	return table.Get(p.Long, p.Instrument).Rate.Sub(table.Get(p.Short, p.Instrument).Rate)
}

// Enumerate 按 instrument × 有序交易所对 的枚举顺序回调，跳过任一侧无数据的组合
func Enumerate(table RateTable, instruments, venues []string, fn func(c model.Candidate)) {
	for _, inst := range instruments {
		for _, long := range venues {
			for _, short := range venues {
				if long == short {
					continue
				}
				if !table.Get(long, inst).HasData() || !table.Get(short, inst).HasData() {
					continue
				}
				p := model.Pair{Instrument: inst, Long: long, Short: short}
				fn(model.Candidate{Pair: p, Score: Score(table, p)})
			}
		}
	}
}

// PickBest 穷举所有三元组取最高分；同分时先枚举到的胜出
func PickBest(table RateTable, instruments, venues []string) model.Selection {
	var (
		best  model.Candidate
		found bool
	)
	Enumerate(table, instruments, venues, func(c model.Candidate) {
		if !found || c.Score.GreaterThan(best.Score) {
			best, found = c, true
		}
	})
	if !found {
		return model.NoCandidate{}
	}
	return best
}

// Opportunities 返回所有严格超过阈值的候选，保持枚举顺序
func Opportunities(table RateTable, instruments, venues []string, threshold decimal.Decimal) []model.Candidate {
	var out []model.Candidate
	Enumerate(table, instruments, venues, func(c model.Candidate) {
		if c.Score.GreaterThan(threshold) {
			out = append(out, c)
		}
	})
	return out
}

// DecisionEngine 开仓 / 持有 / 换仓决策
type DecisionEngine struct {
	SwitchCost      decimal.Decimal
	MinProfitBuffer decimal.Decimal
}

func NewDecisionEngine(switchCost, minProfitBuffer decimal.Decimal) *DecisionEngine {
	return &DecisionEngine{SwitchCost: switchCost, MinProfitBuffer: minProfitBuffer}
}

// Threshold 开仓阈值 = switch_cost + min_profit_buffer
func (e *DecisionEngine) Threshold() decimal.Decimal {
	return e.SwitchCost.Add(e.MinProfitBuffer)
}

// DecideOpen 空仓时：best > threshold 才开仓，否则持币
func (e *DecisionEngine) DecideOpen(best model.Selection) model.Decision {
	threshold := e.Threshold()
	d := model.Decision{Action: model.ActionHoldCash, Selection: best, Threshold: threshold}

	c, ok := best.(model.Candidate)
	if !ok {
		d.Reason = "no candidate"
		return d
	}
	if c.Score.GreaterThan(threshold) {
		d.Action = model.ActionOpen
		d.Reason = fmt.Sprintf("score %s > threshold %s", c.Score, threshold)
		return d
	}
	d.Reason = fmt.Sprintf("score %s <= threshold %s", c.Score, threshold)
	return d
}

// DecideHeld 持仓时：best 与持仓相同则持有；best > held + threshold 才换仓
func (e *DecisionEngine) DecideHeld(held model.Pair, heldScore decimal.Decimal, best model.Selection) model.Decision {
	required := heldScore.Add(e.Threshold())
	d := model.Decision{Action: model.ActionHold, Selection: best, HeldScore: heldScore, Threshold: required}

	c, ok := best.(model.Candidate)
	if !ok {
		d.Reason = "no candidate"
		return d
	}
	if c.Pair == held {
		d.Reason = "best candidate is the held pair"
		return d
	}
	if c.Score.GreaterThan(required) {
		d.Action = model.ActionReplace
		d.Reason = fmt.Sprintf("best %s > held %s + threshold", c.Score, heldScore)
		return d
	}
	d.Reason = fmt.Sprintf("best %s <= required %s", c.Score, required)
	return d
}
