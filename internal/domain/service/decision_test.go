package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/internal/domain/model"
)

func table(rates map[string]map[string]string) RateTable {
	t := make(RateTable)
	for venue, byInst := range rates {
		t[venue] = make(map[string]Estimate)
		for inst, r := range byInst {
			t[venue][inst] = Estimate{Rate: dec(r), Samples: 1}
		}
	}
	return t
}

func TestPickBestNeverSelfPairs(t *testing.T) {
	rt := table(map[string]map[string]string{
		"A": {"BTC": "0.0010", "ETH": "0.0030"},
		"B": {"BTC": "-0.0020", "ETH": "0.0001"},
		"C": {"BTC": "0.0005", "ETH": "-0.0040"},
	})
	venues := []string{"A", "B", "C"}
	instruments := []string{"BTC", "ETH"}

	sel := PickBest(rt, instruments, venues)
	best, ok := sel.(model.Candidate)
	require.True(t, ok)
	assert.NotEqual(t, best.Long, best.Short)

	want := rt.Get(best.Long, best.Instrument).Rate.Sub(rt.Get(best.Short, best.Instrument).Rate)
	assert.True(t, best.Score.Equal(want))
	// ETH 多 A 空 C: 0.0030 - (-0.0040)
	assert.Equal(t, model.Pair{Instrument: "ETH", Long: "A", Short: "C"}, best.Pair)
	assert.True(t, best.Score.Equal(dec("0.0070")))

	Enumerate(rt, instruments, venues, func(c model.Candidate) {
		assert.NotEqual(t, c.Long, c.Short)
		assert.False(t, c.Score.GreaterThan(best.Score))
	})
}

func TestPickBestTieFirstSeenWins(t *testing.T) {
	rt := table(map[string]map[string]string{
		"A": {"BTC": "0.002", "ETH": "0.002"},
		"B": {"BTC": "0.001", "ETH": "0.001"},
	})
	best, ok := PickBest(rt, []string{"BTC", "ETH"}, []string{"A", "B"}).(model.Candidate)
	require.True(t, ok)
	assert.Equal(t, "BTC", best.Instrument)
	assert.Equal(t, "A", best.Long)
}

func TestPickBestNoCandidate(t *testing.T) {
	tests := []struct {
		name   string
		rt     RateTable
		venues []string
	}{
		{"single venue", table(map[string]map[string]string{"A": {"BTC": "0.01"}}), []string{"A"}},
		{"no data", RateTable{}, []string{"A", "B"}},
		{"one side missing", table(map[string]map[string]string{"A": {"BTC": "0.01"}}), []string{"A", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := PickBest(tt.rt, []string{"BTC"}, tt.venues).(model.NoCandidate)
			assert.True(t, ok)
		})
	}
}

func TestPickBestScenario(t *testing.T) {
	// BTC 得分 0.004，ETH 得分 -0.001
	rt := table(map[string]map[string]string{
		"A": {"BTC": "0.004", "ETH": "0"},
		"B": {"BTC": "0", "ETH": "0.001"},
	})
	engine := NewDecisionEngine(dec("0.0025"), dec("0.0005"))

	best, ok := PickBest(rt, []string{"BTC", "ETH"}, []string{"A", "B"}).(model.Candidate)
	require.True(t, ok)
	assert.Equal(t, "BTC", best.Instrument)
	assert.True(t, best.Score.Equal(dec("0.004")))

	d := engine.DecideOpen(best)
	assert.Equal(t, model.ActionOpen, d.Action)
}

func TestDecideOpenBoundary(t *testing.T) {
	engine := NewDecisionEngine(dec("0.0025"), dec("0.0005"))
	pair := model.Pair{Instrument: "BTC", Long: "A", Short: "B"}

	tests := []struct {
		score string
		want  model.Action
	}{
		{"0.0030", model.ActionHoldCash},
		{"0.0031", model.ActionOpen},
		{"0.0029", model.ActionHoldCash},
		{"-0.01", model.ActionHoldCash},
	}
	for _, tt := range tests {
		t.Run(tt.score, func(t *testing.T) {
			d := engine.DecideOpen(model.Candidate{Pair: pair, Score: dec(tt.score)})
			assert.Equal(t, tt.want, d.Action)
			assert.True(t, d.Threshold.Equal(dec("0.0030")))
		})
	}

	d := engine.DecideOpen(model.NoCandidate{})
	assert.Equal(t, model.ActionHoldCash, d.Action)
}

func TestDecideHeld(t *testing.T) {
	engine := NewDecisionEngine(dec("0.0025"), dec("0.0005"))
	held := model.Pair{Instrument: "BTC", Long: "A", Short: "B"}
	other := model.Pair{Instrument: "ETH", Long: "B", Short: "A"}

	tests := []struct {
		name      string
		heldScore string
		best      model.Selection
		want      model.Action
	}{
		{"below replace threshold holds", "0.0010", model.Candidate{Pair: other, Score: dec("0.0035")}, model.ActionHold},
		{"exactly at threshold holds", "0.0010", model.Candidate{Pair: other, Score: dec("0.0040")}, model.ActionHold},
		{"above threshold replaces", "0.0010", model.Candidate{Pair: other, Score: dec("0.0046")}, model.ActionReplace},
		{"identical pair holds", "0.0010", model.Candidate{Pair: held, Score: dec("0.0500")}, model.ActionHold},
		{"no candidate holds", "0.0010", model.NoCandidate{}, model.ActionHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.DecideHeld(held, dec(tt.heldScore), tt.best)
			assert.Equal(t, tt.want, d.Action)
		})
	}

	d := engine.DecideHeld(held, dec("0.0010"), model.Candidate{Pair: other, Score: dec("0.0046")})
	assert.True(t, d.Threshold.Equal(dec("0.0040")))
	assert.True(t, d.HeldScore.Equal(dec("0.0010")))
}

func TestOpportunities(t *testing.T) {
	rt := table(map[string]map[string]string{
		"A": {"BTC": "0.004", "ETH": "0.001"},
		"B": {"BTC": "0", "ETH": "0"},
	})
	opps := Opportunities(rt, []string{"BTC", "ETH"}, []string{"A", "B"}, dec("0.003"))
	require.Len(t, opps, 1)
	assert.Equal(t, model.Pair{Instrument: "BTC", Long: "A", Short: "B"}, opps[0].Pair)
}
