package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/internal/domain/model"
)

func TestHysteresisExitAfterGrace(t *testing.T) {
	tr := NewHysteresisTracker(120 * time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	obs := tr.Observe(1, NoOpportunity, at(0))
	assert.Equal(t, SignalNone, obs.Signal)
	require.NotNil(t, obs.Since)
	assert.True(t, obs.Changed)

	obs = tr.Observe(1, NoOpportunity, at(119))
	assert.Equal(t, SignalNone, obs.Signal)
	assert.False(t, obs.Changed)

	obs = tr.Observe(1, BelowThreshold, at(120))
	assert.Equal(t, SignalExit, obs.Signal)
	assert.Nil(t, obs.Since)
	assert.True(t, obs.Changed)

	// 退出后计时已清空，新的不利状态重新开始
	obs = tr.Observe(1, NoOpportunity, at(121))
	assert.Equal(t, SignalNone, obs.Signal)
	require.NotNil(t, obs.Since)
	assert.Equal(t, at(121), *obs.Since)
}

func TestHysteresisFavorableResets(t *testing.T) {
	tr := NewHysteresisTracker(120 * time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	tr.Observe(7, DirectionChange, at(0))
	obs := tr.Observe(7, Favorable, at(60))
	assert.True(t, obs.Changed)
	assert.Nil(t, obs.Since)

	tr.Observe(7, NoOpportunity, at(61))
	assert.Equal(t, SignalNone, tr.Observe(7, NoOpportunity, at(120)).Signal)
	assert.Equal(t, SignalNone, tr.Observe(7, NoOpportunity, at(180)).Signal)
	assert.Equal(t, SignalExit, tr.Observe(7, NoOpportunity, at(181)).Signal)

	// 有利且未记录时不产生变更
	assert.False(t, tr.Observe(7, Favorable, at(200)).Changed)
}

func TestHysteresisRestore(t *testing.T) {
	tr := NewHysteresisTracker(120 * time.Second)
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Restore(3, &since)
	tr.Restore(3, nil)

	obs := tr.Observe(3, NoOpportunity, since.Add(130*time.Second))
	assert.Equal(t, SignalExit, obs.Signal)

	tr.Restore(4, &since)
	tr.Forget(4)
	obs = tr.Observe(4, NoOpportunity, since.Add(500*time.Second))
	assert.Equal(t, SignalNone, obs.Signal)
}

func TestClassify(t *testing.T) {
	run := &model.ArbRun{ID: 1, Instrument: "BTC", LongVenue: "A", ShortVenue: "B", EntryScore: dec("0.004")}
	cand := func(inst, long, short, score string) model.Candidate {
		return model.Candidate{Pair: model.Pair{Instrument: inst, Long: long, Short: short}, Score: dec(score)}
	}

	tests := []struct {
		name      string
		heldScore string
		opps      []model.Candidate
		want      Condition
	}{
		{"nothing clears threshold", "0.004", nil, NoOpportunity},
		{"sign flipped and reversed pair clears", "-0.004", []model.Candidate{cand("BTC", "B", "A", "0.004")}, DirectionChange},
		{"sign flipped but pair not listed", "-0.001", []model.Candidate{cand("BTC", "A", "C", "0.004")}, Favorable},
		{"instrument no longer clears", "0.001", []model.Candidate{cand("ETH", "A", "B", "0.004")}, BelowThreshold},
		{"held pair still clears", "0.004", []model.Candidate{cand("BTC", "A", "B", "0.004")}, Favorable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(run, dec(tt.heldScore), tt.opps))
		})
	}
}
