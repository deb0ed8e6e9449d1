package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/storage/memory"
)

func TestEstimateSwitchCostFromStore(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New().WithClock(func() time.Time { return now })
	ctx := context.Background()

	// A 固定 0，B 的变化量依次为 0.0001 / 0.0002 / 0.0003
	bRates := []string{"0", "0.0001", "0.0003", "0.0006"}
	for i, r := range bRates {
		ts := now.Add(time.Duration(i-len(bRates)) * time.Minute)
		require.NoError(t, store.SaveRate(ctx, model.RateSample{Venue: "A", Instrument: "BTC", Timestamp: ts, Rate: decimal.Zero}))
		require.NoError(t, store.SaveRate(ctx, model.RateSample{Venue: "B", Instrument: "BTC", Timestamp: ts, Rate: decimal.RequireFromString(r)}))
	}

	svc := NewService(store)
	rep, err := svc.EstimateSwitchCost(ctx, model.Pair{Instrument: "BTC", Long: "A", Short: "B"}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.LongSamples)
	assert.Equal(t, 4, rep.ShortSamples)
	assert.True(t, rep.MedianDelta.Equal(decimal.RequireFromString("0.0002")), "median %s", rep.MedianDelta)
	assert.True(t, rep.SwitchCost.Equal(decimal.RequireFromString("0.012")), "cost %s", rep.SwitchCost)
}

func TestEstimateSwitchCostNoData(t *testing.T) {
	svc := NewService(memory.New())
	rep, err := svc.EstimateSwitchCost(context.Background(), model.Pair{Instrument: "BTC", Long: "A", Short: "B"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, rep.SwitchCost.IsZero())
}

func TestEstimateSwitchCostRejectsSameVenue(t *testing.T) {
	svc := NewService(memory.New())
	_, err := svc.EstimateSwitchCost(context.Background(), model.Pair{Instrument: "BTC", Long: "A", Short: "A"}, time.Hour)
	assert.Error(t, err)
}
