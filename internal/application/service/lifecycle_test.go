package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange/paper"
	"fundarb/internal/infrastructure/lock"
	"fundarb/internal/infrastructure/storage/memory"
)

type lifecycleFixture struct {
	lc     *Lifecycle
	store  *memory.Store
	locker *lock.MemoryLocker
	a, b   *paper.Adapter
}

func newFixture(t *testing.T, concurrent bool) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		store:  memory.New(),
		locker: lock.NewMemoryLocker(),
		a:      paper.New("A", decimal.NewFromInt(1000), decimal.NewFromInt(10)),
		b:      paper.New("B", decimal.NewFromInt(2000), decimal.NewFromInt(10)),
	}
	f.lc = NewLifecycle(LifecycleConfig{
		PairLockTTL:    90 * time.Second,
		TradeFraction:  decimal.NewFromFloat(0.5),
		Leverage:       1,
		Slippage:       decimal.NewFromFloat(0.01),
		ConcurrentLegs: concurrent,
	}, LifecycleDeps{
		Locker: f.locker,
		Store:  f.store,
		Venues: map[string]port.DexAdapter{"A": f.a, "B": f.b},
	})
	return f
}

var btcAB = model.Candidate{
	Pair:  model.Pair{Instrument: "BTC", Long: "A", Short: "B"},
	Score: decimal.RequireFromString("0.004"),
}

func TestOpenSizesFromSmallerBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, res.Outcome)

	assert.True(t, res.Run.Size.Equal(decimal.NewFromInt(500)), "size %s", res.Run.Size)
	assert.True(t, res.Long.Size.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, model.SideLong, res.Long.Side)
	assert.Equal(t, model.SideShort, res.Short.Side)
	assert.Equal(t, "A-1", res.Long.VenuePositionID)
	assert.Equal(t, "B-1", res.Short.VenuePositionID)

	runs, err := f.store.GetOpenRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Long.ID, runs[0].LongPositionID)
	assert.Equal(t, res.Short.ID, runs[0].ShortPositionID)
	assert.True(t, runs[0].EntryScore.Equal(btcAB.Score))
}

func TestOpenCompensatesFilledLeg(t *testing.T) {
	for _, concurrent := range []bool{true, false} {
		f := newFixture(t, concurrent)
		ctx := context.Background()
		boom := errors.New("short venue rejected")
		f.b.FailOpen(boom)

		_, err := f.lc.Open(ctx, btcAB)
		require.Error(t, err)

		var legErr *model.LegError
		require.ErrorAs(t, err, &legErr)
		assert.Equal(t, model.SideShort, legErr.Leg)
		assert.Equal(t, "B", legErr.Venue)
		assert.ErrorIs(t, err, boom)

		// 多头腿已被补偿平仓
		assert.Contains(t, f.a.Calls(), "close")
		ps, _ := f.a.ListPositions(ctx, "BTC")
		assert.Empty(t, ps)

		runs, _ := f.store.GetOpenRuns(ctx)
		assert.Empty(t, runs)
	}
}

func TestOpenCompensationFailureIsPartialExposure(t *testing.T) {
	f := newFixture(t, true)
	f.b.FailOpen(errors.New("short rejected"))
	f.a.FailClose(errors.New("long close rejected"))

	_, err := f.lc.Open(context.Background(), btcAB)
	var pe *model.PartialExposureError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []model.Side{model.SideLong}, pe.OpenLegs)
}

func TestOpenBothLegsFail(t *testing.T) {
	f := newFixture(t, true)
	f.a.FailOpen(errors.New("a down"))
	f.b.FailOpen(errors.New("b down"))

	_, err := f.lc.Open(context.Background(), btcAB)
	require.Error(t, err)
	var pe *model.PartialExposureError
	assert.False(t, errors.As(err, &pe))
	assert.NotContains(t, f.a.Calls(), "close")
	assert.NotContains(t, f.b.Calls(), "close")
}

func TestOpenSequentialStopsAfterLongFailure(t *testing.T) {
	f := newFixture(t, false)
	f.a.FailOpen(errors.New("a down"))

	_, err := f.lc.Open(context.Background(), btcAB)
	var legErr *model.LegError
	require.ErrorAs(t, err, &legErr)
	assert.Equal(t, model.SideLong, legErr.Leg)
	assert.NotContains(t, f.b.Calls(), "open:SHORT")
}

func TestOpenBusyWhenPairLocked(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, ok, err := f.locker.Acquire(ctx, PairLockKey(btcAB.Pair), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Empty(t, f.a.Calls())
	assert.Empty(t, f.b.Calls())
}

func TestOpenInsufficientBalance(t *testing.T) {
	f := newFixture(t, true)
	f.a.SetBalance(decimal.Zero)

	_, err := f.lc.Open(context.Background(), btcAB)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.NotContains(t, f.b.Calls(), "open:SHORT")
}

func TestOpenBalanceFailureCarriesLeg(t *testing.T) {
	f := newFixture(t, true)
	f.b.FailBalance(errors.New("timeout"))

	_, err := f.lc.Open(context.Background(), btcAB)
	var legErr *model.LegError
	require.ErrorAs(t, err, &legErr)
	assert.Equal(t, "balance", legErr.Op)
	assert.Equal(t, model.SideShort, legErr.Leg)
}

func TestOpenRefusesSecondRunOnInstrument(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	reversed := model.Candidate{Pair: model.Pair{Instrument: "BTC", Long: "B", Short: "A"}, Score: btcAB.Score}
	_, err = f.lc.Open(ctx, reversed)
	assert.ErrorIs(t, err, model.ErrRunAlreadyOpen)
}

func TestOpenPersistenceFailureLeavesLegsLive(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.store.FailWrites(memory.ErrInjected)

	_, err := f.lc.Open(ctx, btcAB)
	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "open", pe.Op)

	// 交易所侧不回滚
	ps, _ := f.a.ListPositions(ctx, "BTC")
	assert.Len(t, ps, 1)
	ps, _ = f.b.ListPositions(ctx, "BTC")
	assert.Len(t, ps, 1)
}

func TestUnpersistedOpenBlocksFurtherOpens(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	eth := model.Candidate{Pair: model.Pair{Instrument: "ETH", Long: "B", Short: "A"}, Score: decimal.RequireFromString("0.01")}
	held, err := f.lc.Open(ctx, eth)
	require.NoError(t, err)

	f.store.FailWrites(memory.ErrInjected)
	_, err = f.lc.Open(ctx, btcAB)
	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	f.store.FailWrites(nil)

	reason, pending := f.lc.ReconciliationPending()
	require.True(t, pending)
	assert.Contains(t, reason, "BTC")

	res, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	ps, _ := f.a.ListPositions(ctx, "BTC")
	assert.Len(t, ps, 1)

	// 换仓也不能先平旧仓
	rep, err := f.lc.Replace(ctx, held.Run.ID, btcAB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, rep.Outcome)
	runs, _ := f.store.GetOpenRuns(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, held.Run.ID, runs[0].ID)

	f.lc.ClearReconciliation()
	_, pending = f.lc.ReconciliationPending()
	assert.False(t, pending)
	_, err = f.lc.Close(ctx, held.Run.ID)
	require.NoError(t, err)
	res, err = f.lc.Open(ctx, btcAB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, res.Outcome)
}

func TestCompensationFailureBlocksOpens(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.b.FailOpen(errors.New("short rejected"))
	f.a.FailClose(errors.New("long close rejected"))

	_, err := f.lc.Open(ctx, btcAB)
	var pe *model.PartialExposureError
	require.ErrorAs(t, err, &pe)

	f.b.FailOpen(nil)
	f.a.FailClose(nil)
	res, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
}

func TestCloseLatestRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	opened, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	res, err := f.lc.Close(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcome)
	assert.Equal(t, opened.Run.ID, res.Run.ID)

	run, _ := f.store.GetRun(ctx, opened.Run.ID)
	assert.Equal(t, model.StatusClosed, run.Status)
	require.NotNil(t, run.ClosedAt)
	for _, id := range []int64{opened.Long.ID, opened.Short.ID} {
		p, _ := f.store.GetPosition(ctx, id)
		assert.Equal(t, model.StatusClosed, p.Status)
	}

	_, err = f.lc.Close(ctx, 0)
	assert.ErrorIs(t, err, model.ErrNoOpenRun)

	_, err = f.lc.Close(ctx, opened.Run.ID)
	assert.ErrorIs(t, err, model.ErrRunNotOpen)
}

func TestClosePartialThenRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	opened, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	f.b.FailClose(errors.New("short close rejected"))
	_, err = f.lc.Close(ctx, opened.Run.ID)
	var pe *model.PartialExposureError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []model.Side{model.SideShort}, pe.OpenLegs)
	assert.Equal(t, opened.Run.ID, pe.RunID)

	run, _ := f.store.GetRun(ctx, opened.Run.ID)
	assert.Equal(t, model.StatusOpen, run.Status)
	long, _ := f.store.GetPosition(ctx, opened.Long.ID)
	assert.Equal(t, model.StatusClosed, long.Status)

	// 下一次平仓只处理未平的腿
	f.b.FailClose(nil)
	closesBefore := countCalls(f.a.Calls(), "close")
	res, err := f.lc.Close(ctx, opened.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcome)
	assert.Equal(t, closesBefore, countCalls(f.a.Calls(), "close"))
}

func TestCloseBusy(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	_, ok, _ := f.locker.Acquire(ctx, PairLockKey(btcAB.Pair), time.Minute)
	require.True(t, ok)

	res, err := f.lc.Close(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
}

func TestReplaceAbortsWhenCloseFails(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	opened, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	f.a.FailClose(errors.New("a close down"))
	f.b.FailClose(errors.New("b close down"))
	next := model.Candidate{Pair: model.Pair{Instrument: "ETH", Long: "B", Short: "A"}, Score: decimal.RequireFromString("0.01")}

	_, err = f.lc.Replace(ctx, opened.Run.ID, next)
	require.Error(t, err)
	assert.NotContains(t, f.b.Calls(), "open:LONG")

	runs, _ := f.store.GetOpenRuns(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, "BTC", runs[0].Instrument)
}

func TestReplace(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	opened, err := f.lc.Open(ctx, btcAB)
	require.NoError(t, err)

	next := model.Candidate{Pair: model.Pair{Instrument: "ETH", Long: "B", Short: "A"}, Score: decimal.RequireFromString("0.01")}
	res, err := f.lc.Replace(ctx, opened.Run.ID, next)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, res.Outcome)
	assert.Equal(t, opened.Run.ID, res.Closed.ID)
	assert.Equal(t, "ETH", res.Opened.Instrument)

	runs, _ := f.store.GetOpenRuns(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Opened.ID, runs[0].ID)
}

func TestUnknownVenue(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.lc.Open(context.Background(), model.Candidate{Pair: model.Pair{Instrument: "BTC", Long: "A", Short: "Z"}})
	assert.ErrorIs(t, err, model.ErrUnknownVenue)
}

func countCalls(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestRunLegsConcurrentJoinsBoth(t *testing.T) {
	release := make(chan struct{})
	var order []string
	done := make(chan string, 2)
	go func() {
		lr, sr := runLegs(true, true,
			func() (int, error) { <-release; done <- "long"; return 1, nil },
			func() (int, error) { done <- "short"; return 2, errors.New("x") },
		)
		assert.Equal(t, 1, lr.val)
		assert.Error(t, sr.err)
		close(done)
	}()
	order = append(order, <-done)
	close(release)
	for s := range done {
		order = append(order, s)
	}
	assert.True(t, slices.Equal(order, []string{"short", "long"}))
}
