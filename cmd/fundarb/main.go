package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/usecase/arbitrage"
	"fundarb/internal/application/usecase/backtest"
	"fundarb/internal/application/usecase/seed"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/metrics"
	"fundarb/internal/infrastructure/svc"
	"fundarb/internal/interfaces/console"
)

const usage = `usage: fundarb [-config path] <command> [flags]

commands:
  run        start the decision loop (default)
  close      close an open run (-run ID, latest when omitted)
  status     print estimated rates, the best candidate and open runs
  audit      compare stored runs with venue positions
  backtest   estimate switch cost from stored samples (-coin -long -short -hours)
  migrate    create the database schema
  seed       insert synthetic funding samples (-minutes -seed)
`

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logCloser, err := logger.Configure(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("configure logger failed")
	}
	defer logCloser.Close()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	switch cmd {
	case "run":
		err = runLoop(ctx, sc, *configPath)
	case "close":
		err = closeRun(ctx, sc, args)
	case "status":
		err = printStatus(ctx, sc)
	case "audit":
		_, err = sc.Auditor.Audit(ctx)
	case "backtest":
		err = runBacktest(ctx, sc, args)
	case "migrate":
		if err = sc.Migrate(ctx); err == nil {
			log.Info().Str("store", cfg.Store.Backend).Msg("schema migrated")
		}
	case "seed":
		err = runSeed(ctx, sc, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		sc.Close()
		os.Exit(1)
	}
}

func runLoop(ctx context.Context, sc *svc.ServiceContext, configPath string) error {
	cfg := sc.Config

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, sc.Metrics.Registry())
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	if cfg.App.AuditOnStart {
		drifts, err := sc.Auditor.Audit(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("startup audit incomplete")
		}
		if len(drifts) > 0 {
			sc.Lifecycle.RequireReconciliation(fmt.Sprintf("startup audit found %d drifts", len(drifts)))
		}
	}

	service := arbitrage.NewService(sc.BuildArbitrageServiceDeps())

	log.Info().
		Str("config", configPath).
		Strs("coins", cfg.Strategy.Coins).
		Strs("venues", cfg.VenueNames()).
		Float64("switch_cost", cfg.Strategy.EstimatedSwitchCost).
		Float64("min_profit_buffer", cfg.Strategy.MinProfitBuffer).
		Dur("grace_period", cfg.Strategy.GracePeriod.Duration).
		Msg("fundarb started")

	return service.Run(ctx)
}

func closeRun(ctx context.Context, sc *svc.ServiceContext, args []string) error {
	fs := flag.NewFlagSet("close", flag.ExitOnError)
	runID := fs.Int64("run", 0, "run id to close (latest open run when 0)")
	_ = fs.Parse(args)

	res, err := sc.Lifecycle.Close(ctx, *runID)
	if err != nil {
		var partial *model.PartialExposureError
		if errors.As(err, &partial) {
			log.Error().
				Int64("run_id", partial.RunID).
				Str("instrument", partial.Instrument).
				Interface("open_legs", partial.OpenLegs).
				Msg("partial close, manual attention required")
		}
		return err
	}
	log.Info().Str("outcome", string(res.Outcome)).Int64("run_id", res.Run.ID).Msg("close finished")
	return nil
}

func printStatus(ctx context.Context, sc *svc.ServiceContext) error {
	deps := sc.BuildArbitrageServiceDeps()
	table, err := deps.Estimator.Snapshot(ctx, deps.Venues, deps.Instruments)
	if err != nil {
		return err
	}
	runs, err := sc.Store.GetOpenRuns(ctx)
	if err != nil {
		return err
	}
	best := domainservice.PickBest(table, deps.Instruments, deps.Venues)
	r := console.NewRenderer(deps.Engine.Threshold(), isatty.IsTerminal(os.Stdout.Fd()))
	return r.Render(os.Stdout, deps.Instruments, deps.Venues, table, best, runs)
}

func runBacktest(ctx context.Context, sc *svc.ServiceContext, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	coin := fs.String("coin", "BTC", "instrument")
	long := fs.String("long", "", "long venue")
	short := fs.String("short", "", "short venue")
	hours := fs.Int("hours", 24, "lookback window in hours")
	_ = fs.Parse(args)

	venues := sc.Config.VenueNames()
	if *long == "" && len(venues) > 0 {
		*long = venues[0]
	}
	if *short == "" && len(venues) > 1 {
		*short = venues[1]
	}
	pair := model.Pair{
		Instrument: strings.ToUpper(*coin),
		Long:       strings.ToUpper(*long),
		Short:      strings.ToUpper(*short),
	}

	rep, err := backtest.NewService(sc.Rates).EstimateSwitchCost(ctx, pair, time.Duration(*hours)*time.Hour)
	if err != nil {
		return err
	}
	log.Info().
		Str("pair", rep.Pair.String()).
		Dur("window", rep.Window).
		Int("long_samples", rep.LongSamples).
		Int("short_samples", rep.ShortSamples).
		Str("median_delta", rep.MedianDelta.String()).
		Str("switch_cost", rep.SwitchCost.String()).
		Msg("switch cost estimate")
	return nil
}

func runSeed(ctx context.Context, sc *svc.ServiceContext, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	minutes := fs.Int("minutes", 120, "minutes of samples per venue and coin")
	rngSeed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	_ = fs.Parse(args)

	n, err := seed.Generate(ctx, sc.Rates, seed.Options{
		Venues:      sc.Config.VenueNames(),
		Instruments: sc.Config.Strategy.Coins,
		Minutes:     *minutes,
		Seed:        *rngSeed,
	})
	if err != nil {
		return err
	}
	log.Info().Int("samples", n).Int("minutes", *minutes).Msg("seeded funding samples")
	return nil
}
