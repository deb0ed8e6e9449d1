package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	"fundarb/internal/application/usecase/arbitrage"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange/paper"
	"fundarb/internal/infrastructure/lock"
	"fundarb/internal/infrastructure/metrics"
	"fundarb/internal/infrastructure/storage/composite"
	"fundarb/internal/infrastructure/storage/memory"
	postgresrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
)

// RateStore 可读可写的费率样本存储（seed / backtest 使用）
type RateStore interface {
	domainservice.RateSource
	SaveRate(ctx context.Context, r model.RateSample) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	redisClient  *redisclient.Client
	redisRepo    *redisrepo.Repo
	sqliteRepo   *sqliterepo.Repo
	postgresRepo *postgresrepo.Repo
	memoryStore  *memory.Store

	// 端口实现
	Store   port.PositionStore
	Rates   RateStore
	Locker  port.Locker
	Events  port.EventSink
	Metrics *metrics.Prometheus
	Venues  map[string]port.DexAdapter

	// 应用业务组件（依赖基础设施）
	Lifecycle *service.Lifecycle
	Auditor   *service.Auditor

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按照依赖关系有序初始化
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层（最基础）
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}

	// 1. 锁
	switch sc.Config.Lock.Backend {
	case "redis":
		sc.Locker = lock.NewRedisLocker(sc.redisClient, sc.Config.Redis.Prefix)
	default:
		sc.Locker = lock.NewMemoryLocker()
		log.Warn().Msg("using in-process locks; do not run more than one instance")
	}

	// 2. 事件与指标
	sc.initEvents()
	sc.Metrics = metrics.New()

	// 3. 交易所
	if err := sc.initVenues(); err != nil {
		return err
	}

	// 4. 业务组件
	st := sc.Config.Strategy
	sc.Lifecycle = service.NewLifecycle(service.LifecycleConfig{
		PairLockTTL:    sc.Config.Lock.PairTTL.Duration,
		TradeFraction:  decimal.NewFromFloat(st.TradeFraction),
		Leverage:       st.Leverage,
		Slippage:       decimal.NewFromFloat(st.Slippage),
		ConcurrentLegs: !st.SequentialLegs,
	}, service.LifecycleDeps{
		Locker:  sc.Locker,
		Store:   sc.Store,
		Venues:  sc.Venues,
		Events:  sc.Events,
		Metrics: sc.Metrics,
	})
	sc.Auditor = service.NewAuditor(sc.Store, sc.Venues)

	log.Info().
		Str("store", sc.Config.Store.Backend).
		Str("lock", sc.Config.Lock.Backend).
		Int("venues", len(sc.Venues)).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (Redis 与持仓存储)
func (sc *ServiceContext) initializeStorage() error {
	// Redis：锁或事件发布需要时初始化
	if sc.Config.Lock.Backend == "redis" || sc.Config.Redis.PublishEvents {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}

	switch sc.Config.Store.Backend {
	case "postgres":
		return sc.initPostgres()
	case "memory":
		sc.memoryStore = memory.New()
		sc.Store, sc.Rates = sc.memoryStore, sc.memoryStore
		log.Warn().Msg("using in-memory store; state is lost on exit")
		return nil
	default:
		return sc.initSQLite()
	}
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	opts, err := redisclient.ParseURL(sc.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redisclient.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	if sc.Config.Redis.PublishEvents {
		sc.redisRepo = redisrepo.New(
			rdb,
			sc.Config.Redis.Prefix,
			sc.Config.Redis.StreamMaxLen,
			sc.Config.Redis.EventStream,
			sc.Config.Redis.EventChannel,
		)
	}

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}

	sc.sqliteRepo = repo
	sc.Store, sc.Rates = repo, repo

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return nil
}

// initPostgres 初始化 Postgres
func (sc *ServiceContext) initPostgres() error {
	repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}

	sc.postgresRepo = repo
	sc.Store, sc.Rates = repo, repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// initEvents 事件写入持久化表，并按配置发布到 Redis
func (sc *ServiceContext) initEvents() {
	var sinks []port.EventSink
	switch {
	case sc.sqliteRepo != nil:
		sinks = append(sinks, sc.sqliteRepo)
	case sc.postgresRepo != nil:
		sinks = append(sinks, sc.postgresRepo)
	}
	if sc.redisRepo != nil {
		sinks = append(sinks, sc.redisRepo)
	}
	if len(sinks) == 0 {
		sc.Events = port.NoopEventSink{}
		return
	}
	sc.Events = composite.New(sinks...)
}

// initVenues 按配置构建交易所适配器
func (sc *ServiceContext) initVenues() error {
	sc.Venues = make(map[string]port.DexAdapter, len(sc.Config.Venues))
	for _, v := range sc.Config.Venues {
		switch v.Kind {
		case "paper":
			sc.Venues[v.Name] = paper.New(v.Name, decimal.NewFromFloat(v.Balance), decimal.NewFromFloat(v.MarkPrice))
		default:
			return fmt.Errorf("venue %s: %w %q", v.Name, ErrUnknownVenueKind, v.Kind)
		}
		log.Info().Str("venue", v.Name).Str("kind", v.Kind).Msg("✓ Venue adapter initialized")
	}
	return nil
}

// BuildArbitrageServiceDeps 构建决策循环所需的全部依赖
func (sc *ServiceContext) BuildArbitrageServiceDeps() arbitrage.ServiceDeps {
	st := sc.Config.Strategy
	return arbitrage.ServiceDeps{
		Locker:    sc.Locker,
		Store:     sc.Store,
		Estimator: domainservice.NewRateEstimator(sc.Rates, decimal.NewFromFloat(st.EmaAlpha), sc.Config.EmaWindow()),
		Engine: domainservice.NewDecisionEngine(
			decimal.NewFromFloat(st.EstimatedSwitchCost),
			decimal.NewFromFloat(st.MinProfitBuffer),
		),
		Tracker:         domainservice.NewHysteresisTracker(st.GracePeriod.Duration),
		Lifecycle:       sc.Lifecycle,
		Auditor:         sc.Auditor,
		Events:          sc.Events,
		Metrics:         sc.Metrics,
		Instruments:     st.Coins,
		Venues:          sc.Config.VenueNames(),
		PollInterval:    st.PollInterval.Duration,
		DecisionLockKey: sc.Config.Lock.DecisionKey,
		DecisionLockTTL: sc.Config.Lock.DecisionTTL.Duration,
	}
}

// Migrate 建表（memory 后端无操作）
func (sc *ServiceContext) Migrate(ctx context.Context) error {
	if m, ok := sc.Store.(migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// Close 按照相反的顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
