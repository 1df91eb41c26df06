package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange/binance"
	"fundarb/internal/infrastructure/exchange/bybit"
	"fundarb/internal/infrastructure/storage/composite"
	postgresrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
	"fundarb/internal/interfaces/console"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	sqliteRepo   *sqliterepo.Repo
	postgresRepo *postgresrepo.Repo
	redisRepo    *redisrepo.Repo
	bybitVenue   *bybit.Venue

	// 事件出口
	Dispatcher *service.EventDispatcher

	// 业务组件
	Venues     *domainservice.VenueSet
	Aggregator *domainservice.FundingAggregator
	Manager    *domainservice.PositionManager
	Risk       *domainservice.RiskManager
	Controller *service.ArbitrageController

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

// initializeComponents 初始化所有应用组件
// 顺序：存储 -> 事件分发 -> 交易所 -> 领域服务 -> 恢复持仓 -> 控制器
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	sc.initializeDispatcher()

	if err := sc.initializeVenues(); err != nil {
		return err
	}

	cfg := sc.Config
	sc.Aggregator = domainservice.NewFundingAggregator(sc.Venues, cfg.Symbols.List, cfg.Strategy.SettlementsPerYear, sc.Dispatcher)

	var store domainservice.PositionStore
	if sc.sqliteRepo != nil {
		store = sc.sqliteRepo
	}
	sc.Manager = domainservice.NewPositionManager(sc.Venues, domainservice.PositionManagerConfig{
		Leverage:             cfg.Position.Leverage,
		ImbalanceThreshold:   cfg.Position.ImbalanceThreshold,
		LegTimeout:           cfg.LegTimeout(),
		OrderAttempts:        cfg.Execution.OrderAttempts,
		CompensationAttempts: cfg.Execution.CompensationAttempts,
		RetryBaseDelay:       cfg.RetryBaseDelay(),
	}, sc.Dispatcher, store)

	sc.Risk = domainservice.NewRiskManager(domainservice.RiskLimits{
		MaxDailyLoss:     cfg.Risk.MaxDailyLoss,
		MaxDrawdown:      cfg.Risk.MaxDrawdown,
		MaxPositionSize:  cfg.Position.MaxPositionSize,
		MinPositionSize:  cfg.Position.MinPositionSize,
		PositionRatio:    cfg.Position.PositionRatio,
		TotalMaxPosition: cfg.Position.TotalMaxPosition,
	})

	if err := sc.restorePositions(); err != nil {
		return err
	}

	sc.Controller = service.NewArbitrageController(service.ControllerConfig{
		MinAnnualizedSpread:     cfg.Strategy.MinAnnualizedSpread,
		CloseSpreadThreshold:    cfg.Strategy.CloseSpreadThreshold,
		EmergencyCloseThreshold: cfg.Strategy.EmergencyCloseThreshold,
		FundingRefreshInterval:  cfg.FundingRefreshInterval(),
		PositionRefreshInterval: cfg.PositionRefreshInterval(),
		RebalanceInterval:       cfg.RebalanceInterval(),
		ReportInterval:          cfg.ReportInterval(),
	}, sc.Aggregator, sc.Manager, sc.Risk, service.NewSettlementTracker(sc.Manager))

	log.Info().
		Strs("venues", sc.Venues.Names()).
		Strs("symbols", cfg.Symbols.List).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (SQLite / Postgres / Redis)
func (sc *ServiceContext) initializeStorage() error {
	if sc.Config.SQLite.Enabled {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}
	if sc.Config.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.sqliteRepo = repo

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

// initPostgres 初始化 Postgres 审计库
func (sc *ServiceContext) initPostgres() error {
	repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}
	sc.postgresRepo = repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second
	sc.redisRepo = redisrepo.New(
		rdb,
		sc.Config.Redis.Prefix,
		ttl,
		sc.Config.Redis.EventStream,
		sc.Config.Redis.EventChannel,
	)

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initializeDispatcher 事件分发：SQLite 作发件箱，控制台与远端存储作为下游
func (sc *ServiceContext) initializeDispatcher() {
	sinks := []port.EventSink{console.NewSink()}
	var journal port.EventJournal
	if sc.sqliteRepo != nil {
		journal = sc.sqliteRepo
		sinks = append(sinks, sc.sqliteRepo)
	}

	// 远端下游合并为一个 sink，重试时一起重发，两者都按事件 ID 幂等
	var remote []port.EventSink
	if sc.postgresRepo != nil {
		remote = append(remote, sc.postgresRepo)
	}
	if sc.redisRepo != nil {
		remote = append(remote, sc.redisRepo)
	}
	if len(remote) > 0 {
		sinks = append(sinks, composite.New(remote...))
	}
	sc.Dispatcher = service.NewEventDispatcher(service.EventDispatcherConfig{}, journal, sinks...)
	if journal == nil {
		log.Warn().Msg("sqlite disabled, events are not journaled")
	}
}

// initializeVenues 创建已启用交易所的适配器
func (sc *ServiceContext) initializeVenues() error {
	cfg := sc.Config
	var clients []domainservice.VenueClient

	if ex := cfg.Exchange.Binance; ex.Enabled {
		clients = append(clients, binance.NewVenue(binance.Options{
			BaseURL:         ex.RestURL,
			APIKey:          ex.APIKey,
			APISecret:       ex.APISecret,
			QtyPrecision:    ex.QtyPrecision,
			RateLimitPerSec: ex.RateLimitPerSec,
		}))
		log.Info().Str("exchange", binance.Name).Msg("✓ Perpetual client initialized")
	} else {
		log.Warn().Msg("binance disabled by config")
	}

	if ex := cfg.Exchange.Bybit; ex.Enabled {
		sc.bybitVenue = bybit.NewVenue(bybit.Options{
			BaseURL:         ex.RestURL,
			WsURL:           ex.WsURL,
			APIKey:          ex.APIKey,
			APISecret:       ex.APISecret,
			QtyPrecision:    ex.QtyPrecision,
			RateLimitPerSec: ex.RateLimitPerSec,
			Symbols:         cfg.Symbols.List,
		})
		clients = append(clients, sc.bybitVenue)
		log.Info().Str("exchange", bybit.Name).Msg("✓ Perpetual client initialized")
	} else {
		log.Warn().Msg("bybit disabled by config")
	}

	sc.Venues = domainservice.NewVenueSet(clients...)
	if sc.Venues.Len() < 2 {
		return ErrNotEnoughVenues
	}
	return nil
}

// restorePositions 进程重启后恢复未平仓持仓
func (sc *ServiceContext) restorePositions() error {
	if sc.sqliteRepo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()

	active, err := sc.sqliteRepo.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions failed: %w", err)
	}
	if n := sc.Manager.Restore(active); n > 0 {
		log.Info().Int("positions", n).Msg("✓ Active positions restored")
	}
	return nil
}

// Streams 需要常驻运行的行情推送
func (sc *ServiceContext) Streams() []func(ctx context.Context) error {
	var out []func(ctx context.Context) error
	if sc.bybitVenue != nil {
		out = append(out, sc.bybitVenue.RunStream)
	}
	return out
}

// Close 按初始化相反的顺序释放资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
