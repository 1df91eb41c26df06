package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Int("symbols", len(cfg.Symbols.List)).
		Strs("exchanges", cfg.EnabledExchanges()).
		Float64("min_annualized_spread", cfg.Strategy.MinAnnualizedSpread).
		Msg("fundarb started")

	// 分发器使用独立 ctx，控制器退出后再停止，保证最后的事件能落盘投递
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := sc.Dispatcher.Run(dispatchCtx); err != nil {
			log.Error().Err(err).Msg("event dispatcher exited")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.Controller.Run(gctx) })
	for _, stream := range sc.Streams() {
		g.Go(func() error { return stream(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("fundarb exited with error")
	}

	// 超时腿的迟到成交补偿完成后再停分发器
	sc.Manager.Wait()
	stopDispatch()
	<-dispatchDone
	log.Info().Msg("fundarb stopped")
}
