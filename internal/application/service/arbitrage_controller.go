package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// 平仓原因
const (
	CloseReasonSpreadReversed = "spread reversed"
	CloseReasonSpreadNarrowed = "spread narrowed"
)

// ControllerConfig 策略阈值与调度周期
type ControllerConfig struct {
	MinAnnualizedSpread     float64
	CloseSpreadThreshold    float64
	EmergencyCloseThreshold float64

	FundingRefreshInterval  time.Duration
	PositionRefreshInterval time.Duration
	RebalanceInterval       time.Duration
	ReportInterval          time.Duration
}

func (c *ControllerConfig) applyDefaults() {
	if c.FundingRefreshInterval <= 0 {
		c.FundingRefreshInterval = time.Minute
	}
	if c.PositionRefreshInterval <= 0 {
		c.PositionRefreshInterval = 30 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = time.Minute
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Minute
	}
}

// ArbitrageController 套利决策：风控 -> 择优开仓 -> 平仓评估 -> 再平衡
type ArbitrageController struct {
	cfg         ControllerConfig
	aggregator  *domainservice.FundingAggregator
	manager     *domainservice.PositionManager
	risk        *domainservice.RiskManager
	settlements *SettlementTracker
}

// NewArbitrageController 创建控制器，settlements 可以为 nil
func NewArbitrageController(
	cfg ControllerConfig,
	aggregator *domainservice.FundingAggregator,
	manager *domainservice.PositionManager,
	risk *domainservice.RiskManager,
	settlements *SettlementTracker,
) *ArbitrageController {
	cfg.applyDefaults()
	return &ArbitrageController{
		cfg:         cfg,
		aggregator:  aggregator,
		manager:     manager,
		risk:        risk,
		settlements: settlements,
	}
}

// Run 启动各周期任务，ctx 取消后返回
func (c *ArbitrageController) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		every(gctx, c.cfg.FundingRefreshInterval, c.fundingTick)
		return nil
	})
	g.Go(func() error {
		every(gctx, c.cfg.PositionRefreshInterval, c.manager.RefreshAll)
		return nil
	})
	g.Go(func() error {
		every(gctx, c.cfg.RebalanceInterval, c.Rebalance)
		return nil
	})
	g.Go(func() error {
		every(gctx, c.cfg.ReportInterval, func(context.Context) { c.Report() })
		return nil
	})

	return g.Wait()
}

// every 立即执行一次，然后按周期执行
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *ArbitrageController) fundingTick(ctx context.Context) {
	updated := c.aggregator.Refresh(ctx)
	if updated == 0 {
		log.Warn().Msg("no funding rates refreshed")
		return
	}
	if c.settlements != nil {
		c.settlements.Observe(c.aggregator.Snapshots())
	}
	c.Scan(ctx)
}

// Scan 依次处理所有交易对
func (c *ArbitrageController) Scan(ctx context.Context) {
	for _, symbol := range c.aggregator.Symbols() {
		if ctx.Err() != nil {
			return
		}
		c.ScanSymbol(ctx, symbol)
	}
}

// ScanSymbol 单个交易对：先尝试开仓，再评估已有持仓是否平仓
func (c *ArbitrageController) ScanSymbol(ctx context.Context, symbol string) {
	if _, err := c.tryOpen(ctx, symbol); err != nil && !errors.Is(err, domainservice.ErrRiskGateBlocked) {
		log.Error().Str("symbol", symbol).Err(err).Msg("open attempt failed")
	}
	c.evaluateCloses(ctx, symbol)
}

// tryOpen 没有满足条件的机会时返回 (nil, nil)
func (c *ArbitrageController) tryOpen(ctx context.Context, symbol string) (*model.HedgedPosition, error) {
	summary := c.manager.TotalPnL()
	if err := c.risk.CheckOpen(summary); err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("risk gate blocked opening")
		return nil, err
	}

	best, ok := c.aggregator.BestOpportunity(symbol)
	if !ok || best.AnnualizedSpread < c.cfg.MinAnnualizedSpread {
		return nil, nil
	}
	if c.covered(best) {
		log.Debug().
			Str("symbol", symbol).
			Str("long", best.LongVenue).
			Str("short", best.ShortVenue).
			Msg("opportunity or venue leg already held")
		return nil, nil
	}

	size, err := c.risk.PositionSize(summary.CommittedQuote)
	if err != nil {
		log.Warn().Str("symbol", symbol).Float64("committed", summary.CommittedQuote).Err(err).Msg("no capacity for new position")
		return nil, err
	}

	log.Info().
		Str("symbol", symbol).
		Str("long", best.LongVenue).
		Str("short", best.ShortVenue).
		Float64("annualized", best.AnnualizedSpread).
		Float64("size_quote", size).
		Msg("opening hedged position")

	return c.manager.Open(ctx, best, size)
}

// covered 任一交易所上已有该币种的腿，包括同一组合和反方向组合
// 交易所只报告合计仓位，两个持仓共用一条腿时无法区分各自的数量
func (c *ArbitrageController) covered(q model.SpreadQuote) bool {
	for _, p := range c.manager.ActivePositions() {
		if p.HoldsVenue(q.Symbol, q.LongVenue) || p.HoldsVenue(q.Symbol, q.ShortVenue) {
			return true
		}
	}
	return false
}

func (c *ArbitrageController) evaluateCloses(ctx context.Context, symbol string) {
	for _, p := range c.manager.ActivePositions() {
		if p.Symbol != symbol {
			continue
		}
		q, err := c.aggregator.Spread(symbol, p.LongLeg.Venue, p.ShortLeg.Venue)
		if err != nil {
			log.Debug().Str("position_id", p.ID).Err(err).Msg("spread unavailable, skip close check")
			continue
		}
		reason := c.closeReason(q.AnnualizedSpread)
		if reason == "" {
			continue
		}
		log.Info().
			Str("position_id", p.ID).
			Str("symbol", symbol).
			Float64("annualized", q.AnnualizedSpread).
			Str("reason", reason).
			Msg("closing hedged position")
		if _, err := c.manager.Close(ctx, p.ID, reason); err != nil {
			log.Error().Str("position_id", p.ID).Err(err).Msg("close failed")
		}
	}
}

// closeReason 先判反转再判收窄
func (c *ArbitrageController) closeReason(annualized float64) string {
	switch {
	case annualized < c.cfg.EmergencyCloseThreshold:
		return CloseReasonSpreadReversed
	case annualized < c.cfg.CloseSpreadThreshold:
		return CloseReasonSpreadNarrowed
	default:
		return ""
	}
}

// Rebalance 检查所有活跃持仓的两腿是否失衡，失衡则减仓较大一腿
func (c *ArbitrageController) Rebalance(ctx context.Context) {
	for _, p := range c.manager.ActivePositions() {
		d, err := c.manager.CheckRebalance(p.ID)
		if err != nil || d == nil {
			continue
		}
		log.Info().
			Str("position_id", p.ID).
			Str("action", string(d.Action)).
			Float64("imbalance", d.Imbalance).
			Float64("adjust", d.AdjustAmount).
			Msg("rebalancing position")
		_, err = c.manager.ExecuteRebalance(ctx, *d)
		switch {
		case errors.Is(err, domainservice.ErrNoImbalance), errors.Is(err, domainservice.ErrAlreadyClosed):
			log.Debug().Str("position_id", p.ID).Err(err).Msg("rebalance skipped")
		case err != nil:
			log.Error().Str("position_id", p.ID).Err(err).Msg("rebalance failed")
		}
	}
}

// Report 输出当前盈亏汇总
func (c *ArbitrageController) Report() model.PnLSummary {
	s := c.manager.TotalPnL()
	margin, at := c.manager.MarginInUse()
	log.Info().
		Int("active", s.ActiveCount).
		Int("closed", s.ClosedCount).
		Float64("realized", s.RealizedPnl).
		Float64("unrealized", s.UnrealizedPnl).
		Float64("funding", s.FundingIncome).
		Float64("fees", s.TradingFees).
		Float64("net", s.NetPnl()).
		Float64("margin_in_use", margin).
		Time("margin_at", at).
		Msg("pnl summary")
	return s
}
