package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

const (
	reasonExternalClose = "external close: both legs flat"
	persistTimeout      = 5 * time.Second
	lateFillWait        = time.Minute
)

// PositionStore 持仓持久化
type PositionStore interface {
	SavePosition(ctx context.Context, p *model.HedgedPosition) error
}

// PositionManagerConfig 持仓管理参数
type PositionManagerConfig struct {
	Leverage             float64
	ImbalanceThreshold   float64       // 默认 0.1
	LegTimeout           time.Duration // 单腿超时
	OrderAttempts        int           // reduce-only 平仓/调仓单最多尝试次数
	CompensationAttempts int           // 补偿单最多尝试次数，默认 1
	RetryBaseDelay       time.Duration
}

func (c *PositionManagerConfig) applyDefaults() {
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.ImbalanceThreshold <= 0 {
		c.ImbalanceThreshold = 0.1
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = 10 * time.Second
	}
	if c.OrderAttempts <= 0 {
		c.OrderAttempts = 3
	}
	if c.CompensationAttempts <= 0 {
		c.CompensationAttempts = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// positionEntry 单个持仓及其锁
// op 串行化同一持仓上的 close / refresh / rebalance / funding，mu 只保护字段读写
type positionEntry struct {
	op  sync.Mutex
	mu  sync.RWMutex
	pos *model.HedgedPosition
}

func (e *positionEntry) snapshot() *model.HedgedPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pos.Clone()
}

func (e *positionEntry) update(fn func(p *model.HedgedPosition)) *model.HedgedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.pos)
	return e.pos.Clone()
}

// PositionManager 对冲持仓生命周期管理
type PositionManager struct {
	mu        sync.RWMutex
	positions map[string]*positionEntry
	order     []string
	opening   map[string]struct{} // 正在开仓的 symbol/venue

	// bg 跟踪超时腿的后台补偿
	bg       sync.WaitGroup
	lateWait time.Duration

	venues    *VenueSet
	cfg       PositionManagerConfig
	publisher EventPublisher
	store     PositionStore
	ledger    MarginLedger

	now   func() time.Time
	newID func() string
}

// NewPositionManager 创建持仓管理器，store 可以为 nil
func NewPositionManager(venues *VenueSet, cfg PositionManagerConfig, publisher EventPublisher, store PositionStore) *PositionManager {
	cfg.applyDefaults()
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &PositionManager{
		positions: make(map[string]*positionEntry),
		opening:   make(map[string]struct{}),
		lateWait:  lateFillWait,
		venues:    venues,
		cfg:       cfg,
		publisher: publisher,
		store:     store,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Restore 载入上次进程留下的持仓，只接受 Active
func (m *PositionManager) Restore(positions []*model.HedgedPosition) int {
	n := 0
	for _, p := range positions {
		if p == nil || !p.IsActive() {
			continue
		}
		if _, err := m.entry(p.ID); err == nil {
			continue
		}
		m.add(p.Clone())
		n++
	}
	return n
}

// Open 开仓：设置杠杆，取参考价，两腿同时下市价单
// 任一腿失败时对已成交的腿发 reduce-only 反向单补偿，不创建持仓
// 同一交易所同一币种只允许一个 Active 持仓占用，否则返回 ErrVenueInUse
func (m *PositionManager) Open(ctx context.Context, quote model.SpreadQuote, sizeQuote float64) (*model.HedgedPosition, error) {
	if sizeQuote <= 0 {
		return nil, fmt.Errorf("invalid position size %.4f", sizeQuote)
	}
	longClient, err := m.venues.Get(quote.LongVenue)
	if err != nil {
		return nil, err
	}
	shortClient, err := m.venues.Get(quote.ShortVenue)
	if err != nil {
		return nil, err
	}
	symbol := quote.Symbol

	release, err := m.reserve(symbol, longClient.Name(), shortClient.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.setLeverage(ctx, symbol, longClient, shortClient); err != nil {
		return nil, err
	}

	ticker, err := longClient.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: reference price for %s on %s: %v", ErrDataUnavailable, symbol, longClient.Name(), err)
	}
	if ticker.LastPrice <= 0 {
		return nil, fmt.Errorf("%w: invalid reference price %.8f for %s on %s", ErrDataUnavailable, ticker.LastPrice, symbol, longClient.Name())
	}
	refPrice := ticker.LastPrice
	amount := sizeQuote / refPrice

	lo, so := runLegs(ctx, m.cfg.LegTimeout,
		m.orderTask(longClient, model.SideLong, model.OrderRequest{
			Symbol: symbol, Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Amount: amount,
		}, 1),
		m.orderTask(shortClient, model.SideShort, model.OrderRequest{
			Symbol: symbol, Side: model.OrderSideSell, Type: model.OrderTypeMarket, Amount: amount,
		}, 1),
	)

	if !lo.ok() || !so.ok() {
		openErr := m.compensate(ctx, symbol, lo, so)
		m.awaitLate(ctx, symbol, lo, so)
		return nil, openErr
	}

	now := m.now()
	pos := &model.HedgedPosition{
		ID:            m.newID(),
		Symbol:        symbol,
		LongLeg:       m.openedLeg(lo, model.SideLong, refPrice, amount),
		ShortLeg:      m.openedLeg(so, model.SideShort, refPrice, amount),
		OpenSpread:    quote.AnnualizedSpread,
		OpenAmount:    amount,
		OpenSizeQuote: sizeQuote,
		TradingFees:   lo.Result.FeeCost + so.Result.FeeCost,
		Status:        model.PositionActive,
		OpenedAt:      now,
	}
	m.add(pos)
	snap := pos.Clone()
	m.persist(ctx, snap)

	m.publisher.Emit(model.Event{
		Type:       model.EventPositionOpened,
		PositionID: snap.ID,
		Position:   snap,
		Orders:     []model.OrderResult{lo.Result, so.Result},
		At:         now,
	})

	log.Info().
		Str("position_id", snap.ID).
		Str("symbol", symbol).
		Str("long", snap.LongLeg.Venue).
		Str("short", snap.ShortLeg.Venue).
		Float64("amount", amount).
		Float64("size_quote", sizeQuote).
		Float64("annualized_spread", quote.AnnualizedSpread).
		Msg("hedged position opened")

	return snap.Clone(), nil
}

// reserve 占用 symbol 在各交易所上的腿，返回释放函数
func (m *PositionManager) reserve(symbol string, venues ...string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range venues {
		if _, ok := m.opening[symbol+"/"+v]; ok {
			return nil, fmt.Errorf("%w: %s on %s is being opened", ErrVenueInUse, symbol, v)
		}
		for _, id := range m.order {
			e := m.positions[id]
			e.mu.RLock()
			held := e.pos.IsActive() && e.pos.HoldsVenue(symbol, v)
			e.mu.RUnlock()
			if held {
				return nil, fmt.Errorf("%w: %s on %s by position %s", ErrVenueInUse, symbol, v, id)
			}
		}
	}
	for _, v := range venues {
		m.opening[symbol+"/"+v] = struct{}{}
	}
	return func() {
		m.mu.Lock()
		for _, v := range venues {
			delete(m.opening, symbol+"/"+v)
		}
		m.mu.Unlock()
	}, nil
}

func (m *PositionManager) setLeverage(ctx context.Context, symbol string, clients ...VenueClient) error {
	for _, c := range clients {
		if err := c.SetLeverage(ctx, m.cfg.Leverage, symbol); err != nil {
			return fmt.Errorf("set leverage %.1f on %s for %s: %w", m.cfg.Leverage, c.Name(), symbol, err)
		}
	}
	return nil
}

func (m *PositionManager) orderTask(client VenueClient, side model.Side, req model.OrderRequest, attempts int) legTask {
	return legTask{
		Venue: client.Name(),
		Side:  side,
		Run: func(ctx context.Context) (model.OrderResult, error) {
			res, err := placeWithRetry(ctx, client, req, attempts, m.cfg.RetryBaseDelay)
			if res.Venue == "" {
				res.Venue = client.Name()
			}
			if res.Symbol == "" {
				res.Symbol = req.Symbol
			}
			if res.Side == "" {
				res.Side = req.Side
			}
			return res, err
		},
	}
}

func (m *PositionManager) openedLeg(o legOutcome, side model.Side, refPrice, amount float64) model.Leg {
	entry := o.Result.AveragePrice
	if entry <= 0 {
		entry = refPrice
	}
	size := o.Result.FilledAmount
	if size <= 0 {
		size = amount
	}
	return model.Leg{
		Venue:      o.Venue,
		Side:       side,
		EntryPrice: entry,
		Size:       size,
		Collateral: CalculateRequiredMargin(entry, size, m.cfg.Leverage),
	}
}

// compensate 对有成交的腿发 reduce-only 反向单
// 补偿失败记为严重错误，并发出 leg.orphaned 事件
func (m *PositionManager) compensate(ctx context.Context, symbol string, outcomes ...legOutcome) error {
	execErr := &ExecutionError{Op: "open", Symbol: symbol}
	for _, o := range outcomes {
		if !o.ok() {
			execErr.Failures = append(execErr.Failures, LegFailure{Venue: o.Venue, Side: o.Side, Err: o.Err})
			log.Error().
				Str("symbol", symbol).
				Str("venue", o.Venue).
				Str("side", string(o.Side)).
				Err(o.Err).
				Msg("open leg failed")
		}
		if o.Result.FilledAmount > 0 {
			execErr.Orders = append(execErr.Orders, o.Result)
		}
	}

	var compErrs []error
	for _, o := range outcomes {
		if err := m.unwind(ctx, symbol, o); err != nil {
			compErrs = append(compErrs, err)
		}
	}
	execErr.Compensation = errors.Join(compErrs...)
	return execErr
}

// unwind 对有成交的腿发 reduce-only 反向单，失败时发出 leg.orphaned
func (m *PositionManager) unwind(ctx context.Context, symbol string, o legOutcome) error {
	filled := o.Result.FilledAmount
	if filled <= 0 {
		return nil
	}
	client, err := m.venues.Get(o.Venue)
	if err == nil {
		// 关停时也要完成补偿
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LegTimeout*time.Duration(m.cfg.CompensationAttempts))
		_, err = placeWithRetry(cctx, client, model.OrderRequest{
			Symbol:     symbol,
			Side:       o.Side.CloseOrderSide(),
			Type:       model.OrderTypeMarket,
			Amount:     filled,
			ReduceOnly: true,
		}, m.cfg.CompensationAttempts, m.cfg.RetryBaseDelay)
		cancel()
	}
	if err != nil {
		log.Error().
			Bool("critical", true).
			Str("symbol", symbol).
			Str("venue", o.Venue).
			Str("side", string(o.Side)).
			Float64("filled", filled).
			Err(err).
			Msg("compensation failed, leg left open")
		m.publisher.Emit(model.Event{
			Type:   model.EventLegOrphaned,
			Orders: []model.OrderResult{o.Result},
			Reason: err.Error(),
			At:     m.now(),
		})
		return fmt.Errorf("%s leg on %s (%.8f): %w", o.Side, o.Venue, filled, err)
	}
	log.Warn().
		Str("symbol", symbol).
		Str("venue", o.Venue).
		Str("side", string(o.Side)).
		Float64("filled", filled).
		Msg("filled leg compensated")
	return nil
}

// awaitLate 超时的腿可能在截止后才成交，后台等待其结果并补偿
func (m *PositionManager) awaitLate(ctx context.Context, symbol string, outcomes ...legOutcome) {
	for _, o := range outcomes {
		if o.Late == nil {
			continue
		}
		m.bg.Go(func() {
			m.compensateLate(ctx, symbol, o)
		})
	}
}

func (m *PositionManager) compensateLate(ctx context.Context, symbol string, o legOutcome) {
	timer := time.NewTimer(m.lateWait)
	defer timer.Stop()

	select {
	case r := <-o.Late:
		if r.Val.FilledAmount <= 0 {
			return
		}
		o.Result = r.Val
		log.Warn().
			Str("symbol", symbol).
			Str("venue", o.Venue).
			Str("side", string(o.Side)).
			Float64("filled", r.Val.FilledAmount).
			Msg("timed-out leg filled late")
		_ = m.unwind(ctx, symbol, o)
	case <-timer.C:
		log.Error().
			Bool("critical", true).
			Str("symbol", symbol).
			Str("venue", o.Venue).
			Str("side", string(o.Side)).
			Dur("waited", m.lateWait).
			Msg("timed-out leg never reported, fill unknown")
		m.publisher.Emit(model.Event{
			Type:   model.EventLegOrphaned,
			Orders: []model.OrderResult{{Venue: o.Venue, Symbol: symbol, Side: o.Side.OpenOrderSide()}},
			Reason: "no order result after leg timeout",
			At:     m.now(),
		})
	}
}

// Wait 等待后台补偿结束，关停时调用
func (m *PositionManager) Wait() {
	m.bg.Wait()
}

// Close 平仓：读取两腿实际数量，同时发 reduce-only 单
// 任一腿失败时持仓保持 Active，由调用方重试
func (m *PositionManager) Close(ctx context.Context, id, reason string) (*model.HedgedPosition, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	pos := e.snapshot()
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
	}
	longClient, err := m.venues.Get(pos.LongLeg.Venue)
	if err != nil {
		return nil, err
	}
	shortClient, err := m.venues.Get(pos.ShortLeg.Venue)
	if err != nil {
		return nil, err
	}

	longSize, shortSize := m.liveSizes(ctx, pos, legShares(m.ActivePositions()), longClient, shortClient)

	lo, so := runLegs(ctx, m.cfg.LegTimeout*time.Duration(m.cfg.OrderAttempts),
		m.closeTask(longClient, pos, model.SideLong, longSize),
		m.closeTask(shortClient, pos, model.SideShort, shortSize),
	)

	// 成功的腿需要平仓价
	var longPx, shortPx float64
	if lo.ok() {
		longPx = m.closePrice(ctx, longClient, pos.Symbol, lo.Result, pos.LongLeg)
	}
	if so.ok() {
		shortPx = m.closePrice(ctx, shortClient, pos.Symbol, so.Result, pos.ShortLeg)
	}

	now := m.now()
	snap := e.update(func(p *model.HedgedPosition) {
		applyClose(&p.LongLeg, lo, longPx)
		applyClose(&p.ShortLeg, so, shortPx)
		p.TradingFees += lo.Result.FeeCost + so.Result.FeeCost
		if lo.ok() && so.ok() {
			p.Finalize(reason, now)
		}
	})
	m.persist(ctx, snap)

	orders := filledOrders(lo, so)
	if !lo.ok() || !so.ok() {
		execErr := &ExecutionError{Op: "close", Symbol: pos.Symbol, Orders: orders}
		for _, o := range []legOutcome{lo, so} {
			if !o.ok() {
				execErr.Failures = append(execErr.Failures, LegFailure{Venue: o.Venue, Side: o.Side, Err: o.Err})
			}
		}
		log.Error().
			Str("position_id", id).
			Str("symbol", pos.Symbol).
			Str("reason", reason).
			Err(execErr).
			Msg("close failed, position stays active")
		return nil, execErr
	}

	m.publisher.Emit(model.Event{
		Type:       model.EventPositionClosed,
		PositionID: id,
		Position:   snap,
		Orders:     orders,
		Reason:     reason,
		At:         now,
	})

	log.Info().
		Str("position_id", id).
		Str("symbol", snap.Symbol).
		Str("reason", reason).
		Float64("realized_pnl", snap.RealizedPnl).
		Float64("funding_income", snap.FundingIncome).
		Float64("trading_fees", snap.TradingFees).
		Msg("hedged position closed")

	return snap.Clone(), nil
}

// liveSizes 读取两腿当前数量，读取失败时回退到开仓数量
// 交易所上的仓位由多个持仓共用时，只取本持仓的份额且不超过记录数量
func (m *PositionManager) liveSizes(ctx context.Context, pos *model.HedgedPosition, shares map[legKey]float64, longClient, shortClient VenueClient) (float64, float64) {
	l, s := joinPair(ctx, m.cfg.LegTimeout, m.fetchLegs(longClient, pos.Symbol), m.fetchLegs(shortClient, pos.Symbol))

	size := func(r settled[[]model.LegPosition], side model.Side, venue string) float64 {
		if r.Err != nil {
			log.Warn().
				Str("position_id", pos.ID).
				Str("venue", venue).
				Err(r.Err).
				Msg("leg size unavailable, using open amount")
			return pos.OpenAmount
		}
		lp, _ := findLeg(r.Val, pos.Symbol, side)
		f := shareOf(shares, pos.ID, side)
		if f < 1 {
			return math.Min(lp.Size*f, pos.Leg(side).Size)
		}
		return lp.Size
	}
	return size(l, model.SideLong, longClient.Name()), size(s, model.SideShort, shortClient.Name())
}

func (m *PositionManager) fetchLegs(client VenueClient, symbol string) func(context.Context) ([]model.LegPosition, error) {
	return func(ctx context.Context) ([]model.LegPosition, error) {
		return client.FetchLegPositions(ctx, []string{symbol})
	}
}

func (m *PositionManager) closeTask(client VenueClient, pos *model.HedgedPosition, side model.Side, size float64) legTask {
	if size <= 0 {
		// 该腿已平，无需下单
		return legTask{
			Venue: client.Name(),
			Side:  side,
			Run: func(context.Context) (model.OrderResult, error) {
				return model.OrderResult{Venue: client.Name(), Symbol: pos.Symbol, Status: "skipped"}, nil
			},
		}
	}
	return m.orderTask(client, side, model.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side.CloseOrderSide(),
		Type:       model.OrderTypeMarket,
		Amount:     size,
		ReduceOnly: true,
	}, m.cfg.OrderAttempts)
}

// closePrice 成交均价 > 之前记录的平仓价 > 最新价 > 开仓价
func (m *PositionManager) closePrice(ctx context.Context, client VenueClient, symbol string, res model.OrderResult, leg model.Leg) float64 {
	if res.AveragePrice > 0 {
		return res.AveragePrice
	}
	if leg.ClosePrice > 0 {
		return leg.ClosePrice
	}
	tctx, cancel := context.WithTimeout(ctx, m.cfg.LegTimeout)
	defer cancel()
	if t, err := client.FetchTicker(tctx, symbol); err == nil && t.LastPrice > 0 {
		return t.LastPrice
	}
	return leg.EntryPrice
}

func applyClose(leg *model.Leg, o legOutcome, price float64) {
	if o.ok() {
		leg.ClosePrice = price
		leg.Size = 0
		return
	}
	if o.Result.FilledAmount > 0 {
		leg.Size = math.Max(0, leg.Size-o.Result.FilledAmount)
	}
}

func filledOrders(outcomes ...legOutcome) []model.OrderResult {
	var out []model.OrderResult
	for _, o := range outcomes {
		if o.Result.FilledAmount > 0 {
			out = append(out, o.Result)
		}
	}
	return out
}

// RefreshAll 刷新所有持仓的腿数据，识别外部平仓，并重算保证金占用
func (m *PositionManager) RefreshAll(ctx context.Context) {
	// 份额按刷新前的记录数量一次算好，避免先刷新的持仓影响后面的分摊
	shares := legShares(m.ActivePositions())
	for _, e := range m.activeEntries() {
		if ctx.Err() != nil {
			return
		}
		m.refreshOne(ctx, e, shares)
	}

	now := m.now()
	margin := m.ledger.Recompute(m.ActivePositions(), now)
	summary := m.TotalPnL()

	m.publisher.Emit(model.Event{
		Type:        model.EventPositionsUpdated,
		Summary:     &summary,
		MarginInUse: margin,
		At:          now,
	})
}

func (m *PositionManager) refreshOne(ctx context.Context, e *positionEntry, shares map[legKey]float64) {
	e.op.Lock()
	defer e.op.Unlock()

	pos := e.snapshot()
	if !pos.IsActive() {
		return
	}
	longClient, err := m.venues.Get(pos.LongLeg.Venue)
	if err != nil {
		log.Error().Str("position_id", pos.ID).Err(err).Msg("position refresh skipped")
		return
	}
	shortClient, err := m.venues.Get(pos.ShortLeg.Venue)
	if err != nil {
		log.Error().Str("position_id", pos.ID).Err(err).Msg("position refresh skipped")
		return
	}

	l, s := joinPair(ctx, m.cfg.LegTimeout, m.fetchLegs(longClient, pos.Symbol), m.fetchLegs(shortClient, pos.Symbol))
	if l.Err != nil || s.Err != nil {
		log.Warn().
			Str("position_id", pos.ID).
			Str("symbol", pos.Symbol).
			AnErr("long_err", l.Err).
			AnErr("short_err", s.Err).
			Msg("position refresh failed, retry next interval")
		return
	}
	lp, _ := findLeg(l.Val, pos.Symbol, model.SideLong)
	sp, _ := findLeg(s.Val, pos.Symbol, model.SideShort)
	lp = lp.Scale(shareOf(shares, pos.ID, model.SideLong))
	sp = sp.Scale(shareOf(shares, pos.ID, model.SideShort))

	flat := lp.Size == 0 && sp.Size == 0
	var longPx, shortPx float64
	if flat {
		longPx = m.closePrice(ctx, longClient, pos.Symbol, model.OrderResult{}, pos.LongLeg)
		shortPx = m.closePrice(ctx, shortClient, pos.Symbol, model.OrderResult{}, pos.ShortLeg)
	}

	now := m.now()
	snap := e.update(func(p *model.HedgedPosition) {
		applyLegPosition(&p.LongLeg, lp)
		applyLegPosition(&p.ShortLeg, sp)
		if flat {
			p.LongLeg.ClosePrice = longPx
			p.ShortLeg.ClosePrice = shortPx
			p.Finalize(reasonExternalClose, now)
		}
	})
	m.persist(ctx, snap)

	if !flat {
		return
	}

	m.publisher.Emit(model.Event{
		Type:       model.EventPositionClosed,
		PositionID: snap.ID,
		Position:   snap,
		Reason:     reasonExternalClose,
		At:         now,
	})
	log.Warn().
		Str("position_id", snap.ID).
		Str("symbol", snap.Symbol).
		Float64("realized_pnl", snap.RealizedPnl).
		Msg("position closed externally")
}

func applyLegPosition(leg *model.Leg, lp model.LegPosition) {
	leg.Size = lp.Size
	leg.Collateral = lp.Collateral
	leg.VenueUnrealizedPnl = lp.UnrealizedPnl
	leg.VenueRealizedPnl = lp.RealizedPnl
}

// CheckRebalance 检查两腿数量偏差，超过阈值时返回调仓建议
// 只给建议，不下单
func (m *PositionManager) CheckRebalance(id string) (*model.RebalanceDirective, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return m.rebalanceDirective(e.snapshot()), nil
}

func (m *PositionManager) rebalanceDirective(pos *model.HedgedPosition) *model.RebalanceDirective {
	if !pos.IsActive() {
		return nil
	}
	imbalance, ok := pos.Imbalance()
	if !ok || imbalance <= m.cfg.ImbalanceThreshold {
		return nil
	}

	action := model.ReduceShort
	if pos.LongLeg.Size > pos.ShortLeg.Size {
		action = model.ReduceLong
	}
	return &model.RebalanceDirective{
		PositionID:   pos.ID,
		Action:       action,
		AdjustAmount: math.Abs(pos.LongLeg.Size-pos.ShortLeg.Size) / 2,
		Imbalance:    imbalance,
	}
}

// ExecuteRebalance 在被标记的交易所上发一张 reduce-only 调仓单
// 方向和数量按加锁后的腿数量重新计算，偏差已消失时返回 ErrNoImbalance
func (m *PositionManager) ExecuteRebalance(ctx context.Context, d model.RebalanceDirective) (model.OrderResult, error) {
	e, err := m.entry(d.PositionID)
	if err != nil {
		return model.OrderResult{}, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	pos := e.snapshot()
	if !pos.IsActive() {
		return model.OrderResult{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, d.PositionID)
	}
	cur := m.rebalanceDirective(pos)
	if cur == nil {
		log.Info().
			Str("position_id", d.PositionID).
			Float64("long_size", pos.LongLeg.Size).
			Float64("short_size", pos.ShortLeg.Size).
			Msg("imbalance resolved, rebalance skipped")
		return model.OrderResult{}, fmt.Errorf("%w: %s", ErrNoImbalance, d.PositionID)
	}
	if cur.Action != d.Action || cur.AdjustAmount != d.AdjustAmount {
		log.Debug().
			Str("position_id", d.PositionID).
			Str("action", string(cur.Action)).
			Float64("adjust", cur.AdjustAmount).
			Float64("stale_adjust", d.AdjustAmount).
			Msg("rebalance directive recomputed")
	}
	d = *cur

	side := model.SideShort
	if d.Action == model.ReduceLong {
		side = model.SideLong
	}
	leg := pos.Leg(side)
	client, err := m.venues.Get(leg.Venue)
	if err != nil {
		return model.OrderResult{}, err
	}

	octx, cancel := context.WithTimeout(ctx, m.cfg.LegTimeout*time.Duration(m.cfg.OrderAttempts))
	defer cancel()
	res, err := placeWithRetry(octx, client, model.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side.CloseOrderSide(),
		Type:       model.OrderTypeMarket,
		Amount:     d.AdjustAmount,
		ReduceOnly: true,
	}, m.cfg.OrderAttempts, m.cfg.RetryBaseDelay)

	filled := res.FilledAmount
	if err == nil && filled <= 0 {
		filled = d.AdjustAmount
	}
	snap := e.update(func(p *model.HedgedPosition) {
		p.TradingFees += res.FeeCost
		l := p.Leg(side)
		l.Size = math.Max(0, l.Size-filled)
	})
	m.persist(ctx, snap)

	if err != nil {
		return res, fmt.Errorf("%w: rebalance %s on %s: %v", ErrOrderExecution, d.PositionID, leg.Venue, err)
	}

	log.Info().
		Str("position_id", d.PositionID).
		Str("venue", leg.Venue).
		Str("action", string(d.Action)).
		Float64("amount", d.AdjustAmount).
		Float64("imbalance", d.Imbalance).
		Msg("position rebalanced")
	return res, nil
}

// RecordFundingIncome 累加资金费，非 Active 时忽略
func (m *PositionManager) RecordFundingIncome(id string, amount float64) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	e.op.Lock()
	defer e.op.Unlock()

	accrued := false
	snap := e.update(func(p *model.HedgedPosition) {
		if !p.IsActive() {
			return
		}
		p.FundingIncome += amount
		accrued = true
	})
	if accrued {
		m.persist(context.Background(), snap)
	}
	return accrued
}

// TotalPnL 汇总所有持仓的盈亏
func (m *PositionManager) TotalPnL() model.PnLSummary {
	var s model.PnLSummary
	for _, p := range m.Positions() {
		s.FundingIncome += p.FundingIncome
		s.TradingFees += p.TradingFees
		if p.IsActive() {
			s.ActiveCount++
			s.UnrealizedPnl += p.LongLeg.VenueUnrealizedPnl + p.ShortLeg.VenueUnrealizedPnl
			s.ActiveFundingIncome += p.FundingIncome
			s.ActiveTradingFees += p.TradingFees
			s.CommittedQuote += p.OpenSizeQuote
			continue
		}
		s.ClosedCount++
		s.RealizedPnl += p.RealizedPnl
	}
	return s
}

// MarginInUse 最近一次刷新时的保证金占用及计算时间
func (m *PositionManager) MarginInUse() (float64, time.Time) {
	return m.ledger.Value()
}

// Position 按 ID 读取持仓副本
func (m *PositionManager) Position(id string) (*model.HedgedPosition, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// Positions 全部持仓副本，按开仓顺序
func (m *PositionManager) Positions() []*model.HedgedPosition {
	m.mu.RLock()
	entries := make([]*positionEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.positions[id])
	}
	m.mu.RUnlock()

	out := make([]*model.HedgedPosition, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// ActivePositions 持仓中的副本
func (m *PositionManager) ActivePositions() []*model.HedgedPosition {
	var out []*model.HedgedPosition
	for _, p := range m.Positions() {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (m *PositionManager) activeEntries() []*positionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*positionEntry
	for _, id := range m.order {
		e := m.positions[id]
		e.mu.RLock()
		active := e.pos.IsActive()
		e.mu.RUnlock()
		if active {
			out = append(out, e)
		}
	}
	return out
}

func (m *PositionManager) add(p *model.HedgedPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = &positionEntry{pos: p}
	m.order = append(m.order, p.ID)
}

func (m *PositionManager) entry(id string) (*positionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *PositionManager) persist(ctx context.Context, p *model.HedgedPosition) {
	if m.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.SavePosition(pctx, p); err != nil {
		log.Error().Str("position_id", p.ID).Err(err).Msg("persist position failed")
	}
}

// legKey 持仓 ID + 方向
type legKey struct {
	id   string
	side model.Side
}

// legShares 同一 (symbol, venue, side) 被多个 Active 持仓共用时按记录数量分摊
// 交易所只报告合计数量，旧版本留下的持仓经 Restore 载入后可能共用同一交易所腿
func legShares(active []*model.HedgedPosition) map[legKey]float64 {
	type group struct {
		total   float64
		members []legKey
		sizes   []float64
	}
	groups := make(map[string]*group)
	for _, p := range active {
		for _, side := range []model.Side{model.SideLong, model.SideShort} {
			l := p.Leg(side)
			key := p.Symbol + "/" + l.Venue + "/" + string(side)
			g := groups[key]
			if g == nil {
				g = &group{}
				groups[key] = g
			}
			g.total += l.Size
			g.members = append(g.members, legKey{id: p.ID, side: side})
			g.sizes = append(g.sizes, l.Size)
		}
	}

	out := make(map[legKey]float64)
	for _, g := range groups {
		n := len(g.members)
		for i, k := range g.members {
			switch {
			case n == 1:
				out[k] = 1
			case g.total <= 0:
				out[k] = 1 / float64(n)
			default:
				out[k] = g.sizes[i] / g.total
			}
		}
	}
	return out
}

func shareOf(shares map[legKey]float64, id string, side model.Side) float64 {
	if f, ok := shares[legKey{id: id, side: side}]; ok {
		return f
	}
	return 1
}
