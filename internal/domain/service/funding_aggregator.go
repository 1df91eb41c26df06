package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

type snapshotKey struct {
	symbol string
	venue  string
}

// FundingAggregator 资金费率聚合器
// 按 (symbol, venue) 保存最新快照，计算有方向的价差并找出最佳机会
type FundingAggregator struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]model.FundingSnapshot

	venues             *VenueSet
	symbols            []string
	settlementsPerYear float64
	publisher          EventPublisher
	now                func() time.Time
}

// NewFundingAggregator 创建资金费率聚合器
func NewFundingAggregator(venues *VenueSet, symbols []string, settlementsPerYear float64, publisher EventPublisher) *FundingAggregator {
	if settlementsPerYear <= 0 {
		settlementsPerYear = model.DefaultSettlementsPerYear
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	syms := make([]string, len(symbols))
	copy(syms, symbols)
	return &FundingAggregator{
		snapshots:          make(map[snapshotKey]model.FundingSnapshot),
		venues:             venues,
		symbols:            syms,
		settlementsPerYear: settlementsPerYear,
		publisher:          publisher,
		now:                time.Now,
	}
}

// Symbols 跟踪的交易对
func (a *FundingAggregator) Symbols() []string {
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

// Refresh 轮询所有 symbol × venue 的资金费率并覆盖快照
// 单个组合失败只记录日志，不影响其他组合；返回成功数量
func (a *FundingAggregator) Refresh(ctx context.Context) int {
	var (
		wg      sync.WaitGroup
		countMu sync.Mutex
		count   int
	)

	for _, name := range a.venues.Names() {
		client, err := a.venues.Get(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(client VenueClient) {
			defer wg.Done()
			for _, symbol := range a.symbols {
				if ctx.Err() != nil {
					return
				}
				q, err := client.FetchFundingRate(ctx, symbol)
				if err != nil {
					log.Warn().
						Str("venue", client.Name()).
						Str("symbol", symbol).
						Err(err).
						Msg("failed to get funding rate")
					continue
				}
				a.store(model.NewFundingSnapshot(client.Name(), symbol, q, a.now()))
				countMu.Lock()
				count++
				countMu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	a.publisher.Emit(model.Event{
		Type:      model.EventFundingUpdated,
		Snapshots: a.Snapshots(),
		At:        a.now(),
	})

	log.Debug().Int("updated", count).Msg("funding rates refreshed")
	return count
}

func (a *FundingAggregator) store(s model.FundingSnapshot) {
	a.mu.Lock()
	a.snapshots[snapshotKey{symbol: s.Symbol, venue: s.Venue}] = s
	a.mu.Unlock()
}

// Snapshot 读取单个快照
func (a *FundingAggregator) Snapshot(symbol, venue string) (model.FundingSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.snapshots[snapshotKey{symbol: symbol, venue: venue}]
	return s, ok
}

// Snapshots 全部快照，按 symbol、venue 顺序
func (a *FundingAggregator) Snapshots() []model.FundingSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.FundingSnapshot, 0, len(a.snapshots))
	for _, symbol := range a.symbols {
		for _, venue := range a.venues.Names() {
			if s, ok := a.snapshots[snapshotKey{symbol: symbol, venue: venue}]; ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Spread 计算 long/short 方向的资金费率价差
// currentSpread = short.current - long.current
func (a *FundingAggregator) Spread(symbol, longVenue, shortVenue string) (model.SpreadQuote, error) {
	long, ok := a.Snapshot(symbol, longVenue)
	if !ok {
		return model.SpreadQuote{}, fmt.Errorf("%w: no snapshot for %s on %s", ErrDataUnavailable, symbol, longVenue)
	}
	short, ok := a.Snapshot(symbol, shortVenue)
	if !ok {
		return model.SpreadQuote{}, fmt.Errorf("%w: no snapshot for %s on %s", ErrDataUnavailable, symbol, shortVenue)
	}

	current := short.CurrentRate - long.CurrentRate
	predicted := short.PredictedRate - long.PredictedRate

	next := long.NextSettlementAt
	if short.NextSettlementAt.Before(next) {
		next = short.NextSettlementAt
	}

	return model.SpreadQuote{
		Symbol:                    symbol,
		LongVenue:                 longVenue,
		ShortVenue:                shortVenue,
		LongRate:                  long.CurrentRate,
		ShortRate:                 short.CurrentRate,
		CurrentSpread:             current,
		AnnualizedSpread:          current * a.settlementsPerYear,
		PredictedAnnualizedSpread: predicted * a.settlementsPerYear,
		NextSettlementAt:          next,
	}, nil
}

// BestOpportunity 遍历所有有序交易所对，返回年化价差最大的组合
// 少于两个交易所有数据时返回 false
func (a *FundingAggregator) BestOpportunity(symbol string) (model.SpreadQuote, bool) {
	var withData []string
	for _, venue := range a.venues.Names() {
		if _, ok := a.Snapshot(symbol, venue); ok {
			withData = append(withData, venue)
		}
	}
	if len(withData) < 2 {
		return model.SpreadQuote{}, false
	}

	var (
		best  model.SpreadQuote
		found bool
	)
	for _, long := range withData {
		for _, short := range withData {
			if long == short {
				continue
			}
			q, err := a.Spread(symbol, long, short)
			if err != nil {
				continue
			}
			if !found || q.AnnualizedSpread > best.AnnualizedSpread {
				best = q
				found = true
			}
		}
	}
	return best, found
}
