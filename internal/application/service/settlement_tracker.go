package service

import (
	"sync"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// FundingLedger 资金费入账接口
type FundingLedger interface {
	ActivePositions() []*model.HedgedPosition
	RecordFundingIncome(id string, amount float64) bool
}

type settlementKey struct {
	venue  string
	symbol string
}

// SettlementTracker 资金费结算估算
// 同一 (venue, symbol) 的 nextSettlementAt 前移即视为刚完成一次结算，
// 按上一快照的费率和标记价格给持仓的对应腿入账：多头付 rate × 名义价值，空头收
type SettlementTracker struct {
	mu     sync.Mutex
	last   map[settlementKey]model.FundingSnapshot
	ledger FundingLedger
}

// NewSettlementTracker 创建结算跟踪器
func NewSettlementTracker(ledger FundingLedger) *SettlementTracker {
	return &SettlementTracker{
		last:   make(map[settlementKey]model.FundingSnapshot),
		ledger: ledger,
	}
}

// Observe 处理一轮快照，返回本轮入账总额
func (t *SettlementTracker) Observe(snapshots []model.FundingSnapshot) float64 {
	t.mu.Lock()
	var settledPrev []model.FundingSnapshot
	for _, s := range snapshots {
		key := settlementKey{venue: s.Venue, symbol: s.Symbol}
		prev, ok := t.last[key]
		t.last[key] = s
		if !ok || prev.NextSettlementAt.IsZero() {
			continue
		}
		if !s.NextSettlementAt.After(prev.NextSettlementAt) || s.ObservedAt.Before(prev.NextSettlementAt) {
			continue
		}
		if prev.MarkPrice <= 0 {
			prev.MarkPrice = s.MarkPrice
		}
		settledPrev = append(settledPrev, prev)
	}
	t.mu.Unlock()

	if len(settledPrev) == 0 {
		return 0
	}

	var total float64
	active := t.ledger.ActivePositions()
	for _, prev := range settledPrev {
		for _, p := range active {
			if p.Symbol != prev.Symbol || !p.OpenedAt.Before(prev.NextSettlementAt) {
				continue
			}
			for _, leg := range []model.Leg{p.LongLeg, p.ShortLeg} {
				if leg.Venue != prev.Venue {
					continue
				}
				income := prev.CurrentRate * leg.Size * prev.MarkPrice
				if leg.Side == model.SideLong {
					income = -income
				}
				if t.ledger.RecordFundingIncome(p.ID, income) {
					total += income
					log.Info().
						Str("position_id", p.ID).
						Str("venue", prev.Venue).
						Str("symbol", prev.Symbol).
						Str("side", string(leg.Side)).
						Float64("rate", prev.CurrentRate).
						Float64("income", income).
						Msg("funding settled")
				}
			}
		}
	}
	return total
}
