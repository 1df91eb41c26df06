package service

import (
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// MarginLedger 全局保证金占用（仅供参考）
// 每次持仓刷新后重算，两次刷新之间可能落后于交易所实际值
type MarginLedger struct {
	mu         sync.RWMutex
	total      float64
	computedAt time.Time
}

// Recompute 按持仓中两条腿的 collateral 重算
func (ml *MarginLedger) Recompute(active []*model.HedgedPosition, at time.Time) float64 {
	var total float64
	for _, p := range active {
		if !p.IsActive() {
			continue
		}
		total += p.LongLeg.Collateral + p.ShortLeg.Collateral
	}

	ml.mu.Lock()
	ml.total = total
	ml.computedAt = at
	ml.mu.Unlock()
	return total
}

// Value 返回占用值及计算时间，调用方据此判断是否过期
func (ml *MarginLedger) Value() (float64, time.Time) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.total, ml.computedAt
}

// CalculateRequiredMargin 计算所需保证金 = 价格 × 数量 / 杠杆
func CalculateRequiredMargin(price, quantity, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return price * quantity / leverage
}
