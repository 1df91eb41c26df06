package service

import (
	"fmt"
	"math"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// RiskLimits 风控参数
type RiskLimits struct {
	MaxDailyLoss     float64 // 当日最大亏损（计价币），0 表示不限
	MaxDrawdown      float64 // 最大回撤比例（相对 TotalMaxPosition），0 表示不限
	MaxPositionSize  float64 // 单笔最大名义价值
	MinPositionSize  float64 // 单笔最小名义价值
	PositionRatio    float64 // 每笔占剩余额度的比例
	TotalMaxPosition float64 // 总名义价值上限，0 表示不限
}

// RiskManager 风险管理器
// 只拦截开仓，平仓和调仓不受影响
type RiskManager struct {
	mu sync.Mutex

	limits RiskLimits

	day            time.Time // 当前 UTC 日
	dayStartEquity float64
	peakEquity     float64
	initialized    bool

	now func() time.Time
}

// NewRiskManager 创建风险管理器
func NewRiskManager(limits RiskLimits) *RiskManager {
	if limits.PositionRatio <= 0 || limits.PositionRatio > 1 {
		limits.PositionRatio = 1
	}
	return &RiskManager{limits: limits, now: time.Now}
}

// Limits 当前风控参数
func (rm *RiskManager) Limits() RiskLimits {
	return rm.limits
}

// CheckOpen 检查日亏损和回撤，超限时返回 ErrRiskGateBlocked
func (rm *RiskManager) CheckOpen(summary model.PnLSummary) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	equity := summary.NetPnl()
	today := rm.now().UTC().Truncate(24 * time.Hour)

	if !rm.initialized {
		rm.day = today
		rm.dayStartEquity = equity
		rm.peakEquity = equity
		rm.initialized = true
	}
	if today.After(rm.day) {
		rm.day = today
		rm.dayStartEquity = equity
	}
	rm.peakEquity = math.Max(rm.peakEquity, equity)

	if rm.limits.MaxDailyLoss > 0 {
		dailyLoss := rm.dayStartEquity - equity
		if dailyLoss >= rm.limits.MaxDailyLoss {
			return fmt.Errorf("%w: daily loss %.2f reached limit %.2f",
				ErrRiskGateBlocked, dailyLoss, rm.limits.MaxDailyLoss)
		}
	}

	if rm.limits.MaxDrawdown > 0 && rm.limits.TotalMaxPosition > 0 {
		drawdown := (rm.peakEquity - equity) / rm.limits.TotalMaxPosition
		if drawdown >= rm.limits.MaxDrawdown {
			return fmt.Errorf("%w: drawdown %.4f reached limit %.4f",
				ErrRiskGateBlocked, drawdown, rm.limits.MaxDrawdown)
		}
	}

	return nil
}

// PositionSize 计算下一笔开仓的名义价值
// size = min(MaxPositionSize, (TotalMaxPosition - committed) × PositionRatio)
func (rm *RiskManager) PositionSize(committedQuote float64) (float64, error) {
	size := rm.limits.MaxPositionSize
	if rm.limits.TotalMaxPosition > 0 {
		remaining := rm.limits.TotalMaxPosition - committedQuote
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: total position %.2f reached limit %.2f",
				ErrRiskGateBlocked, committedQuote, rm.limits.TotalMaxPosition)
		}
		if byRatio := remaining * rm.limits.PositionRatio; size <= 0 || byRatio < size {
			size = byRatio
		}
	}

	if size <= 0 || size < rm.limits.MinPositionSize {
		return 0, fmt.Errorf("%w: position size %.2f below minimum %.2f",
			ErrRiskGateBlocked, size, rm.limits.MinPositionSize)
	}
	return size, nil
}
