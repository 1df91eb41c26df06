package model

import (
	"math"
	"time"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OpenOrderSide 开仓方向（多头买入，空头卖出）
func (s Side) OpenOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseOrderSide 平仓方向
func (s Side) CloseOrderSide() OrderSide {
	return s.OpenOrderSide().Opposite()
}

// PositionStatus 对冲持仓状态，只有 Active → Closed
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// Leg 对冲持仓的一条腿
type Leg struct {
	Venue              string  `json:"venue"`
	Side               Side    `json:"side"`
	EntryPrice         float64 `json:"entry_price"`
	ClosePrice         float64 `json:"close_price,omitempty"`
	Size               float64 `json:"size"`       // 交易所报告的当前数量
	Collateral         float64 `json:"collateral"` // 占用保证金
	VenueUnrealizedPnl float64 `json:"venue_unrealized_pnl"`
	VenueRealizedPnl   float64 `json:"venue_realized_pnl"`
}

// PricePnl 按价格变动计算的盈亏
func (l Leg) PricePnl(amount float64) float64 {
	if l.Side == SideLong {
		return (l.ClosePrice - l.EntryPrice) * amount
	}
	return (l.EntryPrice - l.ClosePrice) * amount
}

// HedgedPosition 跨交易所资金费率对冲持仓
type HedgedPosition struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	LongLeg       Leg            `json:"long_leg"`
	ShortLeg      Leg            `json:"short_leg"`
	OpenSpread    float64        `json:"open_spread"` // 开仓时的年化价差
	OpenAmount    float64        `json:"open_amount"`
	OpenSizeQuote float64        `json:"open_size_quote"`
	FundingIncome float64        `json:"funding_income"`
	TradingFees   float64        `json:"trading_fees"`
	RealizedPnl   float64        `json:"realized_pnl"` // 仅在 Closed 时有意义
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	CloseReason   string         `json:"close_reason,omitempty"`
}

// IsActive 是否仍持有
func (p *HedgedPosition) IsActive() bool {
	return p.Status == PositionActive
}

// Leg 按方向取腿
func (p *HedgedPosition) Leg(side Side) *Leg {
	if side == SideLong {
		return &p.LongLeg
	}
	return &p.ShortLeg
}

// HoldsVenue 是否在 venue 上持有 symbol 的任一腿
func (p *HedgedPosition) HoldsVenue(symbol, venue string) bool {
	return p.Symbol == symbol && (p.LongLeg.Venue == venue || p.ShortLeg.Venue == venue)
}

// ComputeRealizedPnl 多腿价格盈亏 + 空腿价格盈亏 + 资金费 - 手续费
func (p *HedgedPosition) ComputeRealizedPnl() float64 {
	return p.LongLeg.PricePnl(p.OpenAmount) + p.ShortLeg.PricePnl(p.OpenAmount) + p.FundingIncome - p.TradingFees
}

// Finalize 标记为已平仓并结算盈亏
func (p *HedgedPosition) Finalize(reason string, at time.Time) {
	p.Status = PositionClosed
	p.CloseReason = reason
	p.ClosedAt = &at
	p.RealizedPnl = p.ComputeRealizedPnl()
}

// Imbalance 两腿数量偏差，任一腿为 0 时返回 ok=false
func (p *HedgedPosition) Imbalance() (imbalance float64, ok bool) {
	l, s := p.LongLeg.Size, p.ShortLeg.Size
	if l == 0 || s == 0 {
		return 0, false
	}
	return math.Abs(l-s) / ((l + s) / 2), true
}

// Clone 深拷贝
func (p *HedgedPosition) Clone() *HedgedPosition {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// RebalanceAction 调仓动作
type RebalanceAction string

const (
	ReduceLong  RebalanceAction = "reduce_long"
	ReduceShort RebalanceAction = "reduce_short"
)

// RebalanceDirective 调仓建议，由调用方执行
type RebalanceDirective struct {
	PositionID   string          `json:"position_id"`
	Action       RebalanceAction `json:"action"`
	AdjustAmount float64         `json:"adjust_amount"`
	Imbalance    float64         `json:"imbalance"`
}

// PnLSummary 全局盈亏汇总
type PnLSummary struct {
	RealizedPnl   float64 `json:"realized_pnl"`   // Σ 已平仓 realizedPnl
	UnrealizedPnl float64 `json:"unrealized_pnl"` // Σ 持仓腿交易所未实现盈亏
	FundingIncome float64 `json:"funding_income"` // Σ 全部资金费
	TradingFees   float64 `json:"trading_fees"`   // Σ 全部手续费
	ActiveCount   int     `json:"active_count"`
	ClosedCount   int     `json:"closed_count"`

	// 仅持仓中的部分，已平仓的已计入 RealizedPnl
	ActiveFundingIncome float64 `json:"active_funding_income"`
	ActiveTradingFees   float64 `json:"active_trading_fees"`
	CommittedQuote      float64 `json:"committed_quote"` // Σ 持仓 openSizeQuote
}

// NetPnl 净盈亏（避免重复计算已平仓的资金费和手续费）
func (s PnLSummary) NetPnl() float64 {
	return s.RealizedPnl + s.UnrealizedPnl + s.ActiveFundingIncome - s.ActiveTradingFees
}
