package model

// OrderSide 下单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 反向
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Amount     float64   `json:"amount"`          // 基础币数量
	Price      float64   `json:"price,omitempty"` // 市价单为 0
	ReduceOnly bool      `json:"reduce_only,omitempty"`
}

// OrderResult 交易所回报
// 下单出错时也可能带有部分成交
type OrderResult struct {
	Venue        string    `json:"venue"`
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	FilledAmount float64   `json:"filled_amount"`
	AveragePrice float64   `json:"average_price"`
	FeeCost      float64   `json:"fee_cost"`
	Status       string    `json:"status"`
	ReduceOnly   bool      `json:"reduce_only,omitempty"`
}

// LegPosition 交易所报告的单边持仓
type LegPosition struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	Collateral    float64 `json:"collateral"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	RealizedPnl   float64 `json:"realized_pnl"`
}

// Scale 按比例折算数量、保证金和盈亏
func (p LegPosition) Scale(f float64) LegPosition {
	if f == 1 {
		return p
	}
	p.Size *= f
	p.Collateral *= f
	p.UnrealizedPnl *= f
	p.RealizedPnl *= f
	return p
}
