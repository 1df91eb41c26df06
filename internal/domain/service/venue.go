package service

import (
	"context"
	"fmt"
	"sort"

	"fundarb/internal/domain/model"
)

// VenueClient 交易所客户端接口
// 签名、限频、报文格式都由实现负责
type VenueClient interface {
	// Name 交易所名称，例如 BINANCE / BYBIT
	Name() string

	// FetchFundingRate 读取资金费率
	FetchFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error)

	// FetchTicker 读取最新成交价
	FetchTicker(ctx context.Context, symbol string) (model.Ticker, error)

	// SetLeverage 设置杠杆
	SetLeverage(ctx context.Context, leverage float64, symbol string) error

	// PlaceOrder 下单，出错时返回值仍可能带有部分成交
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)

	// FetchLegPositions 读取持仓
	FetchLegPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error)
}

// VenueSet 构造时注入的只读交易所集合
type VenueSet struct {
	clients map[string]VenueClient
	names   []string
}

// NewVenueSet 创建交易所集合，重名时后者覆盖前者
func NewVenueSet(clients ...VenueClient) *VenueSet {
	vs := &VenueSet{clients: make(map[string]VenueClient, len(clients))}
	for _, c := range clients {
		if c == nil {
			continue
		}
		vs.clients[c.Name()] = c
	}
	for name := range vs.clients {
		vs.names = append(vs.names, name)
	}
	sort.Strings(vs.names)
	return vs
}

// Get 按名称取客户端
func (vs *VenueSet) Get(name string) (VenueClient, error) {
	c, ok := vs.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return c, nil
}

// Names 按字母序返回交易所名称
func (vs *VenueSet) Names() []string {
	out := make([]string, len(vs.names))
	copy(out, vs.names)
	return out
}

// Len 交易所数量
func (vs *VenueSet) Len() int { return len(vs.names) }

// findLeg 在交易所持仓中查找对应 symbol / 方向
func findLeg(positions []model.LegPosition, symbol string, side model.Side) (model.LegPosition, bool) {
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return model.LegPosition{}, false
}
