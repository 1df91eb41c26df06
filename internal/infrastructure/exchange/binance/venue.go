package binance

import (
	"context"
	"strings"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/exchange"
)

// Venue Binance USDⓈ-M 合约交易所适配器
type Venue struct {
	converter *exchange.CommonSymbolConverter
	market    *MarketClient
	orders    *PerpetualOrderClient
	positions *PerpetualPositionClient
}

var _ domainservice.VenueClient = (*Venue)(nil)

// NewVenue 创建适配器，各子客户端共用 HTTP 连接、凭证和限速器
func NewVenue(opts Options) *Venue {
	api := newAPIClient(opts)
	return &Venue{
		converter: exchange.NewCommonSymbolConverter("USDT"),
		market:    NewMarketClient(api),
		orders:    NewPerpetualOrderClient(api, opts.QtyPrecision),
		positions: NewPerpetualPositionClient(api),
	}
}

func (v *Venue) Name() string { return Name }

func (v *Venue) symbol(s string) string {
	return v.converter.Coin2Symbol(s)
}

func (v *Venue) FetchFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error) {
	return v.market.GetFundingRate(ctx, v.symbol(symbol))
}

func (v *Venue) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	return v.market.GetTicker(ctx, v.symbol(symbol))
}

func (v *Venue) SetLeverage(ctx context.Context, leverage float64, symbol string) error {
	return v.positions.SetLeverage(ctx, leverage, v.symbol(symbol))
}

func (v *Venue) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	req.Symbol = v.symbol(req.Symbol)
	return v.orders.PlaceOrder(ctx, req)
}

func (v *Venue) FetchLegPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error) {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			norm = append(norm, v.symbol(s))
		}
	}
	return v.positions.GetPositions(ctx, norm)
}
