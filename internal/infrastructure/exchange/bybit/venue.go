package bybit

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/exchange"
)

// Venue Bybit 线性永续适配器
// 配置了 WsURL 时资金费率和价格优先读推送缓存，过期或缺失时回退 REST
type Venue struct {
	converter *exchange.CommonSymbolConverter
	market    *MarketClient
	orders    *PerpetualOrderClient
	positions *PerpetualPositionClient
	tickers   *TickerCache
}

var _ domainservice.VenueClient = (*Venue)(nil)

// NewVenue 创建适配器
func NewVenue(opts Options) *Venue {
	api := newAPIClient(opts)
	v := &Venue{
		converter: exchange.NewCommonSymbolConverter("USDT"),
		market:    NewMarketClient(api),
		orders:    NewPerpetualOrderClient(api, opts.QtyPrecision),
		positions: NewPerpetualPositionClient(api),
	}
	if strings.TrimSpace(opts.WsURL) != "" {
		symbols := make([]string, 0, len(opts.Symbols))
		for _, s := range opts.Symbols {
			if s = v.symbol(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		v.tickers = NewTickerCache(opts.WsURL, symbols)
	}
	return v
}

func (v *Venue) Name() string { return Name }

func (v *Venue) symbol(s string) string {
	return v.converter.Coin2Symbol(s)
}

// RunStream 运行 ticker 推送，未配置 WsURL 时直接返回
func (v *Venue) RunStream(ctx context.Context) error {
	if v.tickers == nil {
		return nil
	}
	return v.tickers.Run(ctx)
}

func (v *Venue) ticker(ctx context.Context, symbol string) (TickerItem, error) {
	if v.tickers != nil {
		if item, ok := v.tickers.Get(symbol); ok && item.LastPrice != "" {
			return item, nil
		}
		log.Debug().Str("exchange", Name).Str("symbol", symbol).Msg("ticker cache miss, falling back to rest")
	}
	return v.market.GetTicker(ctx, symbol)
}

func (v *Venue) FetchFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error) {
	sym := v.symbol(symbol)
	if v.tickers != nil {
		if item, ok := v.tickers.Get(sym); ok && item.FundingRate != "" {
			return item.fundingQuote()
		}
	}
	item, err := v.market.GetTicker(ctx, sym)
	if err != nil {
		return model.FundingQuote{}, err
	}
	return item.fundingQuote()
}

func (v *Venue) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	item, err := v.ticker(ctx, v.symbol(symbol))
	if err != nil {
		return model.Ticker{}, err
	}
	return model.Ticker{LastPrice: exchange.ParseFloat(item.LastPrice)}, nil
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
