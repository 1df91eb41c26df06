package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// TickerItem /v5/market/tickers 与 tickers.<SYMBOL> 推送共用字段
type TickerItem struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

// TickersResponse 行情响应
type TickersResponse struct {
	ApiResponse
	Result struct {
		Category string       `json:"category"`
		List     []TickerItem `json:"list"`
	} `json:"result"`
}

func (t TickerItem) fundingQuote() (model.FundingQuote, error) {
	if t.FundingRate == "" {
		return model.FundingQuote{}, fmt.Errorf("empty funding rate for %s", t.Symbol)
	}
	next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
	rate := exchange.ParseFloat(t.FundingRate)
	return model.FundingQuote{
		CurrentRate:      rate,
		PredictedRate:    rate,
		NextSettlementAt: time.UnixMilli(next).UTC(),
		MarkPrice:        exchange.ParseFloat(t.MarkPrice),
		IndexPrice:       exchange.ParseFloat(t.IndexPrice),
	}, nil
}

// MarketClient Bybit 线性合约行情客户端
type MarketClient struct {
	*APIClient
}

// NewMarketClient 创建行情客户端
func NewMarketClient(client *APIClient) *MarketClient {
	return &MarketClient{APIClient: client}
}

// GetTicker 单个合约行情
func (c *MarketClient) GetTicker(ctx context.Context, symbol string) (TickerItem, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)

	body, err := c.publicQueryRequest(ctx, "/v5/market/tickers", params)
	if err != nil {
		return TickerItem{}, fmt.Errorf("get tickers failed: %w", err)
	}

	var resp TickersResponse
	if err := decode(body, &resp, "get tickers"); err != nil {
		return TickerItem{}, err
	}
	for _, item := range resp.Result.List {
		if item.Symbol == symbol {
			return item, nil
		}
	}
	return TickerItem{}, fmt.Errorf("ticker %s not found", symbol)
}
