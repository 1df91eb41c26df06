package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// PremiumIndexResp 标记价格与资金费率
type PremiumIndexResp struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// TickerPriceResp 最新成交价
type TickerPriceResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// MarketClient Binance 合约行情 REST 客户端
type MarketClient struct {
	*APIClient
}

// NewMarketClient 创建行情客户端
func NewMarketClient(client *APIClient) *MarketClient {
	return &MarketClient{APIClient: client}
}

// GetFundingRate 获取单个合约的资金费率
// lastFundingRate 是本期实时预估费率，结算时即为本期费率，因此同时作为当前和预测值
func (c *MarketClient) GetFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return model.FundingQuote{}, fmt.Errorf("get premium index failed: %w", err)
	}

	var resp PremiumIndexResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.FundingQuote{}, fmt.Errorf("parse premium index failed: %w", err)
	}
	if resp.LastFundingRate == "" {
		return model.FundingQuote{}, fmt.Errorf("empty funding rate for %s", symbol)
	}

	rate := exchange.ParseFloat(resp.LastFundingRate)
	return model.FundingQuote{
		CurrentRate:      rate,
		PredictedRate:    rate,
		NextSettlementAt: time.UnixMilli(resp.NextFundingTime).UTC(),
		MarkPrice:        exchange.ParseFloat(resp.MarkPrice),
		IndexPrice:       exchange.ParseFloat(resp.IndexPrice),
	}, nil
}

// GetTicker 获取最新成交价
func (c *MarketClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicRequest(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("get ticker failed: %w", err)
	}

	var resp TickerPriceResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Ticker{}, fmt.Errorf("parse ticker failed: %w", err)
	}
	return model.Ticker{LastPrice: exchange.ParseFloat(resp.Price)}, nil
}
