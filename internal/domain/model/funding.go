package model

import "time"

// DefaultSettlementsPerYear 每天 3 次结算 × 365 天
const DefaultSettlementsPerYear = 1095

// FundingQuote 交易所返回的资金费率读数
type FundingQuote struct {
	CurrentRate      float64   `json:"current_rate"`
	PredictedRate    float64   `json:"predicted_rate"`
	NextSettlementAt time.Time `json:"next_settlement_at"`
	MarkPrice        float64   `json:"mark_price"`
	IndexPrice       float64   `json:"index_price"`
}

// FundingSnapshot 某交易所某合约的最新资金费率快照
// 每次成功轮询时覆盖，不会被清除
type FundingSnapshot struct {
	Venue            string    `json:"venue"`
	Symbol           string    `json:"symbol"`
	CurrentRate      float64   `json:"current_rate"`
	PredictedRate    float64   `json:"predicted_rate"`
	NextSettlementAt time.Time `json:"next_settlement_at"`
	MarkPrice        float64   `json:"mark_price"`
	IndexPrice       float64   `json:"index_price"`
	ObservedAt       time.Time `json:"observed_at"`
}

// NewFundingSnapshot 由交易所读数构造快照
func NewFundingSnapshot(venue, symbol string, q FundingQuote, observedAt time.Time) FundingSnapshot {
	return FundingSnapshot{
		Venue:            venue,
		Symbol:           symbol,
		CurrentRate:      q.CurrentRate,
		PredictedRate:    q.PredictedRate,
		NextSettlementAt: q.NextSettlementAt,
		MarkPrice:        q.MarkPrice,
		IndexPrice:       q.IndexPrice,
		ObservedAt:       observedAt,
	}
}

// SpreadQuote 有方向的资金费率价差（多 LongVenue，空 ShortVenue）
// 由两个快照按需计算，不存储
type SpreadQuote struct {
	Symbol                    string    `json:"symbol"`
	LongVenue                 string    `json:"long_venue"`
	ShortVenue                string    `json:"short_venue"`
	LongRate                  float64   `json:"long_rate"`
	ShortRate                 float64   `json:"short_rate"`
	CurrentSpread             float64   `json:"current_spread"`    // 单次结算价差
	AnnualizedSpread          float64   `json:"annualized_spread"` // 年化价差
	PredictedAnnualizedSpread float64   `json:"predicted_annualized_spread"`
	NextSettlementAt          time.Time `json:"next_settlement_at"`
}

// Ticker 最新成交价
type Ticker struct {
	LastPrice float64 `json:"last_price"`
}
