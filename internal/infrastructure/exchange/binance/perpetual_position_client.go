package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// PerpetualPositionClient Binance perpetual position client
type PerpetualPositionClient struct {
	*APIClient
}

// NewPerpetualPositionClient creates perpetual position client
func NewPerpetualPositionClient(client *APIClient) *PerpetualPositionClient {
	return &PerpetualPositionClient{APIClient: client}
}

// SetLeverage 设置杠杆倍数（整数）
func (c *PerpetualPositionClient) SetLeverage(ctx context.Context, leverage float64, symbol string) error {
	lev := int(math.Round(leverage))
	if lev < 1 {
		return fmt.Errorf("invalid leverage %.2f", leverage)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(lev))

	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}
	return nil
}

// GetPositions 查询指定交易对的单向持仓，空仓不返回
func (c *PerpetualPositionClient) GetPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("get position risk failed: %w", err)
	}

	var resp []PositionRisk
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse position risk failed: %w", err)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	var out []model.LegPosition
	for _, p := range resp {
		if len(wanted) > 0 {
			if _, ok := wanted[p.Symbol]; !ok {
				continue
			}
		}
		amt := exchange.ParseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := model.SideLong
		if amt < 0 {
			side = model.SideShort
		}

		collateral := exchange.ParseFloat(p.IsolatedMargin)
		if collateral <= 0 {
			if lev := exchange.ParseFloat(p.Leverage); lev > 0 {
				collateral = math.Abs(exchange.ParseFloat(p.Notional)) / lev
			}
		}

		out = append(out, model.LegPosition{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          math.Abs(amt),
			Collateral:    collateral,
			UnrealizedPnl: exchange.ParseFloat(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// PositionRisk /fapi/v2/positionRisk 单条持仓
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	IsolatedMargin   string `json:"isolatedMargin"`
	Notional         string `json:"notional"`
	PositionSide     string `json:"positionSide"`
}
