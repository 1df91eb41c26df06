package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// retLeverageNotModified 杠杆未变化
const retLeverageNotModified = 110043

// PerpetualPositionClient Bybit 永续合约持仓客户端
type PerpetualPositionClient struct {
	*APIClient
}

// NewPerpetualPositionClient 创建永续合约持仓客户端
func NewPerpetualPositionClient(client *APIClient) *PerpetualPositionClient {
	return &PerpetualPositionClient{APIClient: client}
}

// PositionItem 单条持仓
type PositionItem struct {
	PositionIdx    int    `json:"positionIdx"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	PositionValue  string `json:"positionValue"`
	AvgPrice       string `json:"avgPrice"`
	Leverage       string `json:"leverage"`
	MarkPrice      string `json:"markPrice"`
	PositionIM     string `json:"positionIM"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	CumRealisedPnl string `json:"cumRealisedPnl"`
}

// PerpetualPositionResponse 永续合约持仓响应
type PerpetualPositionResponse struct {
	ApiResponse
	Result struct {
		List []PositionItem `json:"list"`
	} `json:"result"`
}

// SetLeverage 设置买卖双向杠杆，未变化视为成功
func (c *PerpetualPositionClient) SetLeverage(ctx context.Context, leverage float64, symbol string) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}

	body, err := c.signedJSONRequest(ctx, http.MethodPost, "/v5/position/set-leverage", payload)
	if err != nil {
		return fmt.Errorf("set leverage failed: %w", err)
	}
	err = decode(body, nil, "set leverage")
	var retErr *RetError
	if errors.As(err, &retErr) && retErr.Code == retLeverageNotModified {
		return nil
	}
	return err
}

// GetPositions 获取永续合约持仓，空仓不返回
func (c *PerpetualPositionClient) GetPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error) {
	var out []model.LegPosition
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("category", "linear")
		params.Set("symbol", symbol)

		body, err := c.signedQueryRequest(ctx, http.MethodGet, "/v5/position/list", params)
		if err != nil {
			return nil, fmt.Errorf("get positions failed: %w", err)
		}

		var resp PerpetualPositionResponse
		if err := decode(body, &resp, "get positions"); err != nil {
			return nil, err
		}

		for _, p := range resp.Result.List {
			size := exchange.ParseFloat(p.Size)
			if size == 0 {
				continue
			}
			side := model.SideLong
			if p.Side == "Sell" {
				side = model.SideShort
			}
			out = append(out, model.LegPosition{
				Symbol:        p.Symbol,
				Side:          side,
				Size:          size,
				Collateral:    exchange.ParseFloat(p.PositionIM),
				UnrealizedPnl: exchange.ParseFloat(p.UnrealisedPnl),
				RealizedPnl:   exchange.ParseFloat(p.CumRealisedPnl),
			})
		}
	}
	return out, nil
}
