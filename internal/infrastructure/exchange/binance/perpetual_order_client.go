package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// PerpetualOrderClient Binance perpetual REST client
type PerpetualOrderClient struct {
	*APIClient
	qtyPrecision int32
}

// NewPerpetualOrderClient creates perpetual order client
func NewPerpetualOrderClient(client *APIClient, qtyPrecision int32) *PerpetualOrderClient {
	return &PerpetualOrderClient{APIClient: client, qtyPrecision: qtyPrecision}
}

// PlaceOrder 下单，市价单要求返回成交结果
// 部分成交时返回已成交部分和错误
func (c *PerpetualOrderClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	qtyStr, qty := exchange.TruncateQty(req.Amount, c.qtyPrecision)
	if qty <= 0 {
		return model.OrderResult{}, fmt.Errorf("quantity %.8f below precision %d", req.Amount, c.qtyPrecision)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", qtyStr)
	params.Set("newOrderRespType", "RESULT")

	if req.Type == model.OrderTypeLimit {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC") // Good Till Cancel
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		params.Set("type", "MARKET")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("place order failed: %w", err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderResult{}, fmt.Errorf("parse order response failed: %w", err)
	}
	if resp.OrderID == 0 {
		return model.OrderResult{}, fmt.Errorf("order failed: %s", string(body))
	}

	result := model.OrderResult{
		Venue:        Name,
		ID:           strconv.FormatInt(resp.OrderID, 10),
		Symbol:       req.Symbol,
		Side:         req.Side,
		FilledAmount: exchange.ParseFloat(resp.ExecutedQty),
		AveragePrice: exchange.ParseFloat(resp.AvgPrice),
		Status:       strings.ToLower(resp.Status),
		ReduceOnly:   req.ReduceOnly,
	}

	if result.FilledAmount > 0 {
		fee, err := c.orderCommission(ctx, req.Symbol, resp.OrderID)
		if err != nil {
			log.Warn().Str("exchange", Name).Str("order_id", result.ID).Err(err).Msg("commission unavailable")
		}
		result.FeeCost = fee
	}

	log.Info().
		Str("exchange", Name).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("quantity", qtyStr).
		Bool("reduce_only", req.ReduceOnly).
		Str("order_id", result.ID).
		Str("status", resp.Status).
		Float64("filled", result.FilledAmount).
		Float64("avg_price", result.AveragePrice).
		Msg("order placed")

	if resp.Status != "FILLED" && req.Type != model.OrderTypeLimit {
		return result, fmt.Errorf("order %s not filled: status %s, executed %s of %s",
			result.ID, resp.Status, resp.ExecutedQty, qtyStr)
	}
	return result, nil
}

// orderCommission 汇总订单的手续费
func (c *PerpetualOrderClient) orderCommission(ctx context.Context, symbol string, orderID int64) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return 0, fmt.Errorf("get user trades failed: %w", err)
	}

	var trades []UserTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return 0, fmt.Errorf("parse user trades failed: %w", err)
	}

	var fee float64
	for _, t := range trades {
		fee += exchange.ParseFloat(t.Commission)
	}
	return fee, nil
}

// ===== Response Models =====

// OrderResponse 订单响应
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	CumQuote      string `json:"cumQuote"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// UserTrade 成交明细
type UserTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}
