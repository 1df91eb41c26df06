package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

// 市价单终态轮询
const (
	orderPollAttempts = 5
	orderPollInterval = 200 * time.Millisecond
)

// PerpetualOrderClient Bybit 期货 REST 客户端 (V5 API)
type PerpetualOrderClient struct {
	*APIClient
	qtyPrecision int32
	pollInterval time.Duration
}

// NewPerpetualOrderClient 创建期货订单客户端
func NewPerpetualOrderClient(client *APIClient, qtyPrecision int32) *PerpetualOrderClient {
	return &PerpetualOrderClient{APIClient: client, qtyPrecision: qtyPrecision, pollInterval: orderPollInterval}
}

// PlaceOrderResponse 下单响应
type PlaceOrderResponse struct {
	ApiResponse
	Result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"result"`
}

// OrderItem 订单详情
type OrderItem struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
	ReduceOnly  bool   `json:"reduceOnly"`
}

// GetOrderResponse 订单查询响应
type GetOrderResponse struct {
	ApiResponse
	Result struct {
		List []OrderItem `json:"list"`
	} `json:"result"`
}

// PlaceOrder 下单并等待市价单进入终态
// 部分成交时返回已成交部分和错误
func (c *PerpetualOrderClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	qtyStr, qty := exchange.TruncateQty(req.Amount, c.qtyPrecision)
	if qty <= 0 {
		return model.OrderResult{}, fmt.Errorf("quantity %.8f below precision %d", req.Amount, c.qtyPrecision)
	}

	side := "Buy"
	if req.Side == model.OrderSideSell {
		side = "Sell"
	}
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   req.Symbol,
		"side":     side,
		"qty":      qtyStr,
	}
	if req.Type == model.OrderTypeLimit {
		payload["orderType"] = "Limit"
		payload["price"] = fmt.Sprintf("%.8g", req.Price)
		payload["timeInForce"] = "GTC"
	} else {
		payload["orderType"] = "Market"
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	body, err := c.signedJSONRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("place order failed: %w", err)
	}

	var resp PlaceOrderResponse
	if err := decode(body, &resp, "place order"); err != nil {
		return model.OrderResult{}, err
	}

	result := model.OrderResult{
		Venue:      Name,
		ID:         resp.Result.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Status:     "new",
		ReduceOnly: req.ReduceOnly,
	}
	if req.Type == model.OrderTypeLimit {
		return result, nil
	}

	item, err := c.waitFinal(ctx, req.Symbol, resp.Result.OrderID)
	if item != nil {
		result.FilledAmount = exchange.ParseFloat(item.CumExecQty)
		result.AveragePrice = exchange.ParseFloat(item.AvgPrice)
		result.FeeCost = exchange.ParseFloat(item.CumExecFee)
		result.Status = item.OrderStatus
	}

	log.Info().
		Str("exchange", Name).
		Str("symbol", req.Symbol).
		Str("side", side).
		Str("quantity", qtyStr).
		Bool("reduce_only", req.ReduceOnly).
		Str("order_id", result.ID).
		Str("status", result.Status).
		Float64("filled", result.FilledAmount).
		Float64("avg_price", result.AveragePrice).
		Msg("order placed")

	if err != nil {
		return result, err
	}
	if item.OrderStatus != "Filled" {
		return result, fmt.Errorf("order %s not filled: status %s, executed %s of %s",
			result.ID, item.OrderStatus, item.CumExecQty, qtyStr)
	}
	return result, nil
}

var errOrderPending = errors.New("order still pending")

// waitFinal 轮询订单直到 Filled / Cancelled 等终态
func (c *PerpetualOrderClient) waitFinal(ctx context.Context, symbol, orderID string) (*OrderItem, error) {
	var last *OrderItem
	for i := 0; i < orderPollAttempts; i++ {
		item, err := c.GetOrder(ctx, symbol, orderID)
		if err == nil {
			last = item
			if isFinal(item.OrderStatus) {
				return item, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return last, fmt.Errorf("%w: %s", errOrderPending, orderID)
}

func isFinal(status string) bool {
	switch status {
	case "Filled", "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		return true
	}
	return false
}

// GetOrder 查询订单
func (c *PerpetualOrderClient) GetOrder(ctx context.Context, symbol, orderID string) (*OrderItem, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := c.signedQueryRequest(ctx, http.MethodGet, "/v5/order/realtime", params)
	if err != nil {
		return nil, fmt.Errorf("get order status failed: %w", err)
	}

	var resp GetOrderResponse
	if err := decode(body, &resp, "get order status"); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &resp.Result.List[0], nil
}
