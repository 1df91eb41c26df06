package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fundarb/internal/infrastructure/exchange"
)

// signedJSONRequest 发送带 JSON payload 的签名请求
func (c *APIClient) signedJSONRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doSignedRequest(req, string(body))
}

// signedQueryRequest 发送带 query 的签名请求
func (c *APIClient) signedQueryRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	req, query, err := c.queryRequest(ctx, method, path, params)
	if err != nil {
		return nil, err
	}
	return c.doSignedRequest(req, query)
}

// publicQueryRequest 行情接口无需签名
func (c *APIClient) publicQueryRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, _, err := c.queryRequest(ctx, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *APIClient) queryRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, string, error) {
	var query string
	if params != nil {
		query = params.Encode()
	}

	endpoint, err := exchange.BuildQueryURL(c.baseURL, path, query)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	return req, query, nil
}

func (c *APIClient) doSignedRequest(req *http.Request, payload string) ([]byte, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := "5000"

	// Bybit V5 signature: timestamp + apiKey + recvWindow + payload
	signStr := timestamp + c.credentials.APIKey() + recvWindow + payload
	signature := c.credentials.Sign(signStr)

	req.Header.Set("X-BAPI-API-KEY", c.credentials.APIKey())
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)

	return c.do(req)
}

func (c *APIClient) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// decode 解析响应并检查 retCode
func decode(body []byte, v interface{}, op string) error {
	var head ApiResponse
	if err := json.Unmarshal(body, &head); err != nil {
		return fmt.Errorf("parse %s response failed: %w", op, err)
	}
	if head.RetCode != 0 {
		return &RetError{Op: op, Code: head.RetCode, Msg: head.RetMsg}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse %s response failed: %w", op, err)
	}
	return nil
}

// RetError 非零 retCode
type RetError struct {
	Op   string
	Code int
	Msg  string
}

func (e *RetError) Error() string {
	return fmt.Sprintf("%s error: [%d] %s", e.Op, e.Code, e.Msg)
}
