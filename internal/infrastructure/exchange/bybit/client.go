package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fundarb/internal/infrastructure/exchange"
)

// Name 交易所名称
const Name = "BYBIT"

// DefaultBaseURL V5 REST 地址
const DefaultBaseURL = "https://api.bybit.com"

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign 生成 HMAC-SHA256 签名
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// Options 客户端参数
type Options struct {
	BaseURL         string
	WsURL           string // 为空时不启用 ticker 推送缓存
	APIKey          string
	APISecret       string
	QtyPrecision    int32
	RateLimitPerSec float64
	Symbols         []string
	HTTPClient      *http.Client
}

type APIClient struct {
	credentials *Credentials
	httpClient  *http.Client
	baseURL     string
	limiter     *rate.Limiter
}

func newAPIClient(opts Options) *APIClient {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{
		credentials: NewCredentials(opts.APIKey, opts.APISecret),
		httpClient:  httpClient,
		baseURL:     baseURL,
		limiter:     exchange.NewLimiter(opts.RateLimitPerSec),
	}
}

// ApiResponse V5 通用响应头
type ApiResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}
