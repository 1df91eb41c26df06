package binance

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
const Name = "BINANCE"

// DefaultBaseURL USDⓈ-M 合约 REST 地址
const DefaultBaseURL = "https://fapi.binance.com"

// ===== Credentials 凭证 =====

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
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
	APIKey          string
	APISecret       string
	QtyPrecision    int32
	RateLimitPerSec float64
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
