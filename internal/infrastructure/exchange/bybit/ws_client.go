package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/infrastructure/exchange"
)

// DefaultTickerMaxAge 推送数据超过该时长视为过期，回退到 REST
const DefaultTickerMaxAge = 30 * time.Second

type subscribeReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// tickerData data 可能是对象也可能是数组
type tickerData []TickerItem

func (d *tickerData) UnmarshalJSON(b []byte) error {
	b = exchange.BytesTrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	switch b[0] {
	case '[':
		var arr []TickerItem
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*d = arr
		return nil
	case '{':
		var one TickerItem
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*d = tickerData{one}
		return nil
	default:
		return fmt.Errorf("unexpected data json: %s", string(b))
	}
}

type tickerMsg struct {
	Topic string     `json:"topic"`
	Type  string     `json:"type"` // snapshot / delta
	Ts    int64      `json:"ts"`
	Data  tickerData `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

type cachedTicker struct {
	item      TickerItem
	updatedAt time.Time
}

// TickerCache 订阅 tickers.<SYMBOL>，缓存最新资金费率和价格
// delta 推送只带变化字段，按字段合并到已有快照上
type TickerCache struct {
	ws     exchange.WSHelper
	topics []string
	maxAge time.Duration

	mu    sync.RWMutex
	items map[string]cachedTicker
	now   func() time.Time
}

// NewTickerCache 创建推送缓存，symbols 为交易所格式 (BTCUSDT)
func NewTickerCache(wsURL string, symbols []string) *TickerCache {
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		topics = append(topics, "tickers."+s)
	}
	return &TickerCache{
		ws:     exchange.WSHelper{URL: strings.TrimSpace(wsURL)},
		topics: topics,
		maxAge: DefaultTickerMaxAge,
		items:  make(map[string]cachedTicker),
		now:    time.Now,
	}
}

// Get 返回未过期的缓存
func (c *TickerCache) Get(symbol string) (TickerItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[symbol]
	if !ok || c.now().Sub(e.updatedAt) > c.maxAge {
		return TickerItem{}, false
	}
	return e.item, true
}

func (c *TickerCache) apply(b []byte) {
	var msg tickerMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("feed", Name).Err(err).Msg("json unmarshal failed")
		return
	}

	// ack
	if msg.Success != nil {
		if !*msg.Success {
			log.Error().Str("feed", Name).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range msg.Data {
		sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
		if sym == "" {
			sym = strings.TrimPrefix(msg.Topic, "tickers.")
		}
		cur := c.items[sym].item
		if msg.Type == "snapshot" {
			cur = TickerItem{}
		}
		cur.Symbol = sym
		merge(&cur.LastPrice, d.LastPrice)
		merge(&cur.MarkPrice, d.MarkPrice)
		merge(&cur.IndexPrice, d.IndexPrice)
		merge(&cur.FundingRate, d.FundingRate)
		merge(&cur.NextFundingTime, d.NextFundingTime)
		c.items[sym] = cachedTicker{item: cur, updatedAt: now}
	}
}

func merge(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Run 保持连接直到 ctx 结束，断线指数退避重连
func (c *TickerCache) Run(ctx context.Context) error {
	if c.ws.URL == "" {
		return errors.New("bybit ws_url empty")
	}
	if len(c.topics) == 0 {
		return errors.New("no valid symbols for bybit topics")
	}

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = 500 * time.Millisecond
		}
		log.Warn().Str("feed", Name).Err(err).Dur("backoff", backoff).Msg("ws disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = exchange.MinDuration(backoff*2, maxBackoff)
	}
}

// session 单次连接：拨号、订阅、读取直到断开
func (c *TickerCache) session(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := c.ws.DialWS(dctx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeReq{Op: "subscribe", Args: c.topics}); err != nil {
		return false, fmt.Errorf("subscribe failed: %w", err)
	}
	log.Info().Str("feed", Name).Strs("topics", c.topics).Msg("ws connected & subscribed")

	return true, c.ws.ReadWithPing(ctx, conn, c.apply)
}
