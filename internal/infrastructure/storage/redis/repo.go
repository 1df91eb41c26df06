package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// streamMaxLen 事件流近似上限
const streamMaxLen = 10000

// Repo 事件总线：Stream 供消费组回放，PubSub 供实时订阅，Hash 存最新资金费率
type Repo struct {
	rdb         *redis.Client
	ttl         time.Duration
	keyFunding  string // prefix + "funding"
	eventStream string
	eventChan   string
}

var _ port.EventSink = (*Repo)(nil)

func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + "events"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + "events:pub"
	}
	return &Repo{
		rdb:         rdb,
		ttl:         ttl,
		keyFunding:  prefix + "funding",
		eventStream: eventStream,
		eventChan:   eventChan,
	}
}

func (r *Repo) Name() string { return "redis" }

// LatestFunding Hash 中的单条资金费率
type LatestFunding struct {
	Venue            string  `json:"venue"`
	Symbol           string  `json:"symbol"`
	CurrentRate      float64 `json:"current_rate"`
	PredictedRate    float64 `json:"predicted_rate"`
	MarkPrice        float64 `json:"mark_price"`
	NextSettlementMs int64   `json:"next_settlement_ms"`
	ObservedMs       int64   `json:"observed_ms"`
}

// fundingFields field = "BINANCE:BTCUSDT" -> json
func fundingFields(snaps []model.FundingSnapshot) map[string]interface{} {
	out := make(map[string]interface{}, len(snaps))
	for _, s := range snaps {
		b, _ := json.Marshal(LatestFunding{
			Venue:            s.Venue,
			Symbol:           s.Symbol,
			CurrentRate:      s.CurrentRate,
			PredictedRate:    s.PredictedRate,
			MarkPrice:        s.MarkPrice,
			NextSettlementMs: s.NextSettlementAt.UnixMilli(),
			ObservedMs:       s.ObservedAt.UnixMilli(),
		})
		out[fmt.Sprintf("%s:%s", s.Venue, s.Symbol)] = string(b)
	}
	return out
}

func (r *Repo) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	pipe := r.rdb.Pipeline()
	// 1) Stream: XADD <stream> MAXLEN ~ 10000 * id type payload
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":      ev.ID,
			"type":    string(ev.Type),
			"payload": string(payload),
		},
	})
	// 2) PubSub: PUBLISH <channel> json
	pipe.Publish(ctx, r.eventChan, string(payload))

	// 3) Hash: 最新资金费率
	if ev.Type == model.EventFundingUpdated && len(ev.Snapshots) > 0 {
		pipe.HSet(ctx, r.keyFunding, fundingFields(ev.Snapshots))
		if r.ttl > 0 {
			pipe.Expire(ctx, r.keyFunding, r.ttl)
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}
