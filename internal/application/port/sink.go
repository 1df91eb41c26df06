package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// EventSink 事件下游（审计、盈亏报表、消息总线）
// Publish 必须幂等，同一事件可能投递多次
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev model.Event) error
}
