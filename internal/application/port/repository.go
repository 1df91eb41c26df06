package port

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
)

// PositionRepository 对冲持仓仓储，进程重启时恢复持仓
type PositionRepository interface {
	SavePosition(ctx context.Context, p *model.HedgedPosition) error
	ListActivePositions(ctx context.Context) ([]*model.HedgedPosition, error)
}

// EventJournal 事件发件箱
// 先落库，再投递，全部 sink 成功后标记已投递
type EventJournal interface {
	AppendEvent(ctx context.Context, ev model.Event) error
	MarkDelivered(ctx context.Context, id string) error
	// ListUndelivered 按写入顺序返回 before 之前的未投递事件，before 为零值时不限时间
	ListUndelivered(ctx context.Context, before time.Time, limit int) ([]model.Event, error)
}
