package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// EventDispatcherConfig 事件投递参数
type EventDispatcherConfig struct {
	Buffer         int
	Attempts       int           // 每个 sink 最多尝试次数
	BaseDelay      time.Duration // 退避起始间隔
	ReplayInterval time.Duration // 重放未投递事件的间隔
	ReplayBatch    int
}

func (c *EventDispatcherConfig) applyDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = time.Minute
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 100
	}
}

// EventDispatcher 事件分发器
// Emit 时先写入发件箱，再异步投递到所有 sink；全部成功才标记已投递，
// 失败的事件由定时重放补发，保证至少一次
type EventDispatcher struct {
	sinks   []port.EventSink
	journal port.EventJournal
	cfg     EventDispatcherConfig

	queue chan model.Event
	done  chan struct{}

	now func() time.Time
}

// NewEventDispatcher 创建事件分发器，journal 可以为 nil
func NewEventDispatcher(cfg EventDispatcherConfig, journal port.EventJournal, sinks ...port.EventSink) *EventDispatcher {
	cfg.applyDefaults()
	out := make([]port.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &EventDispatcher{
		sinks:   out,
		journal: journal,
		cfg:     cfg,
		queue:   make(chan model.Event, cfg.Buffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Emit 发布事件，补全 ID 与时间
func (d *EventDispatcher) Emit(ev model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = d.now()
	}

	if d.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.journal.AppendEvent(ctx, ev); err != nil {
			log.Error().Str("event_id", ev.ID).Str("type", string(ev.Type)).Err(err).Msg("journal append failed")
		}
		cancel()
	}

	select {
	case d.queue <- ev:
	case <-d.done:
		log.Warn().Str("event_id", ev.ID).Str("type", string(ev.Type)).Msg("dispatcher stopped, event left in journal")
	}
}

// Run 投递循环，ctx 取消后尽量清空队列再退出
func (d *EventDispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.ReplayInterval)
	defer ticker.Stop()

	d.replay(ctx, time.Time{})

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ticker.C:
			// 只补发较早的事件，队列中的由主循环处理
			d.replay(ctx, d.now().Add(-d.cfg.ReplayInterval))
		}
	}
}

func (d *EventDispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver 投递到所有 sink，返回是否全部成功
func (d *EventDispatcher) deliver(ctx context.Context, ev model.Event) bool {
	ok := true
	for _, s := range d.sinks {
		if err := d.publishWithRetry(ctx, s, ev); err != nil {
			ok = false
			log.Error().
				Str("sink", s.Name()).
				Str("event_id", ev.ID).
				Str("type", string(ev.Type)).
				Err(err).
				Msg("event delivery failed")
		}
	}
	if ok && d.journal != nil {
		if err := d.journal.MarkDelivered(ctx, ev.ID); err != nil {
			log.Warn().Str("event_id", ev.ID).Err(err).Msg("mark delivered failed")
		}
	}
	return ok
}

func (d *EventDispatcher) publishWithRetry(ctx context.Context, s port.EventSink, ev model.Event) error {
	delay := d.cfg.BaseDelay
	var err error
	for i := 0; i < d.cfg.Attempts; i++ {
		if err = s.Publish(ctx, ev); err == nil {
			return nil
		}
		if i == d.cfg.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// replay 补发 before 之前（零值表示全部）未投递的事件
func (d *EventDispatcher) replay(ctx context.Context, before time.Time) {
	if d.journal == nil {
		return
	}
	events, err := d.journal.ListUndelivered(ctx, before, d.cfg.ReplayBatch)
	if err != nil {
		log.Warn().Err(err).Msg("list undelivered events failed")
		return
	}
	replayed := 0
	for _, ev := range events {
		if d.deliver(ctx, ev) {
			replayed++
		}
	}
	if replayed > 0 {
		log.Info().Int("events", replayed).Msg("undelivered events replayed")
	}
}
