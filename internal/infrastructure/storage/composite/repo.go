package composite

import (
	"context"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 把事件扇出给多个 sink
type Repo struct {
	sinks []port.EventSink
}

var _ port.EventSink = (*Repo)(nil)

func New(sinks ...port.EventSink) *Repo {
	// nil sinks are allowed; filter in constructor for safety
	out := make([]port.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Repo{sinks: out}
}

func (r *Repo) Name() string { return "composite" }

// Len 下游数量
func (r *Repo) Len() int { return len(r.sinks) }

// Publish 每个 sink 都会被调用，返回第一个错误
func (r *Repo) Publish(ctx context.Context, ev model.Event) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
