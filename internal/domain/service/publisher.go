package service

import "fundarb/internal/domain/model"

// EventPublisher 事件发布接口，实现负责投递与重试
type EventPublisher interface {
	Emit(ev model.Event)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Emit(model.Event) {}
