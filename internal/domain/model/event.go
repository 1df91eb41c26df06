package model

import "time"

// EventType 事件类型
type EventType string

const (
	EventFundingUpdated   EventType = "funding.updated"
	EventPositionsUpdated EventType = "positions.updated"
	EventPositionOpened   EventType = "position.opened"
	EventPositionClosed   EventType = "position.closed"
	EventLegOrphaned      EventType = "leg.orphaned" // 补偿失败，单腿裸露
)

// Event 下游（审计、盈亏报表）消费的事件
// 至少投递一次，消费方按 ID 去重
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	PositionID  string            `json:"position_id,omitempty"`
	Position    *HedgedPosition   `json:"position,omitempty"`
	Orders      []OrderResult     `json:"orders,omitempty"`
	Snapshots   []FundingSnapshot `json:"snapshots,omitempty"`
	Summary     *PnLSummary       `json:"summary,omitempty"`
	MarginInUse float64           `json:"margin_in_use,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	At          time.Time         `json:"at"`
}
