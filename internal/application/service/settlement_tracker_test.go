package service

import (
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

func snap(venue string, rate, mark float64, next, observed time.Time) model.FundingSnapshot {
	return model.FundingSnapshot{
		Venue:            venue,
		Symbol:           testSymbol,
		CurrentRate:      rate,
		MarkPrice:        mark,
		NextSettlementAt: next,
		ObservedAt:       observed,
	}
}

// TestSettlementAccruesBothLegs 测试结算后多头付、空头收
func TestSettlementAccruesBothLegs(t *testing.T) {
	s1 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s2 := s1.Add(8 * time.Hour)

	ledger := &fakeLedger{active: []*model.HedgedPosition{{
		ID:       "p1",
		Symbol:   testSymbol,
		LongLeg:  model.Leg{Venue: "A", Side: model.SideLong, Size: 2},
		ShortLeg: model.Leg{Venue: "B", Side: model.SideShort, Size: 2},
		Status:   model.PositionActive,
		OpenedAt: s1.Add(-time.Hour),
	}}}
	tr := NewSettlementTracker(ledger)

	if got := tr.Observe([]model.FundingSnapshot{
		snap("A", 0.0001, 100, s1, s1.Add(-time.Minute)),
		snap("B", 0.0005, 100, s1, s1.Add(-time.Minute)),
	}); got != 0 {
		t.Fatalf("first observation should not accrue, got %f", got)
	}

	total := tr.Observe([]model.FundingSnapshot{
		snap("A", 0.0002, 101, s2, s1.Add(time.Minute)),
		snap("B", 0.0004, 101, s2, s1.Add(time.Minute)),
	})

	// 多头 -0.0001×2×100 = -0.02，空头 +0.0005×2×100 = 0.1
	if !almostEqual(total, 0.08) {
		t.Errorf("expected total 0.08, got %f", total)
	}
	if !almostEqual(ledger.recorded["p1"], 0.08) {
		t.Errorf("expected p1 income 0.08, got %f", ledger.recorded["p1"])
	}
}

// TestSettlementSkipsLaterPositions 测试结算后才开的持仓不入账
func TestSettlementSkipsLaterPositions(t *testing.T) {
	s1 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s2 := s1.Add(8 * time.Hour)

	ledger := &fakeLedger{active: []*model.HedgedPosition{{
		ID:       "late",
		Symbol:   testSymbol,
		LongLeg:  model.Leg{Venue: "A", Side: model.SideLong, Size: 1},
		ShortLeg: model.Leg{Venue: "B", Side: model.SideShort, Size: 1},
		Status:   model.PositionActive,
		OpenedAt: s1.Add(time.Second),
	}}}
	tr := NewSettlementTracker(ledger)

	tr.Observe([]model.FundingSnapshot{snap("A", 0.0001, 100, s1, s1.Add(-time.Minute))})
	if got := tr.Observe([]model.FundingSnapshot{snap("A", 0.0001, 100, s2, s1.Add(time.Minute))}); got != 0 {
		t.Errorf("expected no accrual, got %f", got)
	}
}

// TestSettlementUnchangedSchedule 测试结算时间未前移时不入账
func TestSettlementUnchangedSchedule(t *testing.T) {
	s1 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{active: []*model.HedgedPosition{{
		ID:       "p1",
		Symbol:   testSymbol,
		LongLeg:  model.Leg{Venue: "A", Side: model.SideLong, Size: 1},
		ShortLeg: model.Leg{Venue: "B", Side: model.SideShort, Size: 1},
		Status:   model.PositionActive,
		OpenedAt: s1.Add(-time.Hour),
	}}}
	tr := NewSettlementTracker(ledger)

	tr.Observe([]model.FundingSnapshot{snap("A", 0.0001, 100, s1, s1.Add(-2*time.Minute))})
	tr.Observe([]model.FundingSnapshot{snap("A", 0.0001, 100, s1, s1.Add(-time.Minute))})
	if len(ledger.recorded) != 0 {
		t.Errorf("expected no accrual, got %v", ledger.recorded)
	}
}
