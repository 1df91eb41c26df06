package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

func refreshRates(t *testing.T, rig *testRig, rateA, rateB float64) {
	t.Helper()
	rig.a.setRate(testSymbol, rateA)
	rig.b.setRate(testSymbol, rateB)
	if n := rig.aggregator.Refresh(context.Background()); n != 2 {
		t.Fatalf("expected 2 snapshots refreshed, got %d", n)
	}
}

// TestScanOpensBestOpportunity 测试按最优方向开仓
func TestScanOpensBestOpportunity(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0005)

	rig.controller.ScanSymbol(context.Background(), testSymbol)

	active := rig.manager.ActivePositions()
	if len(active) != 1 {
		t.Fatalf("expected 1 active position, got %d", len(active))
	}
	p := active[0]
	if p.LongLeg.Venue != "A" || p.ShortLeg.Venue != "B" {
		t.Errorf("expected long A / short B, got long %s / short %s", p.LongLeg.Venue, p.ShortLeg.Venue)
	}
	if !almostEqual(p.OpenSizeQuote, 1000) || !almostEqual(p.OpenAmount, 10) {
		t.Errorf("unexpected size %.4f / amount %.4f", p.OpenSizeQuote, p.OpenAmount)
	}

	buys := rig.a.placed()
	if len(buys) != 1 || buys[0].Side != model.OrderSideBuy {
		t.Errorf("expected one buy on A, got %+v", buys)
	}
	sells := rig.b.placed()
	if len(sells) != 1 || sells[0].Side != model.OrderSideSell {
		t.Errorf("expected one sell on B, got %+v", sells)
	}
}

// TestScanSkipsCoveredOpportunity 测试同一组合不重复开仓
func TestScanSkipsCoveredOpportunity(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0005)

	rig.controller.ScanSymbol(context.Background(), testSymbol)
	rig.controller.ScanSymbol(context.Background(), testSymbol)

	if n := len(rig.manager.ActivePositions()); n != 1 {
		t.Errorf("expected 1 active position, got %d", n)
	}
	if n := len(rig.a.placed()); n != 1 {
		t.Errorf("expected a single order on A, got %d", n)
	}
}

// TestScanBelowThreshold 测试年化价差不足时不开仓
func TestScanBelowThreshold(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0002)

	rig.controller.ScanSymbol(context.Background(), testSymbol)

	if n := len(rig.manager.ActivePositions()); n != 0 {
		t.Errorf("expected no position, got %d", n)
	}
	if n := len(rig.a.placed()) + len(rig.b.placed()); n != 0 {
		t.Errorf("expected no orders, got %d", n)
	}
}

// TestScanRiskGateBlocks 测试日亏损超限时不开仓
func TestScanRiskGateBlocks(t *testing.T) {
	limits := defaultLimits()
	limits.MaxDailyLoss = 100
	rig := newTestRig(limits)

	// 首次检查记录当日起始权益
	if _, err := rig.controller.tryOpen(context.Background(), testSymbol); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}

	rig.manager.Restore([]*model.HedgedPosition{{
		ID:       "losing",
		Symbol:   "ETHUSDT",
		LongLeg:  model.Leg{Venue: "A", Side: model.SideLong, Size: 1, VenueUnrealizedPnl: -150},
		ShortLeg: model.Leg{Venue: "B", Side: model.SideShort, Size: 1},
		Status:   model.PositionActive,
	}})
	refreshRates(t, rig, 0.0001, 0.0005)

	_, err := rig.controller.tryOpen(context.Background(), testSymbol)
	if !errors.Is(err, domainservice.ErrRiskGateBlocked) {
		t.Fatalf("expected risk gate block, got %v", err)
	}
	if n := len(rig.a.placed()); n != 0 {
		t.Errorf("expected no orders, got %d", n)
	}
}

// TestScanCapacityExhausted 测试总仓位已满时不开仓
func TestScanCapacityExhausted(t *testing.T) {
	limits := defaultLimits()
	limits.TotalMaxPosition = 1000
	rig := newTestRig(limits)

	rig.manager.Restore([]*model.HedgedPosition{{
		ID:            "full",
		Symbol:        "ETHUSDT",
		LongLeg:       model.Leg{Venue: "A", Side: model.SideLong, Size: 1},
		ShortLeg:      model.Leg{Venue: "B", Side: model.SideShort, Size: 1},
		OpenSizeQuote: 1000,
		Status:        model.PositionActive,
	}})
	refreshRates(t, rig, 0.0001, 0.0005)

	if _, err := rig.controller.tryOpen(context.Background(), testSymbol); !errors.Is(err, domainservice.ErrRiskGateBlocked) {
		t.Errorf("expected capacity block, got %v", err)
	}
}

// TestScanClosesReversedSpread 测试价差反转时紧急平仓，同一轮不开反方向
func TestScanClosesReversedSpread(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0005)
	rig.controller.ScanSymbol(context.Background(), testSymbol)
	first := rig.manager.ActivePositions()[0]

	refreshRates(t, rig, 0.0005, 0.0001)
	rig.controller.ScanSymbol(context.Background(), testSymbol)

	p, err := rig.manager.Position(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PositionClosed {
		t.Fatalf("expected position closed, got %s", p.Status)
	}
	if p.CloseReason != CloseReasonSpreadReversed {
		t.Errorf("expected reason %q, got %q", CloseReasonSpreadReversed, p.CloseReason)
	}

	// 原持仓还占用 A、B 时不开反方向
	if n := len(rig.manager.ActivePositions()); n != 0 {
		t.Fatalf("reverse pair must not open while the venues are held, got %d active", n)
	}
	if n := openingOrders(rig.a, model.OrderSideSell) + openingOrders(rig.b, model.OrderSideBuy); n != 0 {
		t.Fatalf("no opening order for the reverse pair expected, got %d", n)
	}

	// 平仓后下一轮可以开反方向
	rig.controller.ScanSymbol(context.Background(), testSymbol)
	active := rig.manager.ActivePositions()
	if len(active) != 1 || active[0].LongLeg.Venue != "B" || active[0].ShortLeg.Venue != "A" {
		t.Errorf("expected a new long B / short A position, got %+v", active)
	}
}

func openingOrders(v *fakeVenue, side model.OrderSide) int {
	n := 0
	for _, o := range v.placed() {
		if !o.ReduceOnly && o.Side == side {
			n++
		}
	}
	return n
}

// TestScanClosesNarrowedSpread 测试价差收窄时平仓
func TestScanClosesNarrowedSpread(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0005)
	rig.controller.ScanSymbol(context.Background(), testSymbol)
	first := rig.manager.ActivePositions()[0]

	refreshRates(t, rig, 0.0001, 0.00012)
	rig.controller.ScanSymbol(context.Background(), testSymbol)

	p, _ := rig.manager.Position(first.ID)
	if p.Status != model.PositionClosed || p.CloseReason != CloseReasonSpreadNarrowed {
		t.Errorf("expected closed with %q, got %s / %q", CloseReasonSpreadNarrowed, p.Status, p.CloseReason)
	}

	var reduceOnly int
	for _, o := range append(rig.a.placed(), rig.b.placed()...) {
		if o.ReduceOnly {
			reduceOnly++
		}
	}
	if reduceOnly != 2 {
		t.Errorf("expected 2 reduce-only close orders, got %d", reduceOnly)
	}
}

// TestCloseReason 测试平仓原因判定顺序
func TestCloseReason(t *testing.T) {
	rig := newTestRig(defaultLimits())
	cases := []struct {
		annualized float64
		want       string
	}{
		{0.30, ""},
		{0.05, ""},
		{0.049, CloseReasonSpreadNarrowed},
		{-0.05, CloseReasonSpreadNarrowed},
		{-0.10, CloseReasonSpreadNarrowed},
		{-0.11, CloseReasonSpreadReversed},
	}
	for _, tc := range cases {
		if got := rig.controller.closeReason(tc.annualized); got != tc.want {
			t.Errorf("annualized %.3f: expected %q, got %q", tc.annualized, tc.want, got)
		}
	}
}

// TestRebalanceReducesLargerLeg 测试再平衡减仓较大一腿
func TestRebalanceReducesLargerLeg(t *testing.T) {
	rig := newTestRig(defaultLimits())
	rig.manager.Restore([]*model.HedgedPosition{{
		ID:       "skewed",
		Symbol:   testSymbol,
		LongLeg:  model.Leg{Venue: "A", Side: model.SideLong, Size: 10},
		ShortLeg: model.Leg{Venue: "B", Side: model.SideShort, Size: 8},
		Status:   model.PositionActive,
	}})

	rig.controller.Rebalance(context.Background())

	orders := rig.a.placed()
	if len(orders) != 1 {
		t.Fatalf("expected one order on A, got %d", len(orders))
	}
	o := orders[0]
	if !o.ReduceOnly || o.Side != model.OrderSideSell || !almostEqual(o.Amount, 1) {
		t.Errorf("unexpected rebalance order %+v", o)
	}
	if n := len(rig.b.placed()); n != 0 {
		t.Errorf("expected no order on B, got %d", n)
	}
}

// TestReportSummary 测试汇总
func TestReportSummary(t *testing.T) {
	rig := newTestRig(defaultLimits())
	refreshRates(t, rig, 0.0001, 0.0005)
	rig.controller.ScanSymbol(context.Background(), testSymbol)

	s := rig.controller.Report()
	if s.ActiveCount != 1 || !almostEqual(s.CommittedQuote, 1000) {
		t.Errorf("unexpected summary %+v", s)
	}
}

// TestRunStopsOnCancel 测试 Run 周期执行并在取消后返回
func TestRunStopsOnCancel(t *testing.T) {
	rig := newTestRig(defaultLimits())
	rig.a.setRate(testSymbol, 0.0001)
	rig.b.setRate(testSymbol, 0.0005)
	rig.controller.cfg.FundingRefreshInterval = 10 * time.Millisecond
	rig.controller.cfg.PositionRefreshInterval = 10 * time.Millisecond
	rig.controller.cfg.RebalanceInterval = 10 * time.Millisecond
	rig.controller.cfg.ReportInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rig.controller.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if n := len(rig.manager.ActivePositions()); n != 1 {
		t.Errorf("expected 1 position opened by the funding loop, got %d", n)
	}
}
