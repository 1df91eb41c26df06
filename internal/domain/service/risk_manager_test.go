package service

import (
	"errors"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

// TestRiskGateDailyLoss 测试日亏损超限拦截开仓，跨日后恢复
func TestRiskGateDailyLoss(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rm := NewRiskManager(RiskLimits{MaxDailyLoss: 100})
	rm.now = func() time.Time { return now }

	if err := rm.CheckOpen(model.PnLSummary{RealizedPnl: 50}); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	if err := rm.CheckOpen(model.PnLSummary{RealizedPnl: -20}); err != nil {
		t.Errorf("loss of 70 should pass: %v", err)
	}
	if err := rm.CheckOpen(model.PnLSummary{RealizedPnl: -50}); !errors.Is(err, ErrRiskGateBlocked) {
		t.Errorf("loss of 100 should block, got %v", err)
	}

	now = now.Add(24 * time.Hour)
	if err := rm.CheckOpen(model.PnLSummary{RealizedPnl: -50}); err != nil {
		t.Errorf("new day should reset daily loss: %v", err)
	}
}

// TestRiskGateDrawdown 测试回撤超限
func TestRiskGateDrawdown(t *testing.T) {
	rm := NewRiskManager(RiskLimits{MaxDrawdown: 0.1, TotalMaxPosition: 1000})

	if err := rm.CheckOpen(model.PnLSummary{UnrealizedPnl: 200}); err != nil {
		t.Fatalf("unexpected block: %v", err)
	}
	if err := rm.CheckOpen(model.PnLSummary{UnrealizedPnl: 120}); err != nil {
		t.Errorf("drawdown 0.08 should pass: %v", err)
	}
	if err := rm.CheckOpen(model.PnLSummary{UnrealizedPnl: 100}); !errors.Is(err, ErrRiskGateBlocked) {
		t.Errorf("drawdown 0.1 should block, got %v", err)
	}
}

// TestNetPnlExcludesClosedAccumulators 测试净盈亏不重复计算已平仓的资金费
func TestNetPnlExcludesClosedAccumulators(t *testing.T) {
	s := model.PnLSummary{
		RealizedPnl:         10,
		UnrealizedPnl:       -2,
		FundingIncome:       8,
		TradingFees:         3,
		ActiveFundingIncome: 5,
		ActiveTradingFees:   1,
	}
	if got := s.NetPnl(); got != 12 {
		t.Errorf("expected 12, got %f", got)
	}
}

// TestPositionSize 测试开仓规模计算
func TestPositionSize(t *testing.T) {
	rm := NewRiskManager(RiskLimits{
		MaxPositionSize:  1000,
		MinPositionSize:  100,
		PositionRatio:    0.5,
		TotalMaxPosition: 3000,
	})

	cases := []struct {
		committed float64
		want      float64
		blocked   bool
	}{
		{committed: 0, want: 1000},
		{committed: 1500, want: 750},
		{committed: 2900, blocked: true},
		{committed: 3000, blocked: true},
	}
	for _, tc := range cases {
		got, err := rm.PositionSize(tc.committed)
		if tc.blocked {
			if !errors.Is(err, ErrRiskGateBlocked) {
				t.Errorf("committed %.0f: expected block, got %f / %v", tc.committed, got, err)
			}
			continue
		}
		if err != nil || !almostEqual(got, tc.want) {
			t.Errorf("committed %.0f: expected %f, got %f / %v", tc.committed, tc.want, got, err)
		}
	}
}
