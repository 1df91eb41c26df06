package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

func newTestAggregator(pub EventPublisher, venues ...*mockVenue) *FundingAggregator {
	clients := make([]VenueClient, 0, len(venues))
	for _, v := range venues {
		clients = append(clients, v)
	}
	return NewFundingAggregator(NewVenueSet(clients...), []string{"BTCUSDT", "ETHUSDT"}, 1095, pub)
}

// TestSpreadAnnualized 测试年化价差：0.05% - 0.01% 每 8 小时
func TestSpreadAnnualized(t *testing.T) {
	next := time.Now().Add(2 * time.Hour)
	v1 := newMockVenue("V1", 100)
	v2 := newMockVenue("V2", 100)
	v1.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0001, PredictedRate: 0.0002, NextSettlementAt: next.Add(time.Hour)}
	v2.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0005, PredictedRate: 0.0003, NextSettlementAt: next}

	agg := newTestAggregator(nil, v1, v2)
	agg.Refresh(context.Background())

	q, err := agg.Spread("BTCUSDT", "V1", "V2")
	if err != nil {
		t.Fatalf("spread failed: %v", err)
	}
	if !almostEqual(q.CurrentSpread, 0.0004) {
		t.Errorf("current spread: expected 0.0004, got %f", q.CurrentSpread)
	}
	if !almostEqual(q.AnnualizedSpread, 0.438) {
		t.Errorf("annualized spread: expected 0.438, got %f", q.AnnualizedSpread)
	}
	if !almostEqual(q.PredictedAnnualizedSpread, 0.0001*1095) {
		t.Errorf("predicted annualized spread: expected %f, got %f", 0.0001*1095, q.PredictedAnnualizedSpread)
	}
	if !q.NextSettlementAt.Equal(next) {
		t.Errorf("next settlement should be the earlier one: expected %v, got %v", next, q.NextSettlementAt)
	}
	if q.LongRate != 0.0001 || q.ShortRate != 0.0005 {
		t.Errorf("rates mismatch: long=%f short=%f", q.LongRate, q.ShortRate)
	}
}

// TestSpreadAntisymmetry 测试 spread(A,B) == -spread(B,A)
func TestSpreadAntisymmetry(t *testing.T) {
	rates := [][2]float64{{0.0001, 0.0005}, {-0.0003, 0.0002}, {0.001, -0.001}, {0, 0}}
	for _, r := range rates {
		a := newMockVenue("A", 1)
		b := newMockVenue("B", 1)
		a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: r[0], PredictedRate: r[1]}
		b.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: r[1], PredictedRate: r[0]}
		agg := newTestAggregator(nil, a, b)
		agg.Refresh(context.Background())

		ab, err := agg.Spread("BTCUSDT", "A", "B")
		if err != nil {
			t.Fatalf("spread A,B failed: %v", err)
		}
		ba, err := agg.Spread("BTCUSDT", "B", "A")
		if err != nil {
			t.Fatalf("spread B,A failed: %v", err)
		}
		if !almostEqual(ab.AnnualizedSpread, -ba.AnnualizedSpread) {
			t.Errorf("antisymmetry broken for %v: %f vs %f", r, ab.AnnualizedSpread, ba.AnnualizedSpread)
		}
		if !almostEqual(ab.PredictedAnnualizedSpread, -ba.PredictedAnnualizedSpread) {
			t.Errorf("predicted antisymmetry broken for %v", r)
		}
	}
}

// TestSpreadDataUnavailable 测试缺少快照
func TestSpreadDataUnavailable(t *testing.T) {
	a := newMockVenue("A", 1)
	b := newMockVenue("B", 1)
	a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0001}

	agg := newTestAggregator(nil, a, b)
	agg.Refresh(context.Background())

	if _, err := agg.Spread("BTCUSDT", "A", "B"); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
	if _, err := agg.Spread("BTCUSDT", "C", "A"); !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable for unknown venue, got %v", err)
	}
	if _, ok := agg.BestOpportunity("BTCUSDT"); ok {
		t.Error("best opportunity needs at least two venues with data")
	}
}

// TestBestOpportunityArgmax 测试最佳机会是所有有序组合中年化价差最大的
func TestBestOpportunityArgmax(t *testing.T) {
	a := newMockVenue("A", 1)
	b := newMockVenue("B", 1)
	c := newMockVenue("C", 1)
	a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0002}
	b.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: -0.0001}
	c.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0006}

	agg := newTestAggregator(nil, a, b, c)
	agg.Refresh(context.Background())

	best, ok := agg.BestOpportunity("BTCUSDT")
	if !ok {
		t.Fatal("expected an opportunity")
	}
	if best.LongVenue != "B" || best.ShortVenue != "C" {
		t.Errorf("expected long B / short C, got long %s / short %s", best.LongVenue, best.ShortVenue)
	}

	for _, long := range []string{"A", "B", "C"} {
		for _, short := range []string{"A", "B", "C"} {
			if long == short {
				continue
			}
			q, err := agg.Spread("BTCUSDT", long, short)
			if err != nil {
				t.Fatalf("spread %s/%s: %v", long, short, err)
			}
			if q.AnnualizedSpread > best.AnnualizedSpread {
				t.Errorf("pair %s/%s beats best: %f > %f", long, short, q.AnnualizedSpread, best.AnnualizedSpread)
			}
		}
	}
}

// TestRefreshSkipsFailedPair 测试单个组合失败不影响其他组合
func TestRefreshSkipsFailedPair(t *testing.T) {
	pub := &recordingPublisher{}
	a := newMockVenue("A", 1)
	b := newMockVenue("B", 1)
	a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0001}
	a.fundingErr["ETHUSDT"] = errors.New("timeout")
	a.funding["ETHUSDT"] = model.FundingQuote{CurrentRate: 0.0002}
	b.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0003}
	b.funding["ETHUSDT"] = model.FundingQuote{CurrentRate: 0.0004}

	agg := newTestAggregator(pub, a, b)
	n := agg.Refresh(context.Background())
	if n != 3 {
		t.Errorf("expected 3 successful reads, got %d", n)
	}
	if _, ok := agg.Snapshot("ETHUSDT", "A"); ok {
		t.Error("failed pair should have no snapshot")
	}
	if _, ok := agg.Snapshot("ETHUSDT", "B"); !ok {
		t.Error("other venue should still be refreshed")
	}

	events := pub.byType(model.EventFundingUpdated)
	if len(events) != 1 {
		t.Fatalf("expected one funding.updated event, got %d", len(events))
	}
	if len(events[0].Snapshots) != 3 {
		t.Errorf("expected 3 snapshots in event, got %d", len(events[0].Snapshots))
	}
}

// TestRefreshOverwritesSnapshot 测试快照被覆盖而不是追加
func TestRefreshOverwritesSnapshot(t *testing.T) {
	a := newMockVenue("A", 1)
	a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0001}
	agg := newTestAggregator(nil, a)
	agg.Refresh(context.Background())

	a.mu.Lock()
	a.funding["BTCUSDT"] = model.FundingQuote{CurrentRate: 0.0009}
	a.mu.Unlock()
	agg.Refresh(context.Background())

	s, ok := agg.Snapshot("BTCUSDT", "A")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if s.CurrentRate != 0.0009 {
		t.Errorf("expected overwritten rate 0.0009, got %f", s.CurrentRate)
	}
	if len(agg.Snapshots()) != 1 {
		t.Errorf("expected a single snapshot, got %d", len(agg.Snapshots()))
	}
}
