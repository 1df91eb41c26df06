package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

const testSymbol = "BTCUSDT"

var errNotReady = errors.New("not ready")

// fakeVenue 可设置资金费率的交易所，订单全部按 price 成交
type fakeVenue struct {
	mu      sync.Mutex
	name    string
	price   float64
	rates   map[string]float64
	next    time.Time
	orders  []model.OrderRequest
	failAll bool
}

func newFakeVenue(name string, price float64) *fakeVenue {
	return &fakeVenue{
		name:  name,
		price: price,
		rates: make(map[string]float64),
		next:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (v *fakeVenue) setRate(symbol string, rate float64) {
	v.mu.Lock()
	v.rates[symbol] = rate
	v.mu.Unlock()
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) FetchFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.rates[symbol]
	if !ok {
		return model.FundingQuote{}, errNotReady
	}
	return model.FundingQuote{CurrentRate: r, PredictedRate: r, NextSettlementAt: v.next, MarkPrice: v.price}, nil
}

func (v *fakeVenue) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	return model.Ticker{LastPrice: v.price}, nil
}

func (v *fakeVenue) SetLeverage(ctx context.Context, leverage float64, symbol string) error {
	return nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, req)
	if v.failAll {
		return model.OrderResult{}, errors.New("rejected")
	}
	return model.OrderResult{
		Venue:        v.name,
		Symbol:       req.Symbol,
		Side:         req.Side,
		FilledAmount: req.Amount,
		AveragePrice: v.price,
		Status:       "filled",
		ReduceOnly:   req.ReduceOnly,
	}, nil
}

// FetchLegPositions 返回错误，平仓时回退到开仓数量
func (v *fakeVenue) FetchLegPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error) {
	return nil, errNotReady
}

func (v *fakeVenue) placed() []model.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.OrderRequest, len(v.orders))
	copy(out, v.orders)
	return out
}

type testRig struct {
	a, b       *fakeVenue
	aggregator *domainservice.FundingAggregator
	manager    *domainservice.PositionManager
	risk       *domainservice.RiskManager
	controller *ArbitrageController
}

func newTestRig(limits domainservice.RiskLimits) *testRig {
	a := newFakeVenue("A", 100)
	b := newFakeVenue("B", 100)
	venues := domainservice.NewVenueSet(a, b)

	agg := domainservice.NewFundingAggregator(venues, []string{testSymbol}, model.DefaultSettlementsPerYear, nil)
	mgr := domainservice.NewPositionManager(venues, domainservice.PositionManagerConfig{
		Leverage:       3,
		LegTimeout:     200 * time.Millisecond,
		OrderAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	}, nil, nil)
	risk := domainservice.NewRiskManager(limits)

	ctrl := NewArbitrageController(ControllerConfig{
		MinAnnualizedSpread:     0.15,
		CloseSpreadThreshold:    0.05,
		EmergencyCloseThreshold: -0.10,
	}, agg, mgr, risk, NewSettlementTracker(mgr))

	return &testRig{a: a, b: b, aggregator: agg, manager: mgr, risk: risk, controller: ctrl}
}

func defaultLimits() domainservice.RiskLimits {
	return domainservice.RiskLimits{
		MaxPositionSize:  1000,
		MinPositionSize:  10,
		PositionRatio:    1,
		TotalMaxPosition: 3000,
	}
}

// memJournal 内存发件箱
type memJournal struct {
	mu        sync.Mutex
	events    []model.Event
	delivered map[string]bool
}

func newMemJournal() *memJournal {
	return &memJournal{delivered: make(map[string]bool)}
}

func (j *memJournal) AppendEvent(ctx context.Context, ev model.Event) error {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) MarkDelivered(ctx context.Context, id string) error {
	j.mu.Lock()
	j.delivered[id] = true
	j.mu.Unlock()
	return nil
}

func (j *memJournal) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]model.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.Event
	for _, ev := range j.events {
		if j.delivered[ev.ID] || (!before.IsZero() && ev.At.After(before)) {
			continue
		}
		if len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *memJournal) isDelivered(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.delivered[id]
}

// flakySink 前 failures 次发布失败
type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []model.Event
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Publish(ctx context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink down")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *flakySink) received() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, len(s.got))
	copy(out, s.got)
	return out
}

// fakeLedger 记录资金费入账
type fakeLedger struct {
	active   []*model.HedgedPosition
	recorded map[string]float64
}

func (l *fakeLedger) ActivePositions() []*model.HedgedPosition { return l.active }

func (l *fakeLedger) RecordFundingIncome(id string, amount float64) bool {
	if l.recorded == nil {
		l.recorded = make(map[string]float64)
	}
	l.recorded[id] += amount
	return true
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
