package service

import (
	"context"
	"math"
	"sync"

	"fundarb/internal/domain/model"
)

// mockVenue 可编排响应的交易所
type mockVenue struct {
	mu sync.Mutex

	name        string
	funding     map[string]model.FundingQuote
	fundingErr  map[string]error
	price       float64
	tickerErr   error
	leverageErr error
	legs        []model.LegPosition
	legsErr     error

	// orderFn 为 nil 时按请求数量、price 全部成交
	orderFn func(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)

	orders   []model.OrderRequest
	leverage []float64
}

func newMockVenue(name string, price float64) *mockVenue {
	return &mockVenue{
		name:       name,
		price:      price,
		funding:    make(map[string]model.FundingQuote),
		fundingErr: make(map[string]error),
	}
}

func (m *mockVenue) Name() string { return m.name }

func (m *mockVenue) FetchFundingRate(ctx context.Context, symbol string) (model.FundingQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fundingErr[symbol]; err != nil {
		return model.FundingQuote{}, err
	}
	q, ok := m.funding[symbol]
	if !ok {
		return model.FundingQuote{}, errNoData
	}
	return q, nil
}

func (m *mockVenue) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickerErr != nil {
		return model.Ticker{}, m.tickerErr
	}
	return model.Ticker{LastPrice: m.price}, nil
}

func (m *mockVenue) SetLeverage(ctx context.Context, leverage float64, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage = append(m.leverage, leverage)
	return m.leverageErr
}

func (m *mockVenue) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	m.mu.Lock()
	m.orders = append(m.orders, req)
	fn := m.orderFn
	price := m.price
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return model.OrderResult{
		Venue:        m.name,
		ID:           "ord",
		Symbol:       req.Symbol,
		Side:         req.Side,
		FilledAmount: req.Amount,
		AveragePrice: price,
		Status:       "filled",
		ReduceOnly:   req.ReduceOnly,
	}, nil
}

func (m *mockVenue) FetchLegPositions(ctx context.Context, symbols []string) ([]model.LegPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.legsErr != nil {
		return nil, m.legsErr
	}
	out := make([]model.LegPosition, len(m.legs))
	copy(out, m.legs)
	return out, nil
}

func (m *mockVenue) setLegs(legs ...model.LegPosition) {
	m.mu.Lock()
	m.legs = legs
	m.mu.Unlock()
}

func (m *mockVenue) setOrderFn(fn func(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)) {
	m.mu.Lock()
	m.orderFn = fn
	m.mu.Unlock()
}

func (m *mockVenue) placed() []model.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *mockVenue) reduceOnlyOrders() []model.OrderRequest {
	var out []model.OrderRequest
	for _, o := range m.placed() {
		if o.ReduceOnly {
			out = append(out, o)
		}
	}
	return out
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errNoData = mockError("no data")

// recordingPublisher 记录所有事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Emit(ev model.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) byType(t model.EventType) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// memStore 内存持仓存储
type memStore struct {
	mu    sync.Mutex
	saved map[string]*model.HedgedPosition
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*model.HedgedPosition)}
}

func (s *memStore) SavePosition(ctx context.Context, p *model.HedgedPosition) error {
	s.mu.Lock()
	s.saved[p.ID] = p.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) get(id string) *model.HedgedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
