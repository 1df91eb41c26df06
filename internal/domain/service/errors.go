package service

import (
	"errors"
	"fmt"
	"strings"

	"fundarb/internal/domain/model"
)

var (
	// ErrDataUnavailable 缺少资金费率快照，跳过该组合
	ErrDataUnavailable = errors.New("funding data unavailable")
	// ErrOrderExecution 单腿下单失败或被拒
	ErrOrderExecution = errors.New("order execution failed")
	// ErrCompensation 补偿单失败，单腿裸露
	ErrCompensation = errors.New("compensation failed")
	// ErrRiskGateBlocked 风控拦截开仓
	ErrRiskGateBlocked = errors.New("risk gate blocked")
	// ErrNotFound 持仓不存在
	ErrNotFound = errors.New("position not found")
	// ErrAlreadyClosed 持仓已平
	ErrAlreadyClosed = errors.New("position already closed")
	// ErrUnknownVenue 未配置的交易所
	ErrUnknownVenue = errors.New("unknown venue")
	// ErrVenueInUse 该交易所上已有同币种的持仓腿
	ErrVenueInUse = errors.New("venue leg already held")
	// ErrNoImbalance 两腿偏差已回到阈值内，无需调仓
	ErrNoImbalance = errors.New("no imbalance to rebalance")
)

// LegFailure 单腿失败明细
type LegFailure struct {
	Venue string
	Side  model.Side
	Err   error
}

// ExecutionError 两腿操作的结构化失败结果
type ExecutionError struct {
	Op           string // open / close
	Symbol       string
	Failures     []LegFailure
	Orders       []model.OrderResult // 已成交部分
	Compensation error               // 补偿失败时非空
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Op, e.Symbol)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s leg on %s: %v", f.Side, f.Venue, f.Err)
	}
	if e.Compensation != nil {
		fmt.Fprintf(&b, "; compensation: %v", e.Compensation)
	}
	return b.String()
}

// Unwrap 支持 errors.Is(err, ErrOrderExecution) / errors.Is(err, ErrCompensation)
func (e *ExecutionError) Unwrap() []error {
	errs := []error{ErrOrderExecution}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	if e.Compensation != nil {
		errs = append(errs, ErrCompensation)
	}
	return errs
}
