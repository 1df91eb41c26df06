package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/domain/model"
)

// settled 单侧结果，成功与失败互相独立
type settled[T any] struct {
	Val T
	Err error
	// Late 超时后调用仍在执行，最终结果会写入这里
	Late <-chan settled[T]
}

// joinPair 同时执行两个调用并等待两者都结束
// 每个调用有独立的超时，超时按失败处理；一侧失败不会取消另一侧
func joinPair[T any](ctx context.Context, timeout time.Duration, a, b func(context.Context) (T, error)) (settled[T], settled[T]) {
	var (
		wg     sync.WaitGroup
		ra, rb settled[T]
	)

	run := func(fn func(context.Context) (T, error), out *settled[T]) {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan settled[T], 1)
		go func() {
			v, err := fn(cctx)
			done <- settled[T]{Val: v, Err: err}
		}()

		select {
		case r := <-done:
			*out = r
		case <-cctx.Done():
			// 客户端没有响应 ctx 时也按时返回，迟到的结果交给调用方处理
			out.Err = fmt.Errorf("deadline exceeded: %w", cctx.Err())
			out.Late = done
		}
	}

	wg.Add(2)
	go run(a, &ra)
	go run(b, &rb)
	wg.Wait()
	return ra, rb
}

// legTask 一条腿上要执行的订单操作
type legTask struct {
	Venue string
	Side  model.Side
	Run   func(ctx context.Context) (model.OrderResult, error)
}

// legOutcome 单腿执行结果
type legOutcome struct {
	Venue  string
	Side   model.Side
	Result model.OrderResult
	Err    error
	Late   <-chan settled[model.OrderResult] // 超时时非空
}

func (o legOutcome) ok() bool { return o.Err == nil }

// runLegs 两腿同时下单的 fan-out / join
func runLegs(ctx context.Context, timeout time.Duration, long, short legTask) (legOutcome, legOutcome) {
	l, s := joinPair(ctx, timeout, long.Run, short.Run)
	return legOutcome{Venue: long.Venue, Side: long.Side, Result: l.Val, Err: l.Err, Late: l.Late},
		legOutcome{Venue: short.Venue, Side: short.Side, Result: s.Val, Err: s.Err, Late: s.Late}
}

// placeWithRetry 带指数退避的下单，attempts <= 1 时只发一次
func placeWithRetry(ctx context.Context, client VenueClient, req model.OrderRequest, attempts int, baseDelay time.Duration) (model.OrderResult, error) {
	if attempts < 1 {
		attempts = 1
	}

	var (
		res model.OrderResult
		err error
	)
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		res, err = client.PlaceOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		// 已部分成交时不再重试，避免超量
		if res.FilledAmount > 0 || i == attempts-1 {
			break
		}

		log.Warn().
			Str("venue", client.Name()).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Int("attempt", i+1).
			Err(err).
			Msg("order failed, retrying")

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return res, err
}
