package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

const timeLayout = "2006-01-02 15:04:05"

// Sink 把开平仓与汇总打印成人类可读的行
// 资金费率刷新和持仓刷新事件太频繁，不打印
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

var _ port.EventSink = (*Sink)(nil)

func NewSink() *Sink { return &Sink{out: os.Stdout} }

// NewSinkTo 输出到指定 writer
func NewSinkTo(w io.Writer) *Sink { return &Sink{out: w} }

func (s *Sink) Name() string { return "console" }

func (s *Sink) Publish(ctx context.Context, ev model.Event) error {
	line := format(ev)
	if line == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "%s %s\n", ev.At.Local().Format(timeLayout), line)
	return err
}

func format(ev model.Event) string {
	switch ev.Type {
	case model.EventPositionOpened:
		p := ev.Position
		if p == nil {
			return ""
		}
		return fmt.Sprintf("[OPEN ] %s %s long %s @ %.6g / short %s @ %.6g amount=%.6g size=%.2f spread=%.2f%%",
			p.ID, p.Symbol, p.LongLeg.Venue, p.LongLeg.EntryPrice, p.ShortLeg.Venue, p.ShortLeg.EntryPrice,
			p.OpenAmount, p.OpenSizeQuote, p.OpenSpread*100)

	case model.EventPositionClosed:
		p := ev.Position
		if p == nil {
			return ""
		}
		return fmt.Sprintf("[CLOSE] %s %s reason=%q funding=%.4f fees=%.4f pnl=%.4f",
			p.ID, p.Symbol, ev.Reason, p.FundingIncome, p.TradingFees, p.RealizedPnl)

	case model.EventLegOrphaned:
		var leg string
		for _, o := range ev.Orders {
			leg += fmt.Sprintf(" %s %s %s %.6g", o.Venue, o.Symbol, o.Side, o.FilledAmount)
		}
		return fmt.Sprintf("[ALERT] orphaned leg%s: %s", leg, ev.Reason)

	case model.EventPositionsUpdated:
		sum := ev.Summary
		if sum == nil {
			return ""
		}
		return fmt.Sprintf("[PNL  ] active=%d closed=%d realized=%.4f unrealized=%.4f funding=%.4f fees=%.4f net=%.4f margin=%.2f",
			sum.ActiveCount, sum.ClosedCount, sum.RealizedPnl, sum.UnrealizedPnl,
			sum.FundingIncome, sum.TradingFees, sum.NetPnl(), ev.MarginInUse)
	}
	return ""
}
