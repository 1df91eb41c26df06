package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"fundarb/internal/domain/model"
)

// TestPublishIdempotent 需要 FUNDARB_TEST_POSTGRES_DSN 指向可写库
func TestPublishIdempotent(t *testing.T) {
	dsn := os.Getenv("FUNDARB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FUNDARB_TEST_POSTGRES_DSN not set")
	}

	repo, err := New(dsn)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	ev := model.Event{
		ID:         uuid.NewString(),
		Type:       model.EventPositionOpened,
		PositionID: "p1",
		Position: &model.HedgedPosition{
			ID:            "p1",
			Symbol:        "BTCUSDT",
			LongLeg:       model.Leg{Venue: "BINANCE", Side: model.SideLong},
			ShortLeg:      model.Leg{Venue: "BYBIT", Side: model.SideShort},
			OpenSizeQuote: 1000,
			Status:        model.PositionActive,
		},
		At: time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := repo.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish #%d failed: %v", i+1, err)
		}
	}

	var n int
	if err := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM position_history WHERE event_id = $1`, ev.ID).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 history row, got %d", n)
	}
}
