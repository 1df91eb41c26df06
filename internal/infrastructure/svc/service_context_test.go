package svc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/config"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
)

func loadConfig(t *testing.T, dbPath string, bybitEnabled bool) *config.Config {
	t.Helper()
	body := `
[symbols]
list = ["BTCUSDT"]

[position]
max_position_size = 1000
min_position_size = 10
total_max_position = 3000

[exchange.binance]
enabled = true

[exchange.bybit]
enabled = true

[sqlite]
enabled = true
path = "` + filepath.ToSlash(dbPath) + `"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Exchange.Bybit.Enabled = bybitEnabled
	return cfg
}

// TestNewRestoresActivePositions 测试启动时从 SQLite 恢复未平仓持仓
func TestNewRestoresActivePositions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fundarb.db")

	repo, err := sqliterepo.New(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = repo.SavePosition(context.Background(), &model.HedgedPosition{
		ID:            "restored",
		Symbol:        "BTCUSDT",
		LongLeg:       model.Leg{Venue: "BINANCE", Side: model.SideLong, Size: 1},
		ShortLeg:      model.Leg{Venue: "BYBIT", Side: model.SideShort, Size: 1},
		OpenSizeQuote: 100,
		Status:        model.PositionActive,
		OpenedAt:      time.Now().UTC(),
	})
	_ = repo.Close()
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}

	sc, err := New(context.Background(), loadConfig(t, dbPath, true))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sc.Close()

	if got := sc.Venues.Names(); len(got) != 2 {
		t.Errorf("expected 2 venues, got %v", got)
	}
	active := sc.Manager.ActivePositions()
	if len(active) != 1 || active[0].ID != "restored" {
		t.Errorf("expected restored position, got %+v", active)
	}
	if n := len(sc.Streams()); n != 1 {
		t.Errorf("expected bybit stream, got %d", n)
	}
}

// TestNewRequiresTwoVenues 测试交易所不足两个时失败
func TestNewRequiresTwoVenues(t *testing.T) {
	_, err := New(context.Background(), loadConfig(t, filepath.Join(t.TempDir(), "fundarb.db"), false))
	if !errors.Is(err, ErrNotEnoughVenues) {
		t.Errorf("expected ErrNotEnoughVenues, got %v", err)
	}
}
