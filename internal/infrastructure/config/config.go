package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ExchangeConfig 单个交易所配置
type ExchangeConfig struct {
	Enabled         bool    `toml:"enabled"`
	RestURL         string  `toml:"rest_url"`
	WsURL           string  `toml:"ws_url"`
	APIKey          string  `toml:"api_key"`
	APISecret       string  `toml:"api_secret"`
	QtyPrecision    int32   `toml:"qty_precision"`
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
}

type Config struct {
	App struct {
		ReportIntervalMs int `toml:"report_interval_ms"`
	} `toml:"app"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Strategy struct {
		MinAnnualizedSpread     float64 `toml:"min_annualized_spread"`
		CloseSpreadThreshold    float64 `toml:"close_spread_threshold"`
		EmergencyCloseThreshold float64 `toml:"emergency_close_threshold"`
		SettlementsPerYear      float64 `toml:"settlements_per_year"`
	} `toml:"strategy"`

	Position struct {
		MaxPositionSize    float64 `toml:"max_position_size"`
		MinPositionSize    float64 `toml:"min_position_size"`
		PositionRatio      float64 `toml:"position_ratio"`
		TotalMaxPosition   float64 `toml:"total_max_position"`
		Leverage           float64 `toml:"leverage"`
		MaxLeverage        float64 `toml:"max_leverage"`
		ImbalanceThreshold float64 `toml:"imbalance_threshold"`
	} `toml:"position"`

	Risk struct {
		MaxDailyLoss float64 `toml:"max_daily_loss"`
		MaxDrawdown  float64 `toml:"max_drawdown"`
	} `toml:"risk"`

	Schedule struct {
		RebalanceIntervalMs       int `toml:"rebalance_interval_ms"`
		FundingRefreshIntervalMs  int `toml:"funding_refresh_interval_ms"`
		PositionRefreshIntervalMs int `toml:"position_refresh_interval_ms"`
	} `toml:"schedule"`

	Execution struct {
		LegTimeoutMs         int `toml:"leg_timeout_ms"`
		OrderAttempts        int `toml:"order_attempts"`
		CompensationAttempts int `toml:"compensation_attempts"`
		RetryBaseDelayMs     int `toml:"retry_base_delay_ms"`
	} `toml:"execution"`

	Exchange struct {
		Binance ExchangeConfig `toml:"binance"`
		Bybit   ExchangeConfig `toml:"bybit"`
	} `toml:"exchange"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		Prefix       string `toml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds"`
		EventStream  string `toml:"event_stream"`
		EventChannel string `toml:"event_channel"`
	} `toml:"redis"`
}

// Load 读取 TOML 配置，叠加环境变量（可来自 .env），补默认值并校验
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// .env 不存在时忽略
	_ = godotenv.Load()

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Exchange.Binance.APIKey, "BINANCE_API_KEY")
	setStr(&cfg.Exchange.Binance.APISecret, "BINANCE_API_SECRET")
	setStr(&cfg.Exchange.Bybit.APIKey, "BYBIT_API_KEY")
	setStr(&cfg.Exchange.Bybit.APISecret, "BYBIT_API_SECRET")
	setStr(&cfg.Postgres.DSN, "FUNDARB_POSTGRES_DSN")
	setStr(&cfg.Redis.Password, "FUNDARB_REDIS_PASSWORD")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.ReportIntervalMs <= 0 {
		cfg.App.ReportIntervalMs = 5 * 60 * 1000
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}

	s := &cfg.Strategy
	if s.SettlementsPerYear <= 0 {
		s.SettlementsPerYear = 1095
	}
	if s.MinAnnualizedSpread == 0 {
		s.MinAnnualizedSpread = 0.15
	}
	if s.CloseSpreadThreshold == 0 {
		s.CloseSpreadThreshold = 0.05
	}
	if s.EmergencyCloseThreshold == 0 {
		s.EmergencyCloseThreshold = -0.10
	}

	p := &cfg.Position
	if p.Leverage <= 0 {
		p.Leverage = 3
	}
	if p.MaxLeverage <= 0 {
		p.MaxLeverage = 5
	}
	if p.ImbalanceThreshold <= 0 {
		p.ImbalanceThreshold = 0.10
	}
	if p.PositionRatio == 0 {
		p.PositionRatio = 1
	}

	sch := &cfg.Schedule
	if sch.RebalanceIntervalMs <= 0 {
		sch.RebalanceIntervalMs = 60_000
	}
	if sch.FundingRefreshIntervalMs <= 0 {
		sch.FundingRefreshIntervalMs = 60_000
	}
	if sch.PositionRefreshIntervalMs <= 0 {
		sch.PositionRefreshIntervalMs = 30_000
	}

	ex := &cfg.Execution
	if ex.LegTimeoutMs <= 0 {
		ex.LegTimeoutMs = 10_000
	}
	if ex.OrderAttempts <= 0 {
		ex.OrderAttempts = 3
	}
	if ex.CompensationAttempts <= 0 {
		ex.CompensationAttempts = 1
	}
	if ex.RetryBaseDelayMs <= 0 {
		ex.RetryBaseDelayMs = 500
	}

	exchangeDefaults(&cfg.Exchange.Binance, "https://fapi.binance.com", "", 3)
	exchangeDefaults(&cfg.Exchange.Bybit, "https://api.bybit.com", "wss://stream.bybit.com/v5/public/linear", 3)

	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/fundarb.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fundarb:"
	}
	if cfg.Redis.TTLSeconds <= 0 {
		cfg.Redis.TTLSeconds = 600
	}
	if cfg.Redis.EventStream == "" {
		cfg.Redis.EventStream = "fundarb:events"
	}
	if cfg.Redis.EventChannel == "" {
		cfg.Redis.EventChannel = "fundarb:events:pub"
	}
}

func exchangeDefaults(ex *ExchangeConfig, restURL, wsURL string, precision int32) {
	if ex.RestURL == "" {
		ex.RestURL = restURL
	}
	if ex.WsURL == "" {
		ex.WsURL = wsURL
	}
	if ex.QtyPrecision <= 0 {
		ex.QtyPrecision = precision
	}
	if ex.RateLimitPerSec <= 0 {
		ex.RateLimitPerSec = 10
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	if len(cfg.EnabledExchanges()) < 2 {
		return errors.New("at least two exchanges must be enabled")
	}
	if cfg.Exchange.Binance.Enabled && strings.TrimSpace(cfg.Exchange.Binance.RestURL) == "" {
		return errors.New("exchange.binance.rest_url empty but enabled")
	}
	if cfg.Exchange.Bybit.Enabled && strings.TrimSpace(cfg.Exchange.Bybit.RestURL) == "" {
		return errors.New("exchange.bybit.rest_url empty but enabled")
	}

	s := cfg.Strategy
	if s.EmergencyCloseThreshold > s.CloseSpreadThreshold {
		return fmt.Errorf("strategy.emergency_close_threshold %.4f above close_spread_threshold %.4f",
			s.EmergencyCloseThreshold, s.CloseSpreadThreshold)
	}
	if s.CloseSpreadThreshold >= s.MinAnnualizedSpread {
		return fmt.Errorf("strategy.close_spread_threshold %.4f must be below min_annualized_spread %.4f",
			s.CloseSpreadThreshold, s.MinAnnualizedSpread)
	}

	p := cfg.Position
	if p.Leverage <= 0 || p.Leverage > p.MaxLeverage {
		return fmt.Errorf("position.leverage %.2f out of range (0, %.2f]", p.Leverage, p.MaxLeverage)
	}
	if p.MinPositionSize > p.MaxPositionSize {
		return fmt.Errorf("position.min_position_size %.2f above max_position_size %.2f", p.MinPositionSize, p.MaxPositionSize)
	}
	if p.PositionRatio <= 0 || p.PositionRatio > 1 {
		return fmt.Errorf("position.position_ratio %.4f out of range (0, 1]", p.PositionRatio)
	}

	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// EnabledExchanges 已启用的交易所名称
func (c *Config) EnabledExchanges() []string {
	var out []string
	if c.Exchange.Binance.Enabled {
		out = append(out, "BINANCE")
	}
	if c.Exchange.Bybit.Enabled {
		out = append(out, "BYBIT")
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ReportInterval() time.Duration          { return ms(c.App.ReportIntervalMs) }
func (c *Config) RebalanceInterval() time.Duration       { return ms(c.Schedule.RebalanceIntervalMs) }
func (c *Config) FundingRefreshInterval() time.Duration  { return ms(c.Schedule.FundingRefreshIntervalMs) }
func (c *Config) PositionRefreshInterval() time.Duration { return ms(c.Schedule.PositionRefreshIntervalMs) }
func (c *Config) LegTimeout() time.Duration              { return ms(c.Execution.LegTimeoutMs) }
func (c *Config) RetryBaseDelay() time.Duration          { return ms(c.Execution.RetryBaseDelayMs) }
