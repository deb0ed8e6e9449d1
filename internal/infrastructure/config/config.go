package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration 支持 "60s" / "2m" 形式的 TOML 字符串
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type VenueConfig struct {
	Name      string  `toml:"name"`
	Kind      string  `toml:"kind"` // paper
	Balance   float64 `toml:"balance"`
	MarkPrice float64 `toml:"mark_price"`
}

type Config struct {
	App struct {
		Name         string `toml:"name"`
		AuditOnStart bool   `toml:"audit_on_start"`
	} `toml:"app"`

	Strategy struct {
		Coins               []string `toml:"coins"`
		EmaAlpha            float64  `toml:"ema_alpha"`
		EmaMinutes          int      `toml:"ema_minutes"`
		EstimatedSwitchCost float64  `toml:"estimated_switch_cost"`
		MinProfitBuffer     float64  `toml:"min_profit_buffer"`
		PollInterval        Duration `toml:"poll_interval"`
		GracePeriod         Duration `toml:"grace_period"`
		TradeFraction       float64  `toml:"trade_fraction"`
		Leverage            int      `toml:"leverage"`
		Slippage            float64  `toml:"slippage"`
		SequentialLegs      bool     `toml:"sequential_legs"`
	} `toml:"strategy"`

	Lock struct {
		Backend     string   `toml:"backend"` // redis | memory
		DecisionKey string   `toml:"decision_key"`
		DecisionTTL Duration `toml:"decision_ttl"`
		PairTTL     Duration `toml:"pair_ttl"`
	} `toml:"lock"`

	Store struct {
		Backend string `toml:"backend"` // sqlite | postgres | memory
	} `toml:"store"`

	Redis struct {
		URL           string `toml:"url"`
		Prefix        string `toml:"prefix"`
		EventStream   string `toml:"event_stream"`
		EventChannel  string `toml:"event_channel"`
		StreamMaxLen  int64  `toml:"stream_max_len"`
		PublishEvents bool   `toml:"publish_events"`
	} `toml:"redis"`

	SQLite struct {
		Path string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		DSN string `toml:"dsn"`
	} `toml:"postgres"`

	Venues []VenueConfig `toml:"venues"`

	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`

	Metrics struct {
		Addr string `toml:"addr"` // 为空时不启动
	} `toml:"metrics"`
}

// Load 读取 TOML（path 为空时只用默认值），叠加 .env 与环境变量，然后补默认值并校验
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fundarb"
	}

	s := &cfg.Strategy
	if len(s.Coins) == 0 {
		s.Coins = []string{"BTC", "ETH", "SOL"}
	}
	if s.EmaAlpha == 0 {
		s.EmaAlpha = 0.15
	}
	if s.EmaMinutes <= 0 {
		s.EmaMinutes = 60
	}
	if s.EstimatedSwitchCost == 0 {
		s.EstimatedSwitchCost = 0.0025
	}
	if s.MinProfitBuffer == 0 {
		s.MinProfitBuffer = 0.0005
	}
	if s.PollInterval.Duration <= 0 {
		s.PollInterval.Duration = 60 * time.Second
	}
	if s.GracePeriod.Duration <= 0 {
		s.GracePeriod.Duration = 120 * time.Second
	}
	if s.TradeFraction == 0 {
		s.TradeFraction = 0.5
	}
	if s.Leverage <= 0 {
		s.Leverage = 1
	}
	if s.Slippage == 0 {
		s.Slippage = 0.01
	}

	if cfg.Lock.DecisionKey == "" {
		cfg.Lock.DecisionKey = "arb:decision"
	}
	if cfg.Lock.DecisionTTL.Duration <= 0 {
		cfg.Lock.DecisionTTL.Duration = 55 * time.Second
	}
	if cfg.Lock.PairTTL.Duration <= 0 {
		cfg.Lock.PairTTL.Duration = 90 * time.Second
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
		if cfg.Redis.URL != "" {
			cfg.Lock.Backend = "redis"
		}
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
		if cfg.Postgres.DSN != "" {
			cfg.Store.Backend = "postgres"
		}
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/fundarb.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fundarb"
	}
	if cfg.Redis.StreamMaxLen == 0 {
		cfg.Redis.StreamMaxLen = 10000
	}

	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.Kind == "" {
			v.Kind = "paper"
		}
		if v.MarkPrice <= 0 {
			v.MarkPrice = 10
		}
	}
	if len(cfg.Venues) == 0 {
		cfg.Venues = []VenueConfig{
			{Name: "HYPERLIQUID", Kind: "paper", Balance: 1000, MarkPrice: 10},
			{Name: "LIGHTER", Kind: "paper", Balance: 1000, MarkPrice: 10},
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
}

func validate(cfg *Config) error {
	s := &cfg.Strategy
	s.Coins = normalizeSymbols(s.Coins)
	if len(s.Coins) == 0 {
		return errors.New("strategy.coins is empty")
	}
	if s.EmaAlpha <= 0 || s.EmaAlpha > 1 {
		return fmt.Errorf("strategy.ema_alpha must be in (0, 1], got %v", s.EmaAlpha)
	}
	if s.TradeFraction <= 0 || s.TradeFraction > 1 {
		return fmt.Errorf("strategy.trade_fraction must be in (0, 1], got %v", s.TradeFraction)
	}
	if s.EstimatedSwitchCost < 0 || s.MinProfitBuffer < 0 {
		return errors.New("strategy.estimated_switch_cost and min_profit_buffer must not be negative")
	}
	if s.Slippage < 0 || s.Slippage >= 1 {
		return fmt.Errorf("strategy.slippage must be in [0, 1), got %v", s.Slippage)
	}

	if cfg.Lock.DecisionTTL.Duration >= s.PollInterval.Duration {
		return fmt.Errorf("lock.decision_ttl (%s) must be shorter than strategy.poll_interval (%s)",
			cfg.Lock.DecisionTTL.Duration, s.PollInterval.Duration)
	}
	if cfg.Lock.PairTTL.Duration < cfg.Lock.DecisionTTL.Duration {
		return fmt.Errorf("lock.pair_ttl (%s) must not be shorter than lock.decision_ttl (%s)",
			cfg.Lock.PairTTL.Duration, cfg.Lock.DecisionTTL.Duration)
	}
	switch cfg.Lock.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			return errors.New("redis.url is empty but lock.backend is redis")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", cfg.Lock.Backend)
	}
	if cfg.Redis.PublishEvents && strings.TrimSpace(cfg.Redis.URL) == "" {
		return errors.New("redis.url is empty but redis.publish_events enabled")
	}

	switch cfg.Store.Backend {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Postgres.DSN) == "" {
			return errors.New("postgres.dsn is empty but store.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}

	seen := map[string]struct{}{}
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		v.Name = strings.ToUpper(strings.TrimSpace(v.Name))
		if v.Name == "" {
			return fmt.Errorf("venues[%d].name is empty", i)
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate venue %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.Kind != "paper" {
			return fmt.Errorf("venue %s: unsupported kind %q", v.Name, v.Kind)
		}
	}
	if len(cfg.Venues) < 2 {
		return errors.New("at least two venues are required")
	}
	return nil
}

// VenueNames 按配置顺序
func (c *Config) VenueNames() []string {
	out := make([]string, 0, len(c.Venues))
	for _, v := range c.Venues {
		out = append(out, v.Name)
	}
	return out
}

// EmaWindow 估计窗口
func (c *Config) EmaWindow() time.Duration {
	return time.Duration(c.Strategy.EmaMinutes) * time.Minute
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

// parseDuration 纯数字按秒处理
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
