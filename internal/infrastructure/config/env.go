package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides 环境变量非空时覆盖文件配置，便于部署时注入连接串
func applyEnvOverrides(cfg *Config) {
	// ── Strategy ──
	setFloat64(&cfg.Strategy.EmaAlpha, "EMA_ALPHA")
	setInt(&cfg.Strategy.EmaMinutes, "EMA_MINUTES")
	setFloat64(&cfg.Strategy.EstimatedSwitchCost, "ESTIMATED_SWITCH_COST")
	setFloat64(&cfg.Strategy.MinProfitBuffer, "MIN_PROFIT_BUFFER")
	setDuration(&cfg.Strategy.PollInterval, "POLL_INTERVAL")
	setDuration(&cfg.Strategy.GracePeriod, "GRACE_PERIOD")
	setStringSlice(&cfg.Strategy.Coins, "COINS")
	setFloat64(&cfg.Strategy.TradeFraction, "TRADE_FRACTION")
	setInt(&cfg.Strategy.Leverage, "LEVERAGE")
	setFloat64(&cfg.Strategy.Slippage, "SLIPPAGE")

	// ── Storage ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.SQLite.Path, "SQLITE_PATH")

	// ── Top-level ──
	setStr(&cfg.Log.Level, "LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
