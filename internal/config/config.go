package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillm/trade-pilot/internal/fillsync"
	"github.com/kirillm/trade-pilot/internal/grid"
	"github.com/kirillm/trade-pilot/internal/orchestrator"
	"github.com/kirillm/trade-pilot/internal/position"
	"github.com/kirillm/trade-pilot/internal/risk"
)

// Config содержит все настройки приложения
type Config struct {
	Bybit        BybitConfig
	Database     DatabaseConfig
	Telegram     TelegramConfig
	HomeAsset    string
	Risk         risk.Thresholds
	Grid         grid.Config
	Position     position.Config
	FillSync     fillsync.Config
	Orchestrator orchestrator.Config
	APIPort      int
	LogLevel     string
}

type BybitConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   int64
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	home := getEnv("HOME_ASSET", "USDT")

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	maxOpenConns, err := getEnvInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	maxIdleConns, err := getEnvInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, err
	}
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	telegramEnabled, err := getEnvBool("TELEGRAM_ENABLED", false)
	if err != nil {
		return nil, err
	}
	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	riskCfg, err := loadRisk()
	if err != nil {
		return nil, err
	}
	gridCfg, err := loadGrid(home)
	if err != nil {
		return nil, err
	}
	positionCfg, err := loadPosition(home)
	if err != nil {
		return nil, err
	}
	fillSyncCfg, err := loadFillSync(home)
	if err != nil {
		return nil, err
	}
	orchCfg, err := loadOrchestrator(home)
	if err != nil {
		return nil, err
	}

	apiPort, err := getEnvInt("API_PORT", 8080)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Bybit: BybitConfig{
			APIKey:    getEnv("BYBIT_API_KEY", ""),
			APISecret: getEnv("BYBIT_API_SECRET", ""),
			BaseURL:   getEnv("BYBIT_BASE_URL", "https://api.bybit.com"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "trade_pilot"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    maxOpenConns,
			MaxIdleConns:    maxIdleConns,
			ConnMaxLifetime: connMaxLifetime,
		},
		Telegram: TelegramConfig{
			Enabled:  telegramEnabled,
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   chatID,
		},
		HomeAsset:    home,
		Risk:         riskCfg,
		Grid:         gridCfg,
		Position:     positionCfg,
		FillSync:     fillSyncCfg,
		Orchestrator: orchCfg,
		APIPort:      apiPort,
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadRisk() (risk.Thresholds, error) {
	cfg := risk.DefaultThresholds()
	var err error
	if cfg.DrawdownDailyCautionPct, err = getEnvFloat("RISK_DD_DAILY_CAUTION_PCT", cfg.DrawdownDailyCautionPct); err != nil {
		return cfg, err
	}
	if cfg.DrawdownDailyHaltPct, err = getEnvFloat("RISK_DD_DAILY_HALT_PCT", cfg.DrawdownDailyHaltPct); err != nil {
		return cfg, err
	}
	if cfg.DrawdownRollingCautionPct, err = getEnvFloat("RISK_DD_ROLLING_CAUTION_PCT", cfg.DrawdownRollingCautionPct); err != nil {
		return cfg, err
	}
	if cfg.DrawdownRollingHaltPct, err = getEnvFloat("RISK_DD_ROLLING_HALT_PCT", cfg.DrawdownRollingHaltPct); err != nil {
		return cfg, err
	}
	if cfg.FeeBurnCautionPct, err = getEnvFloat("RISK_FEE_BURN_CAUTION_PCT", cfg.FeeBurnCautionPct); err != nil {
		return cfg, err
	}
	if cfg.FeeBurnHaltPct, err = getEnvFloat("RISK_FEE_BURN_HALT_PCT", cfg.FeeBurnHaltPct); err != nil {
		return cfg, err
	}
	if cfg.ADXOnThreshold, err = getEnvFloat("RISK_ADX_ON", cfg.ADXOnThreshold); err != nil {
		return cfg, err
	}
	if cfg.ATRPctVolSpike, err = getEnvFloat("RISK_ATR_VOL_SPIKE_PCT", cfg.ATRPctVolSpike); err != nil {
		return cfg, err
	}
	if cfg.MinStateHold, err = getEnvDuration("RISK_MIN_STATE_HOLD", cfg.MinStateHold); err != nil {
		return cfg, err
	}
	if cfg.HaltMinHold, err = getEnvDuration("RISK_HALT_MIN_HOLD", cfg.HaltMinHold); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadGrid(home string) (grid.Config, error) {
	cfg := grid.DefaultConfig(home)
	var err error
	if cfg.Levels, err = getEnvInt("GRID_LEVELS", cfg.Levels); err != nil {
		return cfg, err
	}
	if cfg.AllocationHome, err = getEnvFloat("GRID_ALLOCATION_HOME", cfg.AllocationHome); err != nil {
		return cfg, err
	}
	if cfg.MinRangePct, err = getEnvFloat("GRID_MIN_RANGE_PCT", cfg.MinRangePct); err != nil {
		return cfg, err
	}
	if cfg.MaxRangePct, err = getEnvFloat("GRID_MAX_RANGE_PCT", cfg.MaxRangePct); err != nil {
		return cfg, err
	}
	if cfg.TrendRatioCap, err = getEnvFloat("GRID_TREND_RATIO_CAP", cfg.TrendRatioCap); err != nil {
		return cfg, err
	}
	if cfg.MinStepPct, err = getEnvFloat("GRID_MIN_STEP_PCT", cfg.MinStepPct); err != nil {
		return cfg, err
	}
	if cfg.BreakoutBufferPct, err = getEnvFloat("GRID_BREAKOUT_BUFFER_PCT", cfg.BreakoutBufferPct); err != nil {
		return cfg, err
	}
	if cfg.LiquidateOnBreakout, err = getEnvBool("GRID_LIQUIDATE_ON_BREAKOUT", cfg.LiquidateOnBreakout); err != nil {
		return cfg, err
	}
	if cfg.BootstrapBasePct, err = getEnvFloat("GRID_BOOTSTRAP_BASE_PCT", cfg.BootstrapBasePct); err != nil {
		return cfg, err
	}
	if cfg.MaxNewOrdersPerTick, err = getEnvInt("GRID_MAX_NEW_ORDERS_PER_TICK", cfg.MaxNewOrdersPerTick); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadPosition(home string) (position.Config, error) {
	cfg := position.DefaultConfig(home)
	if mode := getEnv("POSITION_MODE", ""); mode != "" {
		switch position.Mode(mode) {
		case position.ModeSingle, position.ModePortfolio:
			cfg.Mode = position.Mode(mode)
		default:
			return cfg, fmt.Errorf("invalid POSITION_MODE: %s", mode)
		}
	}
	cfg.Symbol = getEnv("POSITION_SYMBOL", cfg.Symbol)
	var err error
	if cfg.MaxPositions, err = getEnvInt("POSITION_MAX", cfg.MaxPositions); err != nil {
		return cfg, err
	}
	if cfg.AllocationCapHome, err = getEnvFloat("POSITION_ALLOCATION_CAP_HOME", cfg.AllocationCapHome); err != nil {
		return cfg, err
	}
	if cfg.Cooldown, err = getEnvDuration("POSITION_COOLDOWN", cfg.Cooldown); err != nil {
		return cfg, err
	}
	if cfg.MinConfidence, err = getEnvFloat("POSITION_MIN_CONFIDENCE", cfg.MinConfidence); err != nil {
		return cfg, err
	}
	if cfg.RiskOffSentiment, err = getEnvFloat("POSITION_RISK_OFF_SENTIMENT", cfg.RiskOffSentiment); err != nil {
		return cfg, err
	}
	if raw := getEnv("POSITION_BLACKLIST", ""); raw != "" {
		cfg.Blacklist = splitList(raw)
	}
	if raw := getEnv("POSITION_QUOTE_WHITELIST", ""); raw != "" {
		cfg.QuoteWhitelist = splitList(raw)
	}
	return cfg, nil
}

func loadFillSync(home string) (fillsync.Config, error) {
	cfg := fillsync.DefaultConfig()
	cfg.HomeAsset = home
	var err error
	if cfg.QueueSize, err = getEnvInt("FILLSYNC_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return cfg, err
	}
	if cfg.MissingQueueSize, err = getEnvInt("FILLSYNC_MISSING_QUEUE_SIZE", cfg.MissingQueueSize); err != nil {
		return cfg, err
	}
	workers, err := getEnvInt("FILLSYNC_WORKERS", int(cfg.Workers))
	if err != nil {
		return cfg, err
	}
	cfg.Workers = int64(workers)
	if cfg.Debounce, err = getEnvDuration("FILLSYNC_DEBOUNCE", cfg.Debounce); err != nil {
		return cfg, err
	}
	if cfg.MissingRetryMax, err = getEnvInt("FILLSYNC_MISSING_RETRY_MAX", cfg.MissingRetryMax); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadOrchestrator(home string) (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	cfg.HomeAsset = home
	var err error
	if cfg.Interval, err = getEnvDuration("TICK_INTERVAL", cfg.Interval); err != nil {
		return cfg, err
	}
	cfg.RepresentativeSymbol = getEnv("RISK_SYMBOL", cfg.RepresentativeSymbol)
	if cfg.FeeBurnWindow, err = getEnvDuration("RISK_FEE_BURN_WINDOW", cfg.FeeBurnWindow); err != nil {
		return cfg, err
	}
	if cfg.PeakWindow, err = getEnvDuration("RISK_PEAK_WINDOW", cfg.PeakWindow); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate проверяет обязательные поля конфигурации
func (c *Config) Validate() error {
	if c.Bybit.APIKey == "" {
		return fmt.Errorf("BYBIT_API_KEY is required")
	}
	if c.Bybit.APISecret == "" {
		return fmt.Errorf("BYBIT_API_SECRET is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when TELEGRAM_ENABLED=true")
	}
	if c.Position.Mode == position.ModeSingle && c.Position.Symbol == "" {
		return fmt.Errorf("POSITION_SYMBOL is required in single mode")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
