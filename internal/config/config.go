package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tiered-sto/internal/logging"
)

// Oracle source kinds.
const (
	OracleStatic = "static"
	OracleChain  = "chain"
	OracleHTTP   = "http"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Scenario  ScenarioConfig  `mapstructure:"scenario"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain price oracles.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ETHOracleAddress  string        `mapstructure:"eth_oracle_address"`
	POLYOracleAddress string        `mapstructure:"poly_oracle_address"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// QuoteConfig captures the HTTP price API.
type QuoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ETHAssetID     string        `mapstructure:"eth_asset_id"`
	POLYAssetID    string        `mapstructure:"poly_asset_id"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OracleConfig selects where ETH/USD and POLY/USD prices come from.
type OracleConfig struct {
	Source      string          `mapstructure:"source"`
	ETHUSD      decimal.Decimal `mapstructure:"eth_usd"`
	POLYUSD     decimal.Decimal `mapstructure:"poly_usd"`
	ReadTimeout time.Duration   `mapstructure:"read_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot delivery settings.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ScenarioConfig points at the default scenario file for simulate.
type ScenarioConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STOSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stosim")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73746f73))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("quote.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("quote.eth_asset_id", "ethereum")
	v.SetDefault("quote.poly_asset_id", "polymath")
	v.SetDefault("quote.vs_currency", "usd")
	v.SetDefault("quote.request_timeout", "10s")
	v.SetDefault("quote.user_agent", "stosim/1.0")

	v.SetDefault("oracle.source", OracleStatic)
	v.SetDefault("oracle.eth_usd", "500")
	v.SetDefault("oracle.poly_usd", "0.25")
	v.SetDefault("oracle.read_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("scenario.path", "scenario.yaml")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = DecodeHook()
	}
}

// DecodeHook is the mapstructure hook chain shared by config and scenario
// decoding: durations, comma lists, decimals and hex addresses.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHook(),
		stringToAddressHook(),
	)
}

var (
	decimalType = reflect.TypeOf(decimal.Decimal{})
	addressType = reflect.TypeOf(common.Address{})
)

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}

func stringToAddressHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != addressType || from.Kind() != reflect.String {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}

	switch strings.ToLower(c.Oracle.Source) {
	case OracleStatic:
		if !c.Oracle.ETHUSD.IsPositive() || !c.Oracle.POLYUSD.IsPositive() {
			return fmt.Errorf("oracle.eth_usd and oracle.poly_usd must be positive for the static source")
		}
	case OracleChain:
		if c.Ethereum.RPCURL == "" {
			return fmt.Errorf("ethereum.rpc_url is required for the chain oracle source")
		}
		for key, addr := range map[string]string{
			"ethereum.eth_oracle_address":  c.Ethereum.ETHOracleAddress,
			"ethereum.poly_oracle_address": c.Ethereum.POLYOracleAddress,
		} {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%s must be a hex address", key)
			}
		}
	case OracleHTTP:
		if c.Quote.ETHAssetID == "" || c.Quote.POLYAssetID == "" {
			return fmt.Errorf("quote.eth_asset_id and quote.poly_asset_id are required for the http oracle source")
		}
	default:
		return fmt.Errorf("oracle.source must be one of %s, %s, %s", OracleStatic, OracleChain, OracleHTTP)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
