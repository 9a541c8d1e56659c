// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Trading   TradingConfig   `yaml:"trading"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Server    ServerConfig    `yaml:"server"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	APIKey            Secret `yaml:"api_key"`
	SecretKey         Secret `yaml:"secret_key"`
	BaseURL           string `yaml:"base_url"`
	WebsocketURL      string `yaml:"websocket_url"`
	RecvWindowMS      int64  `yaml:"recv_window_ms"`
	RequestIntervalMS int64  `yaml:"request_interval_ms"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// ScannerConfig contains scan cycle parameters
type ScannerConfig struct {
	RefreshIntervalMinutes int     `yaml:"refresh_interval_minutes"`
	UniverseTTLHours       int     `yaml:"universe_ttl_hours"`
	UniverseMaxSize        int     `yaml:"universe_max_size"`
	HistoryMinutes         int     `yaml:"history_minutes"`
	Concurrency            int     `yaml:"concurrency"`
	DepthLimit             int     `yaml:"depth_limit"`
	LiquidityTargetQuote   float64 `yaml:"liquidity_target_quote"`
	PrintTables            bool    `yaml:"print_tables"`
}

// TradingConfig contains position management parameters
type TradingConfig struct {
	Leverage     int     `yaml:"leverage"`
	MaxPositions int     `yaml:"max_positions"`
	KslBuffer    float64 `yaml:"ksl_buffer"`

	// MaxDrawdownPct blocks new entries once the wallet has fallen this
	// far (percent) from its session high-water mark. Zero disables.
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	// MinFreeMarginRatio blocks new entries when available/wallet drops
	// below this fraction. Zero disables.
	MinFreeMarginRatio float64 `yaml:"min_free_margin_ratio"`
}

// NotifierConfig contains outbound notification settings
type NotifierConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// ServerConfig contains the HTTP API settings
type ServerConfig struct {
	Port int `yaml:"port"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order. An empty filename skips the file.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides configuration with well known environment variables.
// Unset or unparseable values leave the current setting untouched.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = Secret(v)
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.SecretKey = Secret(v)
	}
	if v, ok := envInt64("RECV_WINDOW"); ok {
		c.Exchange.RecvWindowMS = v
	}
	if v, ok := envInt("LEVERAGE"); ok {
		c.Trading.Leverage = v
	}
	if v, ok := envInt("REFRESH_INTERVAL_MINUTES"); ok {
		c.Scanner.RefreshIntervalMinutes = v
	}
	if v, ok := envFloat("KSL_BUFFER"); ok {
		c.Trading.KslBuffer = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notifier.TelegramBotToken = Secret(v)
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notifier.TelegramChatID = v
	}
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
}

// TradingEnabled reports whether API credentials are present. Without them
// the scanner runs in observe-only mode and every order path is a no-op.
func (c *Config) TradingEnabled() bool {
	return c.Exchange.APIKey.IsSet() && c.Exchange.SecretKey.IsSet()
}

// Validate performs comprehensive validation of the configuration.
// Out-of-range tuning values are clamped rather than rejected.
func (c *Config) Validate() error {
	var errors []string

	c.normalize()

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateScanner(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateServer(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) normalize() {
	if c.Trading.Leverage < 1 {
		c.Trading.Leverage = 1
	}
	if c.Trading.KslBuffer < 0.5 {
		c.Trading.KslBuffer = 0.5
	}
	if c.Trading.KslBuffer > 2 {
		c.Trading.KslBuffer = 2
	}
	if c.Trading.MaxDrawdownPct < 0 {
		c.Trading.MaxDrawdownPct = 0
	}
	if c.Trading.MaxDrawdownPct > 100 {
		c.Trading.MaxDrawdownPct = 100
	}
	if c.Trading.MinFreeMarginRatio < 0 {
		c.Trading.MinFreeMarginRatio = 0
	}
	if c.Trading.MinFreeMarginRatio > 1 {
		c.Trading.MinFreeMarginRatio = 1
	}
	c.System.LogLevel = strings.ToUpper(c.System.LogLevel)
}

func (c *Config) validateExchange() error {
	if c.Exchange.BaseURL == "" {
		return ValidationError{
			Field:   "exchange.base_url",
			Message: "base URL is required",
		}
	}
	if c.Exchange.RecvWindowMS <= 0 {
		return ValidationError{
			Field:   "exchange.recv_window_ms",
			Value:   c.Exchange.RecvWindowMS,
			Message: "receive window must be positive",
		}
	}
	if c.Exchange.RequestIntervalMS <= 0 {
		return ValidationError{
			Field:   "exchange.request_interval_ms",
			Value:   c.Exchange.RequestIntervalMS,
			Message: "request interval must be positive",
		}
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "exchange.timeout_seconds",
			Value:   c.Exchange.TimeoutSeconds,
			Message: "timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateScanner() error {
	if c.Scanner.RefreshIntervalMinutes < 1 {
		return ValidationError{
			Field:   "scanner.refresh_interval_minutes",
			Value:   c.Scanner.RefreshIntervalMinutes,
			Message: "refresh interval must be at least one minute",
		}
	}
	if c.Scanner.UniverseTTLHours < 1 {
		return ValidationError{
			Field:   "scanner.universe_ttl_hours",
			Value:   c.Scanner.UniverseTTLHours,
			Message: "universe TTL must be at least one hour",
		}
	}
	if c.Scanner.UniverseMaxSize < 1 {
		return ValidationError{
			Field:   "scanner.universe_max_size",
			Value:   c.Scanner.UniverseMaxSize,
			Message: "universe size must be positive",
		}
	}
	if c.Scanner.HistoryMinutes < 120 {
		return ValidationError{
			Field:   "scanner.history_minutes",
			Value:   c.Scanner.HistoryMinutes,
			Message: "history must cover at least two hours of candles",
		}
	}
	if c.Scanner.Concurrency < 1 {
		return ValidationError{
			Field:   "scanner.concurrency",
			Value:   c.Scanner.Concurrency,
			Message: "concurrency must be positive",
		}
	}
	if c.Scanner.DepthLimit < 5 {
		return ValidationError{
			Field:   "scanner.depth_limit",
			Value:   c.Scanner.DepthLimit,
			Message: "depth limit too small to probe liquidity",
		}
	}
	if c.Scanner.LiquidityTargetQuote <= 0 {
		return ValidationError{
			Field:   "scanner.liquidity_target_quote",
			Value:   c.Scanner.LiquidityTargetQuote,
			Message: "liquidity target must be positive",
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.MaxPositions < 1 {
		return ValidationError{
			Field:   "trading.max_positions",
			Value:   c.Trading.MaxPositions,
			Message: "at least one position slot required",
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "port must be between 1 and 65535",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, c.System.LogLevel) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration. Secret fields
// redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:           "https://fapi.binance.com",
			WebsocketURL:      "wss://fstream.binance.com",
			RecvWindowMS:      5000,
			RequestIntervalMS: 150,
			TimeoutSeconds:    15,
		},
		Scanner: ScannerConfig{
			RefreshIntervalMinutes: 10,
			UniverseTTLHours:       12,
			UniverseMaxSize:        80,
			HistoryMinutes:         1440,
			Concurrency:            8,
			DepthLimit:             200,
			LiquidityTargetQuote:   10000,
			PrintTables:            true,
		},
		Trading: TradingConfig{
			Leverage:           5,
			MaxPositions:       5,
			KslBuffer:          1.0,
			MaxDrawdownPct:     20,
			MinFreeMarginRatio: 0.05,
		},
		Server: ServerConfig{
			Port: 3000,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
	}
}
