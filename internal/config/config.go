// Package config defines all configuration for the arbitrage engine.
// Config is loaded from an optional .env file merged with process
// environment variables; the environment always wins. The same file is the
// target of the control-plane credential update endpoint (see envfile.go).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// DefaultCurrencies is used when ARBY_CURRENCIES is not set.
var DefaultCurrencies = []string{"ETH", "BTC", "XLM", "XRP", "ADA"}

// Config is the top-level configuration assembled from the environment.
type Config struct {
	DryRun bool

	// MinProfit is the floor on net profit after fees, as a fraction
	// (0.001 = 0.1%). The scanner derives its per-route threshold from it.
	MinProfit decimal.Decimal

	// Currencies is the selected currency universe, uppercased, in the
	// order given. Roles are derived later from discovered venue pairs.
	Currencies []string

	// CurrencyBases is an optional per-trade base whitelist: markets for a
	// trade currency with an entry here are restricted to the listed bases.
	CurrencyBases map[string][]string

	Binance BinanceConfig
	Kraken  KrakenConfig
	DB      DBConfig
	API     APIConfig
	Logging LoggingConfig

	// EnvFile is the path the config was loaded from; credential updates
	// through the control plane are written back to it.
	EnvFile string
}

// BinanceConfig holds Binance REST credentials and endpoint.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// KrakenConfig holds Kraken REST credentials.
type KrakenConfig struct {
	APIKey    string
	APISecret string
}

// DBConfig holds Postgres connection parameters. An empty Host disables
// persistence entirely; the engine then runs with a nil-safe store.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// Enabled reports whether a database connection should be opened.
func (d DBConfig) Enabled() bool { return d.Host != "" }

// DSN builds the lib/pq connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// APIConfig controls the control-plane HTTP server. Port 0 disables it.
type APIConfig struct {
	Port int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from an env file (missing file is fine) merged
// with the process environment. Path "" defaults to ".env".
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("BINANCE_API_BASE_URL", "https://api.binance.com")
	v.SetDefault("ARBY_CURRENCIES", strings.Join(DefaultCurrencies, ","))
	v.SetDefault("ARBY_MIN_PROFIT", "0.001")
	v.SetDefault("ARBY_API_PORT", 8000)
	v.SetDefault("ARBY_LOG_LEVEL", "info")
	v.SetDefault("ARBY_LOG_FORMAT", "text")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "arby")
	v.SetDefault("DB_NAME", "arby")

	if err := v.ReadInConfig(); err != nil {
		// Environment-only operation must work without a file.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	minProfit, err := decimal.NewFromString(v.GetString("ARBY_MIN_PROFIT"))
	if err != nil {
		return nil, fmt.Errorf("parse ARBY_MIN_PROFIT: %w", err)
	}

	bases, err := ParseCurrencyBases(v.GetString("ARBY_CURRENCY_BASES"))
	if err != nil {
		return nil, fmt.Errorf("parse ARBY_CURRENCY_BASES: %w", err)
	}

	cfg := &Config{
		DryRun:        isTruthy(v.GetString("ARBY_DRY_RUN")),
		MinProfit:     minProfit,
		Currencies:    ParseCurrencies(v.GetString("ARBY_CURRENCIES")),
		CurrencyBases: bases,
		Binance: BinanceConfig{
			APIKey:    v.GetString("BINANCE_API_KEY"),
			APISecret: v.GetString("BINANCE_API_SECRET"),
			BaseURL:   v.GetString("BINANCE_API_BASE_URL"),
		},
		Kraken: KrakenConfig{
			APIKey:    v.GetString("KRAKEN_API_KEY"),
			APISecret: v.GetString("KRAKEN_API_SECRET"),
		},
		DB: DBConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
		},
		API: APIConfig{
			Port: v.GetInt("ARBY_API_PORT"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("ARBY_LOG_LEVEL"),
			Format: v.GetString("ARBY_LOG_FORMAT"),
		},
		EnvFile: path,
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.MinProfit.IsNegative() {
		return fmt.Errorf("ARBY_MIN_PROFIT must be >= 0, got %s", c.MinProfit)
	}
	if len(c.Currencies) < 2 {
		return fmt.Errorf("ARBY_CURRENCIES needs at least two currencies, got %d", len(c.Currencies))
	}
	selected := make(map[string]bool, len(c.Currencies))
	for _, cur := range c.Currencies {
		selected[cur] = true
	}
	for trade, bases := range c.CurrencyBases {
		if !selected[trade] {
			return fmt.Errorf("ARBY_CURRENCY_BASES references %s which is not in ARBY_CURRENCIES", trade)
		}
		for _, base := range bases {
			if !selected[base] {
				return fmt.Errorf("ARBY_CURRENCY_BASES references base %s which is not in ARBY_CURRENCIES", base)
			}
		}
	}
	if !c.DryRun {
		if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
			return fmt.Errorf("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		if c.Kraken.APIKey == "" || c.Kraken.APISecret == "" {
			return fmt.Errorf("live mode requires KRAKEN_API_KEY and KRAKEN_API_SECRET")
		}
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("ARBY_API_PORT out of range: %d", c.API.Port)
	}
	return nil
}

// ParseCurrencies splits a comma-separated currency list, uppercases each
// symbol, and drops duplicates while preserving order.
func ParseCurrencies(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(s, ",") {
		cur := strings.ToUpper(strings.TrimSpace(part))
		if cur == "" || seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
	}
	return out
}

// ParseCurrencyBases parses the "TRADE:BASE,BASE;TRADE:BASE" whitelist
// syntax. An empty string yields an empty map (no restriction).
func ParseCurrencyBases(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		trade, basesPart, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is missing ':'", entry)
		}
		trade = strings.ToUpper(strings.TrimSpace(trade))
		if trade == "" {
			return nil, fmt.Errorf("entry %q has an empty trade currency", entry)
		}
		var bases []string
		for _, b := range strings.Split(basesPart, ",") {
			base := strings.ToUpper(strings.TrimSpace(b))
			if base != "" {
				bases = append(bases, base)
			}
		}
		if len(bases) == 0 {
			return nil, fmt.Errorf("entry %q lists no bases", entry)
		}
		out[trade] = bases
	}
	return out, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// MaskSecret hides the middle of a credential for display: values of eight
// characters or fewer collapse to "****", longer ones keep the first and
// last four characters.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
