package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"okx-driver/internal/core"
)

type Mode string

type InstrumentType string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	InstrumentSpot InstrumentType = "spot"
	InstrumentSwap InstrumentType = "swap"
)

type Config struct {
	Mode           Mode                `yaml:"mode"`
	InstanceID     string              `yaml:"instance_id"`
	InstrumentType InstrumentType      `yaml:"instrument_type"`
	Pairs          []PairConfig        `yaml:"pairs"`
	Exchange       ExchangeConfig      `yaml:"exchange"`
	Probe          ProbeConfig         `yaml:"probe"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

type PairConfig struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

type ExchangeConfig struct {
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	Passphrase         string `yaml:"passphrase"`
	RestBaseURL        string `yaml:"rest_base_url"`
	WSPrivateURL       string `yaml:"ws_private_url"`
	HTTPTimeoutSec     int64  `yaml:"http_timeout_sec"`
	StreamKeepaliveSec int64  `yaml:"stream_keepalive_sec"`
	RequestTimeoutSec  int64  `yaml:"request_timeout_sec"`
}

// ProbeConfig sizes the throwaway order used by the okxcheck lifecycle check.
type ProbeConfig struct {
	Qty   Decimal `yaml:"qty"`
	Price Decimal `yaml:"price"`
}

type ObservabilityConfig struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// Load reads a single-document YAML config, applies .env / environment
// credential overrides, fills defaults and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets credentials live outside the config file. A .env file in the
// working directory is loaded first; already-set variables win.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv("OKX_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("OKX_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("OKX_API_PASSPHRASE"); v != "" {
		c.Exchange.Passphrase = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.InstrumentType = InstrumentType(strings.ToLower(strings.TrimSpace(string(c.InstrumentType))))
	for i := range c.Pairs {
		c.Pairs[i].Base = strings.ToUpper(strings.TrimSpace(c.Pairs[i].Base))
		c.Pairs[i].Quote = strings.ToUpper(strings.TrimSpace(c.Pairs[i].Quote))
	}
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.Passphrase = strings.TrimSpace(c.Exchange.Passphrase)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSPrivateURL = strings.TrimSpace(c.Exchange.WSPrivateURL)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.InstrumentType == "" {
		c.InstrumentType = InstrumentSpot
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.StreamKeepaliveSec == 0 {
		c.Exchange.StreamKeepaliveSec = 20
	}
	if c.Exchange.RequestTimeoutSec == 0 {
		c.Exchange.RequestTimeoutSec = 10
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://www.okx.com"
	}
	if c.Exchange.WSPrivateURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSPrivateURL = "wss://wspap.okx.com:8443/ws/v5/private"
		default:
			c.Exchange.WSPrivateURL = "wss://ws.okx.com:8443/ws/v5/private"
		}
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "json"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	switch c.InstrumentType {
	case InstrumentSpot, InstrumentSwap:
	default:
		return fmt.Errorf("instrument_type must be spot or swap")
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	for _, p := range c.Pairs {
		if p.Base == "" || p.Quote == "" {
			return fmt.Errorf("pair base and quote are required")
		}
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" || c.Exchange.Passphrase == "" {
		return fmt.Errorf("exchange api_key/api_secret/passphrase are required for %s mode", c.Mode)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.StreamKeepaliveSec < 1 || c.Exchange.StreamKeepaliveSec > 300 {
		return fmt.Errorf("exchange stream_keepalive_sec must be between 1 and 300")
	}
	if c.Exchange.RequestTimeoutSec < 1 || c.Exchange.RequestTimeoutSec > 120 {
		return fmt.Errorf("exchange request_timeout_sec must be between 1 and 120")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSPrivateURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_private_url %v", err)
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// Kind returns the internal instrument kind the driver instance operates in.
func (c Config) Kind() core.InstrumentKind {
	if c.InstrumentType == InstrumentSwap {
		return core.FuturePerpetual
	}
	return core.Spot
}

// CorePairs converts the configured pairs into the internal representation.
func (c Config) CorePairs() []core.Pair {
	kind := c.Kind()
	pairs := make([]core.Pair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		pairs = append(pairs, core.Pair{
			Base:  core.Asset(p.Base),
			Quote: core.Asset(p.Quote),
			Kind:  kind,
		})
	}
	return pairs
}

// UseTestnet reports whether requests must carry the simulated-trading
// marker and demo broker id.
func (c Config) UseTestnet() bool {
	return c.Mode == ModeTestnet
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
