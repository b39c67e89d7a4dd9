// Package config loads rivetgate settings: built-in defaults, then an optional
// YAML file named by RIVETGATE_CONFIG, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MaxSessionAge is the longest session lifetime the server will issue
const MaxSessionAge = 24 * time.Hour

// Config is the full service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Notabot NotabotConfig `yaml:"notabot"`
	Redis   RedisConfig   `yaml:"redis"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Domain is the exact hostname delegation certificates and cookies are scoped to
	Domain        string `yaml:"domain"`
	TLS           bool   `yaml:"tls"`
	MetricsListen string `yaml:"metrics_listen"`
}

// AuthConfig holds key exchange and session settings
type AuthConfig struct {
	// ServerKey is the hex secp256k1 key the server proves its identity with
	ServerKey     string        `yaml:"server_key"`
	SessionSecret string        `yaml:"session_secret"`
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	// BearerMaxAge bounds the age of bot assertions, 0 disables the check
	BearerMaxAge time.Duration `yaml:"bearer_max_age"`
	Services     []string      `yaml:"services"`
}

// LedgerConfig selects and tunes the ledger. An empty RPCURL runs on the in-memory ledger.
type LedgerConfig struct {
	RPCURL             string        `yaml:"rpc_url"`
	ChainID            int64         `yaml:"chain_id"`
	MembershipContract string        `yaml:"membership_contract"`
	NotabotContract    string        `yaml:"notabot_contract"`
	Sponsor            string        `yaml:"sponsor"`
	Timeout            time.Duration `yaml:"timeout"`
	ReceiptTimeout     time.Duration `yaml:"receipt_timeout"`
}

// NotabotConfig holds the anti-automation funding limits
type NotabotConfig struct {
	// FundingAmount is a decimal amount of ether
	FundingAmount     string        `yaml:"funding_amount"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxFundingsPerDay float64       `yaml:"max_fundings_per_day"`
	TipMultiplier     int64         `yaml:"tip_multiplier"`
}

// RedisConfig enables the shared store when URL is set
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EventsConfig holds domain event settings
type EventsConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			MetricsListen: ":9090",
		},
		Auth: AuthConfig{
			SessionMaxAge: MaxSessionAge,
			BearerMaxAge:  5 * time.Minute,
			Services:      []string{"whitelist", "notabot", "rivet"},
		},
		Ledger: LedgerConfig{
			ChainID:        1337,
			Timeout:        10 * time.Second,
			ReceiptTimeout: 2 * time.Minute,
		},
		Notabot: NotabotConfig{
			FundingAmount:     "0.001",
			Cooldown:          time.Hour,
			MaxFundingsPerDay: 30,
			TipMultiplier:     2,
		},
		Events: EventsConfig{
			TopicPrefix: "rivetgate.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, RIVETGATE_CONFIG and the environment
func Load() (*Config, error) {
	loadDotEnv()

	cfg := Default()
	if path := os.Getenv("RIVETGATE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already set in the process environment
func loadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", name, err)
		}
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("RIVETGATE_LISTEN", &c.Server.Listen)
	str("RIVETGATE_DOMAIN", &c.Server.Domain)
	str("RIVETGATE_METRICS_LISTEN", &c.Server.MetricsListen)
	if v, ok := os.LookupEnv("RIVETGATE_TLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RIVETGATE_TLS: %w", err))
		}
		c.Server.TLS = b
	}

	str("RIVETGATE_SERVER_KEY", &c.Auth.ServerKey)
	str("RIVETGATE_SESSION_SECRET", &c.Auth.SessionSecret)
	dur("RIVETGATE_SESSION_MAX_AGE", &c.Auth.SessionMaxAge)
	dur("RIVETGATE_BEARER_MAX_AGE", &c.Auth.BearerMaxAge)
	if v, ok := os.LookupEnv("RIVETGATE_SERVICES"); ok {
		c.Auth.Services = splitList(v)
	}

	str("RIVETGATE_RPC_URL", &c.Ledger.RPCURL)
	str("RIVETGATE_MEMBERSHIP_CONTRACT", &c.Ledger.MembershipContract)
	str("RIVETGATE_NOTABOT_CONTRACT", &c.Ledger.NotabotContract)
	str("RIVETGATE_SPONSOR", &c.Ledger.Sponsor)
	dur("RIVETGATE_LEDGER_TIMEOUT", &c.Ledger.Timeout)
	dur("RIVETGATE_RECEIPT_TIMEOUT", &c.Ledger.ReceiptTimeout)
	if v, ok := os.LookupEnv("RIVETGATE_CHAIN_ID"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RIVETGATE_CHAIN_ID: %w", err))
		}
		c.Ledger.ChainID = n
	}

	str("RIVETGATE_FUNDING_AMOUNT", &c.Notabot.FundingAmount)
	dur("RIVETGATE_FUNDING_COOLDOWN", &c.Notabot.Cooldown)
	if v, ok := os.LookupEnv("RIVETGATE_MAX_FUNDINGS_PER_DAY"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RIVETGATE_MAX_FUNDINGS_PER_DAY: %w", err))
		}
		c.Notabot.MaxFundingsPerDay = f
	}
	if v, ok := os.LookupEnv("RIVETGATE_TIP_MULTIPLIER"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RIVETGATE_TIP_MULTIPLIER: %w", err))
		}
		c.Notabot.TipMultiplier = n
	}

	str("RIVETGATE_REDIS_URL", &c.Redis.URL)
	str("RIVETGATE_TOPIC_PREFIX", &c.Events.TopicPrefix)
	str("RIVETGATE_LOG_LEVEL", &c.Log.Level)
	str("RIVETGATE_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Domain == "" {
		errs = append(errs, errors.New("server domain is required"))
	} else if strings.ContainsAny(c.Server.Domain, "/: ") {
		errs = append(errs, errors.New("server domain must be a bare hostname"))
	}
	if c.Auth.ServerKey == "" {
		errs = append(errs, errors.New("server key is required"))
	}
	if len(c.Auth.SessionSecret) < 32 {
		errs = append(errs, errors.New("session secret must be at least 32 bytes"))
	}
	if c.Auth.SessionMaxAge <= 0 || c.Auth.SessionMaxAge > MaxSessionAge {
		errs = append(errs, fmt.Errorf("session max age must be within (0, %s]", MaxSessionAge))
	}
	if c.Auth.BearerMaxAge < 0 {
		errs = append(errs, errors.New("bearer max age must not be negative"))
	}

	if c.Ledger.RPCURL != "" {
		if !common.IsHexAddress(c.Ledger.MembershipContract) {
			errs = append(errs, errors.New("membership contract address is required with an rpc url"))
		}
		if !common.IsHexAddress(c.Ledger.NotabotContract) {
			errs = append(errs, errors.New("notabot contract address is required with an rpc url"))
		}
	}
	if c.Ledger.Timeout <= 0 || c.Ledger.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("ledger timeouts must be positive"))
	}

	if amount, err := c.FundingAmount(); err != nil {
		errs = append(errs, err)
	} else if !amount.IsPositive() {
		errs = append(errs, errors.New("funding amount must be positive"))
	}
	if c.Notabot.Cooldown <= 0 || c.Notabot.MaxFundingsPerDay <= 0 || c.Notabot.TipMultiplier < 1 {
		errs = append(errs, errors.New("notabot limits must be positive"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// FundingAmount parses the configured funding amount in ether
func (c *Config) FundingAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(c.Notabot.FundingAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid funding amount %q: %w", c.Notabot.FundingAmount, err)
	}
	return amount, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
