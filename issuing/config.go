package issuing

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CARDBRIDGE_HTTP_ADDR.
const EnvPrefix = "CARDBRIDGE"

const redacted = "REDACTED"

// Config is the configuration of the issuing application.
type Config struct {
	HTTPAddr   string           `mapstructure:"http_addr" yaml:"http_addr"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Issuer     IssuerConfig     `mapstructure:"issuer" yaml:"issuer"`
	Simulation SimulationConfig `mapstructure:"simulation" yaml:"simulation"`
	ThreeDS    ThreeDSConfig    `mapstructure:"threeds" yaml:"threeds"`
	// WithdrawalFee is charged on top of every withdrawal.
	WithdrawalFee string `mapstructure:"withdrawal_fee" yaml:"withdrawal_fee"`
}

type StoreConfig struct {
	// Backend is memory, postgres or sqlite.
	Backend string `mapstructure:"backend" yaml:"backend"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// IssuerConfig holds the live network credentials. An empty APIKey selects the
// simulated network.
type IssuerConfig struct {
	APIURL         string        `mapstructure:"api_url" yaml:"api_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	PrivateKey     string        `mapstructure:"private_key" yaml:"private_key"`
	PrivateKeyFile string        `mapstructure:"private_key_file" yaml:"private_key_file,omitempty"`
	PublicKey      string        `mapstructure:"public_key" yaml:"public_key"`
	PublicKeyFile  string        `mapstructure:"public_key_file" yaml:"public_key_file,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SimulationConfig struct {
	Latency         time.Duration `mapstructure:"latency" yaml:"latency"`
	MerchantBalance string        `mapstructure:"merchant_balance" yaml:"merchant_balance"`
	BINs            []string      `mapstructure:"bins" yaml:"bins"`
	// EmitWebhooks delivers simulated events to the in-process webhook pipeline.
	EmitWebhooks bool `mapstructure:"emit_webhooks" yaml:"emit_webhooks"`
}

type ThreeDSConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

func DefaultConfig() *Config {
	sim := issuerapi.DefaultSimulationConfig()
	return &Config{
		HTTPAddr: "localhost:8080",
		Store: StoreConfig{
			Backend: ledger.BackendMemory,
		},
		Issuer: IssuerConfig{
			Timeout: 30 * time.Second,
		},
		Simulation: SimulationConfig{
			Latency:         sim.Latency,
			MerchantBalance: sim.MerchantBalance.StringFixed(2),
			BINs:            append([]string(nil), sim.BINs...),
			EmitWebhooks:    true,
		},
		ThreeDS: ThreeDSConfig{
			TTL: 5 * time.Minute,
		},
		WithdrawalFee: "2.00",
	}
}

// LoadConfig reads defaults, then the YAML file at path when path is not empty,
// then environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The issuer credentials are also accepted under their conventional names.
	for key, env := range map[string]string{
		"issuer.api_url":          "ISSUER_API_URL",
		"issuer.api_key":          "ISSUER_API_KEY",
		"issuer.private_key":      "ISSUER_PRIVATE_KEY",
		"issuer.private_key_file": "ISSUER_PRIVATE_KEY_FILE",
		"issuer.public_key":       "ISSUER_PUBLIC_KEY",
		"issuer.public_key_file":  "ISSUER_PUBLIC_KEY_FILE",
	} {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.resolveKeyFiles(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("issuer.api_url", d.Issuer.APIURL)
	v.SetDefault("issuer.api_key", d.Issuer.APIKey)
	v.SetDefault("issuer.private_key", d.Issuer.PrivateKey)
	v.SetDefault("issuer.private_key_file", d.Issuer.PrivateKeyFile)
	v.SetDefault("issuer.public_key", d.Issuer.PublicKey)
	v.SetDefault("issuer.public_key_file", d.Issuer.PublicKeyFile)
	v.SetDefault("issuer.timeout", d.Issuer.Timeout)
	v.SetDefault("simulation.latency", d.Simulation.Latency)
	v.SetDefault("simulation.merchant_balance", d.Simulation.MerchantBalance)
	v.SetDefault("simulation.bins", d.Simulation.BINs)
	v.SetDefault("simulation.emit_webhooks", d.Simulation.EmitWebhooks)
	v.SetDefault("threeds.ttl", d.ThreeDS.TTL)
	v.SetDefault("withdrawal_fee", d.WithdrawalFee)
}

// resolveKeyFiles loads key material from *_file settings when the inline value is empty.
func (c *Config) resolveKeyFiles() error {
	load := func(inline *string, file string) error {
		if *inline != "" || file == "" {
			return nil
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading key file: %w", err)
		}
		*inline = string(b)
		return nil
	}
	if err := load(&c.Issuer.PrivateKey, c.Issuer.PrivateKeyFile); err != nil {
		return err
	}
	return load(&c.Issuer.PublicKey, c.Issuer.PublicKeyFile)
}

// Mode reports which issuer client the configuration selects.
func (c *Config) Mode() issuerapi.Mode {
	return issuerapi.SelectMode(issuerapi.Config{APIKey: c.Issuer.APIKey})
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "", ledger.BackendMemory:
	case ledger.BackendPostgres, ledger.BackendSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.backend %q", c.Store.Backend))
	}

	if c.Mode() == issuerapi.ModeReal {
		if c.Issuer.APIURL == "" {
			errs = append(errs, errors.New("issuer.api_url is required with an api key"))
		}
		if c.Issuer.PrivateKey == "" {
			errs = append(errs, errors.New("issuer.private_key is required with an api key"))
		}
		if c.Issuer.PublicKey == "" {
			errs = append(errs, errors.New("issuer.public_key is required to authenticate webhooks"))
		}
	}

	if _, err := c.merchantBalance(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.withdrawalFee(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) merchantBalance() (decimal.Decimal, error) {
	if c.Simulation.MerchantBalance == "" {
		return issuerapi.DefaultSimulationConfig().MerchantBalance, nil
	}
	d, err := decimal.NewFromString(c.Simulation.MerchantBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("simulation.merchant_balance: %w", err)
	}
	return d, nil
}

func (c *Config) withdrawalFee() (decimal.Decimal, error) {
	if c.WithdrawalFee == "" {
		return DefaultWithdrawalFee, nil
	}
	d, err := decimal.NewFromString(c.WithdrawalFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdrawal_fee: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("withdrawal_fee must not be negative")
	}
	return d, nil
}

// Redacted returns a copy safe to print: credentials and DSN passwords are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Simulation.BINs = append([]string(nil), c.Simulation.BINs...)

	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Issuer.APIKey = mask(c.Issuer.APIKey)
	out.Issuer.PrivateKey = mask(c.Issuer.PrivateKey)
	out.Store.DSN = redactDSN(c.Store.DSN)

	return &out
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			return u.String()
		}
		return dsn
	}

	// key=value form used by lib/pq
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=" + redacted
		}
	}
	return strings.Join(fields, " ")
}
