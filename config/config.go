// Package config loads stablepay settings from a YAML file with STABLEPAY_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/vitwit/stablepay/logger"
	"github.com/vitwit/stablepay/registry"
	"github.com/vitwit/stablepay/types"
)

// EnvPrefix prefixes every environment override, e.g. STABLEPAY_BACKEND_URL.
const EnvPrefix = "STABLEPAY"

type Config struct {
	Environment types.Environment      `mapstructure:"environment" validate:"oneof=testnet mainnet"`
	Backend     BackendConfig          `mapstructure:"backend"`
	Log         LogConfig              `mapstructure:"log"`
	Metrics     MetricsConfig          `mapstructure:"metrics"`
	Tracing     TracingConfig          `mapstructure:"tracing"`
	Escrow      EscrowConfig           `mapstructure:"escrow"`
	Rates       RatesConfig            `mapstructure:"rates"`
	Wallet      WalletConfig           `mapstructure:"wallet"`
	Chains      map[string]ChainConfig `mapstructure:"chains" validate:"dive"`
}

type BackendConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Service string `mapstructure:"service"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	// Endpoint is an OTLP gRPC collector; empty writes spans to stdout
	// when Stdout is set and disables tracing otherwise.
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	Stdout      bool   `mapstructure:"stdout"`
	ServiceName string `mapstructure:"service_name"`
}

type EscrowConfig struct {
	EVMApproval  types.ApprovalPolicy `mapstructure:"evm_approval" validate:"omitempty,oneof=check-allowance always"`
	TronApproval types.ApprovalPolicy `mapstructure:"tron_approval" validate:"omitempty,oneof=check-allowance always"`
}

type RatesConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	Fallback string        `mapstructure:"fallback" validate:"omitempty,amount"`
}

// FallbackRate parses Fallback, returning zero when unset.
func (r RatesConfig) FallbackRate() decimal.Decimal {
	d, err := decimal.NewFromString(r.Fallback)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WalletConfig holds the keys of the server-side wallets used by the CLI.
type WalletConfig struct {
	EVMPrivateKey    string  `mapstructure:"evm_private_key"`
	TronPrivateKey   string  `mapstructure:"tron_private_key"`
	SolanaPrivateKey string  `mapstructure:"solana_private_key"`
	// TronAPIURL defaults to the registry's Tron RPC URL.
	TronAPIURL       string  `mapstructure:"tron_api_url" validate:"omitempty,url"`
	TronAPIKey       string  `mapstructure:"tron_api_key"`
	RequestsPerSec   float64 `mapstructure:"requests_per_sec" validate:"gte=0"`
}

// ChainConfig overrides the built-in description of one chain.
type ChainConfig struct {
	Enabled        *bool  `mapstructure:"enabled"`
	RPCURL         string `mapstructure:"rpc_url" validate:"omitempty,url"`
	EscrowContract string `mapstructure:"escrow_contract"`
	Merchant       string `mapstructure:"merchant"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

func newViper(name string, paths []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", string(types.EnvTestnet))
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service", "stablepay")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.service_name", "stablepay")
	v.SetDefault("escrow.evm_approval", string(types.ApproveIfInsufficient))
	v.SetDefault("escrow.tron_approval", string(types.ApproveIfInsufficient))
	v.SetDefault("rates.interval", 60*time.Second)
	v.SetDefault("rates.fallback", "1420")
	v.SetDefault("wallet.requests_per_sec", 5)

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{"backend.url", "backend.api_key", "tracing.endpoint", "tracing.insecure", "tracing.stdout",
		"metrics.enabled", "wallet.evm_private_key", "wallet.tron_private_key", "wallet.solana_private_key", "wallet.tron_api_key", "wallet.tron_api_url"} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads config/{name}.yaml (or ./{name}.yaml). A missing file is not
// an error; settings then come from defaults and the environment.
func Load(name string, paths ...string) (*Config, error) {
	v := newViper(name, paths)
	if err := read(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadAndWatch is Load plus hot reload: onChange receives every valid
// configuration written to the file after the initial load. Invalid
// reloads are logged and dropped.
func LoadAndWatch(name string, log logger.Logger, onChange func(*Config), paths ...string) (*Config, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	v := newViper(name, paths)
	if err := read(v); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	log.Info("config loaded", map[string]any{"file": v.ConfigFileUsed()})

	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		next, err := decode(v)
		if err != nil {
			log.Warn("config reload rejected", map[string]any{"file": e.Name, "error": err})
			return
		}
		log.Info("config reloaded", map[string]any{"file": e.Name})
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, nil
}

func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return types.WrapError(types.ErrConfigError, fmt.Sprintf("read config: %v", err), err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.ErrConfigError, fmt.Sprintf("decode config: %v", err), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and chain keys.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return types.WrapError(types.ErrConfigError, fmt.Sprintf("invalid config: %v", err), err)
	}
	for key := range c.Chains {
		switch types.ChainKey(key) {
		case types.ChainEthereum, types.ChainBase, types.ChainArbitrum, types.ChainTron, types.ChainSolana:
		default:
			return types.NewError(types.ErrConfigError, fmt.Sprintf("invalid config: unknown chain %q", key))
		}
	}
	return nil
}

// RegistryOptions turns the chain overrides into registry options.
func (c *Config) RegistryOptions() []registry.Option {
	var opts []registry.Option
	for key, cc := range c.Chains {
		chain := types.ChainKey(key)
		if cc.Enabled != nil {
			opts = append(opts, registry.WithChainEnabled(chain, *cc.Enabled))
		}
		if cc.RPCURL != "" {
			opts = append(opts, registry.WithRPCURL(chain, cc.RPCURL))
		}
		if cc.EscrowContract != "" {
			opts = append(opts, registry.WithEscrowContract(chain, cc.EscrowContract))
		}
		if cc.Merchant != "" {
			opts = append(opts, registry.WithMerchantAddress(chain, cc.Merchant))
		}
	}
	return opts
}
