// Package config loads the ferod daemon configuration from flags,
// environment variables, and an optional config file, layered the way
// cmd/quantum-node bound its cobra flags through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr  string        `mapstructure:"listen_addr"`
	AdminAddr   string        `mapstructure:"admin_addr"`
	DataDir     string        `mapstructure:"data_dir"`
	DBPath      string        `mapstructure:"db_path"`
	LedgerPath  string        `mapstructure:"ledger_path"`
	HSM         HSMConfig     `mapstructure:"hsm"`
	HSMTimeout  time.Duration `mapstructure:"hsm_timeout"`
}

// HSMConfig selects and parameterizes the HSM Gateway transport.
type HSMConfig struct {
	Provider string `mapstructure:"provider"` // "sim" or "pkcs11"
	Module   string `mapstructure:"module"`   // PKCS#11 shared object path
	Slot     uint   `mapstructure:"slot"`
	Handle   string `mapstructure:"handle"` // application credential handle/label
	Pin      string `mapstructure:"pin"`
}

// Load reads configuration from the given file path (if non-empty),
// environment variables prefixed FERO_, and returns sane defaults for
// anything left unset. It mirrors the precedence cmd/quantum-node
// established via viper.BindPFlags: explicit flags win, then file,
// then defaults.
func Load(configFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("fero")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":4433")
	v.SetDefault("admin_addr", ":4434")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "./data/fero.db")
	v.SetDefault("ledger_path", "./data/audit-ledger")
	v.SetDefault("hsm_timeout", 5*time.Second)
	v.SetDefault("hsm.provider", "sim")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	for key, val := range overrides {
		if val != nil {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.HSM.Provider {
	case "sim", "pkcs11":
	default:
		return fmt.Errorf("unknown hsm provider %q", c.HSM.Provider)
	}
	if c.HSM.Provider == "pkcs11" && c.HSM.Module == "" {
		return fmt.Errorf("hsm.module is required for the pkcs11 provider")
	}
	return nil
}
