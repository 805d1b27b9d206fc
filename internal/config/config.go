// Package config handles fragd's static configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lowpan-fragd/internal/lowpan"
)

// NodeConfig holds this node's own 802.15.4 short address. Nothing else in
// this repository reads it; cmd/fragd uses fixed demo addresses.
type NodeConfig struct {
	ShortAddress uint64 `mapstructure:"short_address"`
}

// FragmentationConfig maps directly onto spec §6's five compile-time
// constants, loaded at startup instead of baked in.
type FragmentationConfig struct {
	QueueLength     int    `mapstructure:"queue_length"`
	MaxFragments    int    `mapstructure:"max_fragments"`
	MaxDatagramSize int    `mapstructure:"max_datagram_size"`
	TxMaxPackets    int    `mapstructure:"tx_max_packets"`
	Timeout         string `mapstructure:"timeout"`
}

// LogConfig configures the zerolog output (ambient stack, not spec scope).
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // console/json
}

// Config is fragd's top-level static configuration.
type Config struct {
	Node          NodeConfig          `mapstructure:"node"`
	Fragmentation FragmentationConfig `mapstructure:"fragmentation"`
	Log           LogConfig           `mapstructure:"log"`
}

type configRoot struct {
	Fragd Config `mapstructure:"fragd"`
}

// Load reads path (YAML), applies defaults and FRAGD_-prefixed environment
// overrides (e.g. FRAGD_LOG_LEVEL overrides fragd.log.level), and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg := root.Fragd

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fragd.fragmentation.queue_length", 8)
	v.SetDefault("fragd.fragmentation.max_fragments", 16)
	v.SetDefault("fragd.fragmentation.max_datagram_size", lowpan.MaxDatagramSize)
	v.SetDefault("fragd.fragmentation.tx_max_packets", 2)
	v.SetDefault("fragd.fragmentation.timeout", "60s")

	v.SetDefault("fragd.log.level", "info")
	v.SetDefault("fragd.log.format", "console")
}

func (cfg *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be console/json)", cfg.Log.Format)
	}
	if cfg.Fragmentation.QueueLength <= 0 {
		return fmt.Errorf("fragmentation.queue_length must be positive, got %d", cfg.Fragmentation.QueueLength)
	}
	if cfg.Fragmentation.MaxFragments <= 0 {
		return fmt.Errorf("fragmentation.max_fragments must be positive, got %d", cfg.Fragmentation.MaxFragments)
	}
	if cfg.Fragmentation.MaxDatagramSize <= 0 || cfg.Fragmentation.MaxDatagramSize > lowpan.MaxDatagramSize {
		return fmt.Errorf("fragmentation.max_datagram_size must be in (0, %d], got %d", lowpan.MaxDatagramSize, cfg.Fragmentation.MaxDatagramSize)
	}
	if cfg.Fragmentation.TxMaxPackets <= 0 {
		return fmt.Errorf("fragmentation.tx_max_packets must be positive, got %d", cfg.Fragmentation.TxMaxPackets)
	}
	if _, err := time.ParseDuration(cfg.Fragmentation.Timeout); err != nil {
		return fmt.Errorf("fragmentation.timeout: %w", err)
	}
	return nil
}

// ToLowpanConfig converts the loaded configuration into lowpan.Config,
// parsing the timeout duration validate has already checked.
func (cfg *Config) ToLowpanConfig() lowpan.Config {
	timeout, _ := time.ParseDuration(cfg.Fragmentation.Timeout)
	return lowpan.Config{
		FragQLength:     cfg.Fragmentation.QueueLength,
		MaxFragments:    cfg.Fragmentation.MaxFragments,
		MaxSize:         cfg.Fragmentation.MaxDatagramSize,
		TxMaxPackets:    cfg.Fragmentation.TxMaxPackets,
		FragmentTimeout: timeout,
	}
}
