// Package config loads node settings from an optional YAML file and QUORUM_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/amirimatin/go-quorum/pkg/bootstrap"
)

// EnvPrefix prefixes every environment override, e.g. QUORUM_STORE_KIND.
const EnvPrefix = "QUORUM"

// Config mirrors the YAML layout.
type Config struct {
	NodeID      string            `mapstructure:"node_id"`
	Store       StoreConfig       `mapstructure:"store"`
	Mgmt        MgmtConfig        `mapstructure:"mgmt"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     bool              `mapstructure:"tracing"`
}

type StoreConfig struct {
	Kind    string      `mapstructure:"kind"`
	DataDir string      `mapstructure:"data_dir"`
	Redis   RedisConfig `mapstructure:"redis"`
	Raft    RaftConfig  `mapstructure:"raft"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type RaftConfig struct {
	Bind      string `mapstructure:"bind"`
	Bootstrap bool   `mapstructure:"bootstrap"`
	Join      string `mapstructure:"join"`
}

type MgmtConfig struct {
	Addr  string `mapstructure:"addr"`
	Proto string `mapstructure:"proto"`
}

type GossipConfig struct {
	Bind      string   `mapstructure:"bind"`
	Advertise string   `mapstructure:"advertise"`
	Seeds     []string `mapstructure:"seeds"`
	Cluster   string   `mapstructure:"cluster"`
	Member    string   `mapstructure:"member"`
}

type CoordinatorConfig struct {
	ConflictRetries uint          `mapstructure:"conflict_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Store:       StoreConfig{Kind: bootstrap.StoreMemory, Redis: RedisConfig{Prefix: "quorum"}},
		Mgmt:        MgmtConfig{Addr: ":17946", Proto: bootstrap.ProtoHTTP},
		Coordinator: CoordinatorConfig{ConflictRetries: 3, RetryDelay: 10 * time.Millisecond},
		Log:         LogConfig{Level: "info"},
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("store.raft.bind", d.Store.Raft.Bind)
	v.SetDefault("store.raft.bootstrap", d.Store.Raft.Bootstrap)
	v.SetDefault("store.raft.join", d.Store.Raft.Join)
	v.SetDefault("mgmt.addr", d.Mgmt.Addr)
	v.SetDefault("mgmt.proto", d.Mgmt.Proto)
	v.SetDefault("gossip.bind", d.Gossip.Bind)
	v.SetDefault("gossip.advertise", d.Gossip.Advertise)
	v.SetDefault("gossip.seeds", d.Gossip.Seeds)
	v.SetDefault("gossip.cluster", d.Gossip.Cluster)
	v.SetDefault("gossip.member", d.Gossip.Member)
	v.SetDefault("coordinator.conflict_retries", d.Coordinator.ConflictRetries)
	v.SetDefault("coordinator.retry_delay", d.Coordinator.RetryDelay)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("tracing", d.Tracing)
}

// Load reads path when non-empty, otherwise an optional quorum.yaml in the
// working directory or /etc/quorum. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quorum")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/quorum")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the node would reject later.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if err := c.Bootstrap(nil).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Bootstrap converts the settings into a bootstrap.Config.
func (c *Config) Bootstrap(logger *log.Logger) bootstrap.Config {
	return bootstrap.Config{
		NodeID:          c.NodeID,
		Store:           c.Store.Kind,
		DataDir:         c.Store.DataDir,
		RedisAddr:       c.Store.Redis.Addr,
		RedisPrefix:     c.Store.Redis.Prefix,
		RaftBind:        c.Store.Raft.Bind,
		Bootstrap:       c.Store.Raft.Bootstrap,
		RaftJoin:        c.Store.Raft.Join,
		MgmtAddr:        c.Mgmt.Addr,
		MgmtProto:       c.Mgmt.Proto,
		GossipBind:      c.Gossip.Bind,
		GossipAdvertise: c.Gossip.Advertise,
		GossipSeeds:     c.Gossip.Seeds,
		GossipCluster:   c.Gossip.Cluster,
		GossipMember:    c.Gossip.Member,
		ConflictRetries: c.Coordinator.ConflictRetries,
		RetryDelay:      c.Coordinator.RetryDelay,
		Tracing:         c.Tracing,
		Logger:          logger,
	}
}
