package config

// Package config provides a reusable loader for the mesh runtime's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"synapticmesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config is the unified configuration for a mesh node. Every option named
// in the control surface's configuration table is a field here.
type Config struct {
	Agents struct {
		MaxAgents            int           `mapstructure:"max_agents" json:"max_agents"`
		MemoryLimitPerAgent  uint64        `mapstructure:"memory_limit_per_agent" json:"memory_limit_per_agent"`
		InferenceTimeout     time.Duration `mapstructure:"inference_timeout" json:"inference_timeout"`
		SpawnTimeout         time.Duration `mapstructure:"spawn_timeout" json:"spawn_timeout"`
		SIMDEnabled          bool          `mapstructure:"simd_enabled" json:"simd_enabled"`
		CrossLearningEnabled bool          `mapstructure:"cross_learning_enabled" json:"cross_learning_enabled"`
	} `mapstructure:"agents" json:"agents"`

	Persistence struct {
		Enabled            bool   `mapstructure:"persistence_enabled" json:"persistence_enabled"`
		PerformanceMonitor bool   `mapstructure:"performance_monitoring" json:"performance_monitoring"`
		Path               string `mapstructure:"path" json:"path"`
	} `mapstructure:"persistence" json:"persistence"`

	Network struct {
		EnableP2P          bool          `mapstructure:"enable_p2p" json:"enable_p2p"`
		MaxNetworkNodes    int           `mapstructure:"max_network_nodes" json:"max_network_nodes"`
		NetworkTimeout     time.Duration `mapstructure:"network_timeout" json:"network_timeout"`
		HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
		MonitoringInterval time.Duration `mapstructure:"monitoring_interval" json:"monitoring_interval"`
		StaleThreshold     time.Duration `mapstructure:"stale_threshold" json:"stale_threshold"`
		ListenAddr         string        `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers     []string      `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		TopologyAlgorithm  string        `mapstructure:"topology_algorithm" json:"topology_algorithm"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		Enabled                 bool          `mapstructure:"enable_consensus" json:"enable_consensus"`
		BlockTime               time.Duration `mapstructure:"block_time" json:"block_time"`
		ConsensusTimeout        time.Duration `mapstructure:"consensus_timeout" json:"consensus_timeout"`
		ByzantineFaultTolerance float64       `mapstructure:"byzantine_fault_tolerance" json:"byzantine_fault_tolerance"`
		ValidatorNodes          []string      `mapstructure:"validator_nodes" json:"validator_nodes"`
		MaxBlockSizeBytes       int           `mapstructure:"max_block_size_bytes" json:"max_block_size_bytes"`
	} `mapstructure:"consensus" json:"consensus"`

	Backend struct {
		RemoteTarget string        `mapstructure:"remote_target" json:"remote_target"`
		CallTimeout  time.Duration `mapstructure:"call_timeout" json:"call_timeout"`
		Seed         int64         `mapstructure:"seed" json:"seed"`
	} `mapstructure:"backend" json:"backend"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("agents.max_agents", 64)
	viper.SetDefault("agents.memory_limit_per_agent", 16<<20)
	viper.SetDefault("agents.inference_timeout", 100*time.Millisecond)
	viper.SetDefault("agents.spawn_timeout", 12*time.Millisecond)
	viper.SetDefault("agents.simd_enabled", true)
	viper.SetDefault("agents.cross_learning_enabled", true)
	viper.SetDefault("persistence.persistence_enabled", false)
	viper.SetDefault("persistence.performance_monitoring", true)
	viper.SetDefault("network.enable_p2p", false)
	viper.SetDefault("network.max_network_nodes", 256)
	viper.SetDefault("network.network_timeout", 5*time.Second)
	viper.SetDefault("network.heartbeat_interval", 2*time.Second)
	viper.SetDefault("network.monitoring_interval", 5*time.Second)
	viper.SetDefault("network.stale_threshold", 15*time.Second)
	viper.SetDefault("network.topology_algorithm", "adaptive")
	viper.SetDefault("consensus.enable_consensus", false)
	viper.SetDefault("consensus.block_time", 2*time.Second)
	viper.SetDefault("consensus.consensus_timeout", 10*time.Second)
	viper.SetDefault("consensus.byzantine_fault_tolerance", 0.33)
	viper.SetDefault("consensus.max_block_size_bytes", 1<<20)
	viper.SetDefault("backend.call_timeout", 2*time.Second)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("metrics.http_addr", ":9090")
}

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	setDefaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // reads matching process environment variables; no .env file is loaded

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESH_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESH_ENV", ""))
}
