// Package config loads the YAML files for the coordinator and agent
// processes.
package config

import (
	"time"

	"github.com/caffeineduck/twedge/bridge"
)

// LogSection selects the process logger.
type LogSection struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" (production) or "console" (development).
	Format string `yaml:"format"`
}

// BridgeSection selects the message bridge.
type BridgeSection struct {
	// Kind is "memory" or "mqtt".
	Kind string `yaml:"kind"`
	// Loopback routes publishes back to subscribers on the memory bridge.
	Loopback bool              `yaml:"loopback"`
	MQTT     bridge.MQTTConfig `yaml:"mqtt"`
}

// ProcessSection is an agent process launched by the coordinator.
type ProcessSection struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// CoordinatorConfig is the coordinator configuration file.
type CoordinatorConfig struct {
	Version int `yaml:"version,omitempty"`

	// Listen is the IPC address agents dial, "unix:<path>" or "tcp:<addr>".
	Listen string `yaml:"listen"`
	// StatusAddr serves the HTTP status API when set.
	StatusAddr      string        `yaml:"status_addr"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`

	Log    LogSection       `yaml:"log"`
	Bridge BridgeSection    `yaml:"bridge"`
	Agents []ProcessSection `yaml:"agents"`
}

// SensorSection exposes a host file as a read-only sampled device. Each
// sample re-reads Source.
type SensorSection struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
	// ResetBeforeLast selects the legacy auto-reset boundary.
	ResetBeforeLast bool `yaml:"reset_before_last"`
}

// AgentConfig is the agent configuration file.
type AgentConfig struct {
	Version int `yaml:"version,omitempty"`

	Name        string `yaml:"name"`
	Coordinator string `yaml:"coordinator"`
	Firmware    string `yaml:"firmware"`

	// PublicKeys are paths to trusted ed25519 public keys.
	PublicKeys         []string `yaml:"public_keys"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`

	Subscriptions []string        `yaml:"subscriptions"`
	Mounts        []string        `yaml:"mounts"`
	Sensors       []SensorSection `yaml:"sensors"`

	CacheDir         string        `yaml:"cache_dir"`
	Interpreter      bool          `yaml:"interpreter"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	MaxTransfer      uint32        `yaml:"max_transfer"`
	MaxOpenHandles   int           `yaml:"max_open_handles"`

	Log LogSection `yaml:"log"`
}
