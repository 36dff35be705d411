package config

import (
	"errors"
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/twedge/device"
	"github.com/caffeineduck/twedge/topic"
	"github.com/caffeineduck/twedge/vfs"
)

// Validate checks a log section.
func (l LogSection) Validate() error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch l.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", l.Format)
	}
}

// Validate checks the coordinator configuration.
//
// Ensures:
//   - listen is set
//   - bridge.kind is memory or mqtt, and mqtt has a broker
//   - every agent process has a unique name and a command
func (c CoordinatorConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen must be set")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("delivery_timeout must be positive")
	}
	if c.GracePeriod < 0 {
		return errors.New("grace_period must not be negative")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	switch c.Bridge.Kind {
	case "memory":
	case "mqtt":
		if c.Bridge.MQTT.Broker == "" {
			return errors.New("bridge.mqtt.broker must be set")
		}
		if c.Bridge.MQTT.QoS > 2 {
			return fmt.Errorf("bridge.mqtt.qos must be 0, 1 or 2, got %d", c.Bridge.MQTT.QoS)
		}
	default:
		return fmt.Errorf("bridge.kind must be memory or mqtt, got %q", c.Bridge.Kind)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name must be set", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" {
			return fmt.Errorf("agents[%d].command must be set", i)
		}
	}
	return nil
}

// Validate checks the agent configuration.
func (c AgentConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name must be set")
	}
	if c.Coordinator == "" {
		return errors.New("coordinator must be set")
	}
	if c.Firmware == "" {
		return errors.New("firmware must be set")
	}
	if len(c.PublicKeys) == 0 && !c.InsecureSkipVerify {
		return errors.New("public_keys must be set unless insecure_skip_verify is true")
	}
	if c.CallTimeout <= 0 || c.RPCTimeout <= 0 {
		return errors.New("call_timeout and rpc_timeout must be positive")
	}
	if c.MaxTransfer == 0 {
		return errors.New("max_transfer must be positive")
	}
	if c.MaxOpenHandles <= 0 {
		return errors.New("max_open_handles must be positive")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}

	for i, f := range c.Subscriptions {
		if err := topic.ValidateFilter(f); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}
	for i, m := range c.Mounts {
		if _, err := device.ParseMount(m); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
	}
	paths := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if !vfs.ValidDevicePath(s.Path) {
			return fmt.Errorf("sensors[%d].path must be /dev/<name>, got %q", i, s.Path)
		}
		if paths[s.Path] {
			return fmt.Errorf("sensors[%d]: duplicate path %q", i, s.Path)
		}
		paths[s.Path] = true
		if s.Source == "" {
			return fmt.Errorf("sensors[%d].source must be set", i)
		}
	}
	return nil
}
