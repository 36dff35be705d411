package config

import "time"

const (
	DefaultListen          = "unix:/tmp/twedge.sock"
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultGracePeriod     = 5 * time.Second
	DefaultCallTimeout     = 5 * time.Second
	DefaultRPCTimeout      = 5 * time.Second
	DefaultMaxTransfer     = 64 << 10
	DefaultMaxOpenHandles  = 64
)

func defaultLog() LogSection {
	return LogSection{Level: "info", Format: "json"}
}

// DefaultCoordinator returns the configuration used when no file is given.
func DefaultCoordinator() CoordinatorConfig {
	return CoordinatorConfig{
		Listen:          DefaultListen,
		DeliveryTimeout: DefaultDeliveryTimeout,
		GracePeriod:     DefaultGracePeriod,
		Log:             defaultLog(),
		Bridge:          BridgeSection{Kind: "memory"},
	}
}

// DefaultAgent returns agent defaults; Name and Firmware still need setting.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		Coordinator:    DefaultListen,
		CallTimeout:    DefaultCallTimeout,
		RPCTimeout:     DefaultRPCTimeout,
		MaxTransfer:    DefaultMaxTransfer,
		MaxOpenHandles: DefaultMaxOpenHandles,
		Log:            defaultLog(),
	}
}
