package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/executor"
	"github.com/caffeineduck/twedge/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "twedge",
	Short: "Edge host for sandboxed WebAssembly firmware",
	Long: `twedge - Run signed WebAssembly firmware on edge devices.

A coordinator process bridges an MQTT broker to any number of agent
processes. Each agent runs one firmware module in a wazero sandbox and
exposes devices to it under /dev/.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json, console (overrides config)")
}

// newLogger builds the process logger, letting persistent flags override the
// config file values.
func newLogger(cmd *cobra.Command, level, format string) (*zap.Logger, error) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	return logging.New(level, format)
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return 0, nil
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q: use 1mb, 16mb, 64mb, 256mb or 1gb", s)
	}
}
