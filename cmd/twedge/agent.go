package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/agent"
	"github.com/caffeineduck/twedge/config"
	"github.com/caffeineduck/twedge/device"
	"github.com/caffeineduck/twedge/executor"
	"github.com/caffeineduck/twedge/ipc"
	"github.com/caffeineduck/twedge/stream"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one firmware module as a coordinator client",
	Long: `Run a firmware module in a sandbox and connect it to the coordinator.

The firmware sees these devices:
  /dev/clock            monotonic nanoseconds, 8 bytes little endian
  /dev/random           8 random bytes per read
  /dev/log              lines written here are logged on close
  /dev/mqtt_subscribe   filters written here are subscribed on close

plus any --mount directories and --sensor files.`,
	RunE: runAgentCmd,
}

func init() {
	agentCmd.Flags().StringP("config", "c", "", "Agent config file")
	agentCmd.Flags().String("name", "", "Client name to register as")
	agentCmd.Flags().String("coordinator", "", "Coordinator address, unix:<path> or tcp:<addr>")
	agentCmd.Flags().String("firmware", "", "Path to the firmware .wasm (signature read from <path>.sig)")
	agentCmd.Flags().StringSlice("pubkey", nil, "Trusted public key file (repeatable)")
	agentCmd.Flags().Bool("insecure", false, "Run unsigned firmware")
	agentCmd.Flags().StringSlice("subscribe", nil, "Topic filter to subscribe at startup (repeatable)")
	agentCmd.Flags().StringSlice("mount", nil, "Mount host directory host:/dev/name[:ro|w|wc] (repeatable)")
	agentCmd.Flags().StringSlice("sensor", nil, "Expose a host file as a sensor /dev/name=source (repeatable)")
	agentCmd.Flags().String("memory", "", "Memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	agentCmd.Flags().Bool("interpreter", false, "Use the interpreter instead of the compiler")
	agentCmd.Flags().Bool("no-cache", false, "Disable the compilation cache")
	rootCmd.AddCommand(agentCmd)
}

func loadAgentConfig(cmd *cobra.Command) (config.AgentConfig, error) {
	cfg := config.DefaultAgent()
	flags := cmd.Flags()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadAgent(path); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("name") {
		cfg.Name, _ = flags.GetString("name")
	}
	if flags.Changed("coordinator") {
		cfg.Coordinator, _ = flags.GetString("coordinator")
	}
	if flags.Changed("firmware") {
		cfg.Firmware, _ = flags.GetString("firmware")
	}
	if flags.Changed("insecure") {
		cfg.InsecureSkipVerify, _ = flags.GetBool("insecure")
	}
	if flags.Changed("interpreter") {
		cfg.Interpreter, _ = flags.GetBool("interpreter")
	}
	keys, _ := flags.GetStringSlice("pubkey")
	cfg.PublicKeys = append(cfg.PublicKeys, keys...)
	subs, _ := flags.GetStringSlice("subscribe")
	cfg.Subscriptions = append(cfg.Subscriptions, subs...)
	mounts, _ := flags.GetStringSlice("mount")
	cfg.Mounts = append(cfg.Mounts, mounts...)
	sensors, _ := flags.GetStringSlice("sensor")
	for _, spec := range sensors {
		path, source, ok := strings.Cut(spec, "=")
		if !ok {
			return cfg, fmt.Errorf("invalid sensor %q (want /dev/name=source)", spec)
		}
		cfg.Sensors = append(cfg.Sensors, config.SensorSection{Path: path, Source: source})
	}
	if flags.Changed("memory") {
		mem, _ := flags.GetString("memory")
		pages, err := parseMemoryLimit(mem)
		if err != nil {
			return cfg, err
		}
		cfg.MemoryLimitPages = pages
	}
	return cfg, cfg.Validate()
}

func runAgentCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	noCache, _ := cmd.Flags().GetBool("no-cache")
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runAgent(ctx, cfg, !noCache, log)
}

// agentOptions turns the device sections of cfg into agent options.
func agentOptions(cfg config.AgentConfig, log *zap.Logger) ([]agent.Option, error) {
	opts := []agent.Option{
		agent.WithLogger(log),
		agent.WithSubscriptions(cfg.Subscriptions...),
		agent.WithRPCTimeout(cfg.RPCTimeout),
		agent.WithMaxTransfer(cfg.MaxTransfer),
		agent.WithMaxHandles(cfg.MaxOpenHandles),
	}
	for _, s := range cfg.Sensors {
		source := s.Source
		var sopts []device.SensorOption
		if s.ResetBeforeLast {
			sopts = append(sopts, device.WithResetBoundary(stream.ResetBeforeLast))
		}
		sensor, err := device.NewSensor(s.Path, func() ([]byte, error) {
			return os.ReadFile(source)
		}, sopts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithProvider(sensor))
	}
	if len(cfg.Mounts) > 0 {
		mounts := make([]device.Mount, 0, len(cfg.Mounts))
		for _, spec := range cfg.Mounts {
			m, err := device.ParseMount(spec)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
		files, err := device.NewFiles(mounts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithProvider(files))
	}
	return opts, nil
}

func executorOptions(cfg config.AgentConfig, cache bool, log *zap.Logger) ([]executor.Option, error) {
	opts := []executor.Option{
		executor.WithLogger(log.Named("executor")),
		executor.WithCallTimeout(cfg.CallTimeout),
		executor.WithMemoryLimit(cfg.MemoryLimitPages),
	}
	if cfg.Interpreter {
		opts = append(opts, executor.WithInterpreter())
	}
	if cache {
		opts = append(opts, executor.WithDiskCache(cfg.CacheDir))
	}
	if cfg.InsecureSkipVerify {
		log.Warn("signature verification disabled")
		return append(opts, executor.WithInsecureSkipVerify()), nil
	}

	v, err := loadVerifier(cfg.PublicKeys)
	if err != nil {
		return nil, err
	}
	return append(opts, executor.WithVerifier(v)), nil
}

func runAgent(ctx context.Context, cfg config.AgentConfig, cache bool, log *zap.Logger) error {
	artifact, err := executor.LoadArtifact(cfg.Firmware)
	if err != nil {
		return err
	}

	aopts, err := agentOptions(cfg, log)
	if err != nil {
		return err
	}
	a := agent.New(cfg.Name, aopts...)
	defer a.Close()

	eopts, err := executorOptions(cfg, cache, log)
	if err != nil {
		return err
	}
	exec, err := executor.New(a.Imports(), eopts...)
	if err != nil {
		return err
	}
	defer exec.Close()

	inst, err := exec.Instantiate(ctx, artifact)
	if err != nil {
		return err
	}
	a.Attach(inst)
	log.Info("firmware loaded", zap.String("firmware", artifact.Name), zap.String("digest", artifact.Digest()))

	conn, err := ipc.Dial(ctx, cfg.Coordinator)
	if err != nil {
		inst.Close(context.Background())
		return err
	}
	if err := a.Connect(ctx, conn); err != nil {
		inst.Close(context.Background())
		return err
	}
	return a.Run(ctx)
}
