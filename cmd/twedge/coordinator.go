package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/bridge"
	"github.com/caffeineduck/twedge/config"
	"github.com/caffeineduck/twedge/coordinator"
	"github.com/caffeineduck/twedge/ipc"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the IPC coordinator and message bridge",
	Long: `Run the coordinator: accept agent connections, keep the client registry
and subscription table, and route messages between agents and the broker.

Status endpoints (with --status-addr):
  GET    /health                   Health check
  GET    /clients                  Registered clients
  GET    /subscriptions            Subscription table
  POST   /clients/{name}/shutdown  Ask a client to stop
  POST   /inject                   Route a message as if from the broker`,
	RunE: runCoordinator,
}

func init() {
	coordinatorCmd.Flags().StringP("config", "c", "", "Coordinator config file")
	coordinatorCmd.Flags().String("listen", "", "IPC address, unix:<path> or tcp:<addr>")
	coordinatorCmd.Flags().String("status-addr", "", "HTTP status API address")
	coordinatorCmd.Flags().String("bridge", "", "Bridge: memory, mqtt")
	coordinatorCmd.Flags().String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	coordinatorCmd.Flags().Bool("loopback", false, "Route publishes back to subscribers (memory bridge)")
	rootCmd.AddCommand(coordinatorCmd)
}

func loadCoordinatorConfig(cmd *cobra.Command) (config.CoordinatorConfig, error) {
	cfg := config.DefaultCoordinator()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadCoordinator(path); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr, _ = flags.GetString("status-addr")
	}
	if flags.Changed("bridge") {
		cfg.Bridge.Kind, _ = flags.GetString("bridge")
	}
	if flags.Changed("mqtt-broker") {
		cfg.Bridge.MQTT.Broker, _ = flags.GetString("mqtt-broker")
	}
	if flags.Changed("loopback") {
		cfg.Bridge.Loopback, _ = flags.GetBool("loopback")
	}
	return cfg, cfg.Validate()
}

type broker interface {
	coordinator.Bridge
	SetInbound(bridge.InboundFunc)
	Close() error
}

func newBroker(ctx context.Context, cfg config.BridgeSection, log *zap.Logger) (broker, error) {
	switch cfg.Kind {
	case "mqtt":
		m := bridge.NewMQTT(cfg.MQTT, log.Named("mqtt"))
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		var opts []bridge.MemoryOption
		if cfg.Loopback {
			opts = append(opts, bridge.WithLoopback())
		}
		opts = append(opts, bridge.WithMemoryLogger(log.Named("memory")))
		return bridge.NewMemory(opts...), nil
	}
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadCoordinatorConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	br, err := newBroker(ctx, cfg.Bridge, log.Named("bridge"))
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer br.Close()

	coord := coordinator.New(br,
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithDeliveryTimeout(cfg.DeliveryTimeout),
	)
	defer coord.Close()
	br.SetInbound(func(ctx context.Context, topic string, payload []byte) {
		coord.HandleInbound(ctx, topic, payload)
	})

	ln, err := ipc.Listen(cfg.Listen)
	if err != nil {
		return err
	}
	log.Info("listening", zap.String("addr", cfg.Listen), zap.String("bridge", cfg.Bridge.Kind))

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           coord.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status api", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		log.Info("status api", zap.String("addr", cfg.StatusAddr))
	}

	sup := coordinator.NewSupervisor(coord,
		coordinator.WithSupervisorLogger(log.Named("supervisor")),
		coordinator.WithGracePeriod(cfg.GracePeriod),
	)
	for _, p := range cfg.Agents {
		err := sup.Start(coordinator.Process{Name: p.Name, Command: p.Command, Args: p.Args, Env: p.Env})
		if err != nil {
			log.Error("start agent", zap.String("client", p.Name), zap.Error(err))
		}
	}

	serveErr := coord.Serve(ctx, ln)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
	defer cancel()
	if err := sup.StopAll(sctx); err != nil {
		log.Warn("stop agents", zap.Error(err))
	}
	log.Info("coordinator stopped")
	return serveErr
}
