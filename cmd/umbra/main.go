package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/umbra-iot/umbra/pkg/broker"
	"github.com/umbra-iot/umbra/pkg/config"
	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/dispatcher"
	"github.com/umbra-iot/umbra/pkg/engine"
	"github.com/umbra-iot/umbra/pkg/gateway"
	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/notifier"
	"github.com/umbra-iot/umbra/pkg/shadow"
	"github.com/umbra-iot/umbra/pkg/storage"
	"github.com/umbra-iot/umbra/pkg/subscription"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "umbra",
	Short: "Umbra - topic-routed device shadow synchronization",
	Long: `Umbra keeps a versioned shadow document for every device in a
fleet. Devices report observed state and operators set desired state
over a topic-routed message bus; Umbra reconciles the two property by
property and pushes delta notifications to anyone listening.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Umbra version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shadow synchronization daemon",
	Long: `Start the Umbra daemon: connect to the configured broker, consume
reported and desired state topics, reconcile shadow documents, and
serve the HTTP/WebSocket API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		backend, err := storage.NewBoltBackend(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer backend.Close()

		conn, err := buildBroker(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		deviceReg := devices.NewRegistry(backend)

		storeOpts := []shadow.Option{shadow.WithShardCount(cfg.Shadow.ShardCount)}
		if cfg.Shadow.AutoRegister {
			storeOpts = append(storeOpts, shadow.WithAutoRegister())
		}
		if cfg.Shadow.PruneApplied {
			storeOpts = append(storeOpts, shadow.WithPruneApplied())
		}
		store := shadow.NewStore(backend, deviceReg, storeOpts...)

		subReg := subscription.NewRegistry()
		disp := dispatcher.NewDispatcher(subReg,
			dispatcher.WithMaxRetries(cfg.Dispatcher.MaxRetries),
			dispatcher.WithDeadLetterSink(backend),
		)
		n := notifier.NewNotifier(conn)

		eng := engine.New(conn, subReg, disp, store, n)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		logger.Info().Str("broker", string(cfg.Broker.Kind)).Msg("engine running")

		gw := gateway.New(deviceReg, store, n)
		server := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      gw.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("gateway failed")
		}

		eng.Stop()
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gateway shutdown incomplete")
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func buildBroker(cfg *config.Config) (broker.Connection, error) {
	strategy := &broker.BackoffReconnect{
		Factor:   2,
		Jitter:   true,
		MinDelay: cfg.Broker.Backoff.MinDelay,
		MaxDelay: cfg.Broker.Backoff.MaxDelay,
	}

	switch cfg.Broker.Kind {
	case config.BrokerMemory:
		return broker.NewMemoryBroker(), nil
	case config.BrokerNATS:
		return broker.NewNATSBroker(broker.NATSConfig{
			URL:       cfg.Broker.URL,
			Name:      "umbra",
			Reconnect: strategy,
		}), nil
	case config.BrokerMQTT:
		clientID := cfg.Broker.ClientID
		if clientID == "" {
			clientID = "umbra"
		}
		return broker.NewMQTTBroker(broker.MQTTConfig{
			BrokerURL: cfg.Broker.URL,
			ClientID:  clientID,
			Username:  cfg.Broker.Username,
			Password:  cfg.Broker.Password,
			Reconnect: strategy,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker kind: %s", cfg.Broker.Kind)
	}
}
