// Command sandboxd is the sandbox-provisioning control plane: it runs the
// raft-backed object store, the pool manager, the cleanup worker, and the
// request gateway in a single process. A cobra root command with shared
// logging flags exposes a single long-running run subcommand that wires
// the components together and blocks on an interrupt signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/broker"
	"github.com/sandboxlabs/sandboxd/pkg/ca"
	"github.com/sandboxlabs/sandboxd/pkg/cleanup"
	"github.com/sandboxlabs/sandboxd/pkg/config"
	"github.com/sandboxlabs/sandboxd/pkg/control"
	"github.com/sandboxlabs/sandboxd/pkg/gateway"
	"github.com/sandboxlabs/sandboxd/pkg/lifecycle"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/pool"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "sandboxd runs the sandbox-provisioning control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the control plane (raft node, pool manager, cleanup worker, gateway)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		// flag overrides, applied after Load has already run Validate's bounds
		if v, _ := cmd.Flags().GetString("node-id"); v != "" {
			cfg.Node.ID = v
		}
		if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
			cfg.Node.BindAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.Node.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("gateway-addr"); v != "" {
			cfg.Gateway.Addr = v
		}

		return runControlPlane(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to sandboxd YAML config (required)")
	runCmd.Flags().String("node-id", "", "Override node.id")
	runCmd.Flags().String("bind-addr", "", "Override node.bind_addr")
	runCmd.Flags().String("data-dir", "", "Override node.data_dir")
	runCmd.Flags().String("gateway-addr", "", "Override gateway.addr")
	runCmd.MarkFlagRequired("config")
}

func runControlPlane(cfg config.Config) error {
	logger := log.WithComponent("main")

	node, err := control.NewNode(control.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Node.BindAddr,
		DataDir:  cfg.Node.DataDir,
	})
	if err != nil {
		return fmt.Errorf("creating control node: %w", err)
	}
	if err := node.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrapping control node: %w", err)
	}
	defer node.Shutdown()

	authority := ca.New(node.AsStore())
	if err := authority.LoadOrCreate(); err != nil {
		return fmt.Errorf("loading/creating CA: %w", err)
	}

	var credBroker broker.Broker
	if cfg.Broker.BaseURL != "" {
		credBroker = broker.NewClient(cfg.Broker.BaseURL)
	}

	adapter := orchestrator.New(node)

	poolKinds := make(map[sandbox.Kind]pool.KindConfig, len(cfg.Pool.Kinds))
	for name, kc := range cfg.Pool.Kinds {
		poolKinds[sandbox.Kind(name)] = pool.KindConfig{
			Target:     kc.Target,
			NamePrefix: kc.NamePrefix,
			Image:      kc.Image,
			Resources:  sandbox.Resources{CPUMillicores: kc.CPUMillicores, MemoryBytes: kc.MemoryBytes},
			Env:        kc.Env,
		}
	}
	backfillInterval, err := time.ParseDuration(cfg.Pool.BackfillInterval)
	if err != nil {
		return fmt.Errorf("parsing pool.backfill_interval: %w", err)
	}
	poolMgr := pool.New(adapter, credBroker, node, pool.Config{
		MaxTotal:         cfg.Pool.MaxTotal,
		Kinds:            poolKinds,
		BackfillInterval: backfillInterval,
	})
	poolMgr.Start()
	defer poolMgr.Stop()

	cleanupCfg, err := parseCleanupConfig(cfg)
	if err != nil {
		return err
	}
	cleanupWorker := cleanup.New(adapter, cleanupCfg)
	cleanupWorker.Start()
	defer cleanupWorker.Stop()

	lifecycleCfg, err := parseLifecycleConfig(cfg)
	if err != nil {
		return err
	}

	gw := gateway.New(adapter, poolMgr, gateway.Config{
		Addr:            cfg.Gateway.Addr,
		AdminKey:        cfg.Gateway.AdminKey,
		ExecutorPort:    cfg.Lifecycle.HealthCheckPort,
		LifecycleConfig: lifecycleCfg,
	})
	gw.SetRaftStatus(node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	logger.Info().
		Str("node_id", cfg.Node.ID).
		Str("gateway_addr", cfg.Gateway.Addr).
		Msg("sandboxd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("component error")
	}

	cancel()
	logger.Info().Msg("shutdown complete")
	return nil
}

func parseLifecycleConfig(cfg config.Config) (lifecycle.Config, error) {
	poll, err := time.ParseDuration(cfg.Lifecycle.PollInterval)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parsing lifecycle.poll_interval: %w", err)
	}
	probe, err := time.ParseDuration(cfg.Lifecycle.ProbeTimeout)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parsing lifecycle.probe_timeout: %w", err)
	}
	podReady, err := time.ParseDuration(cfg.Lifecycle.PodReadyTimeout)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("parsing lifecycle.pod_ready_timeout: %w", err)
	}
	return lifecycle.Config{
		PollInterval:    poll,
		ProbeTimeout:    probe,
		PodReadyTimeout: podReady,
		HealthCheckPath: cfg.Lifecycle.HealthCheckPath,
		HealthCheckPort: cfg.Lifecycle.HealthCheckPort,
	}, nil
}

func parseCleanupConfig(cfg config.Config) (cleanup.Config, error) {
	check, err := time.ParseDuration(cfg.Cleanup.CheckInterval)
	if err != nil {
		return cleanup.Config{}, fmt.Errorf("parsing cleanup.check_interval: %w", err)
	}
	maxLifetime, err := time.ParseDuration(cfg.Cleanup.MaxLifetime)
	if err != nil {
		return cleanup.Config{}, fmt.Errorf("parsing cleanup.max_lifetime: %w", err)
	}
	idle, err := time.ParseDuration(cfg.Cleanup.IdleTimeout)
	if err != nil {
		return cleanup.Config{}, fmt.Errorf("parsing cleanup.idle_timeout: %w", err)
	}
	var maxWarmAge time.Duration
	if cfg.Cleanup.MaxWarmAge != "" {
		maxWarmAge, err = time.ParseDuration(cfg.Cleanup.MaxWarmAge)
		if err != nil {
			return cleanup.Config{}, fmt.Errorf("parsing cleanup.max_warm_age: %w", err)
		}
	}
	return cleanup.Config{
		CheckInterval: check,
		MaxLifetime:   maxLifetime,
		IdleTimeout:   idle,
		MaxWarmAge:    maxWarmAge,
	}, nil
}
