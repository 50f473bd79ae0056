// Command sandbox-proxy is the egress proxy sidecar (C7): it runs inside
// every sandbox pod's network namespace, terminating outbound HTTPS CONNECT
// tunnels and injecting per-host bearer tokens obtained from the credential
// broker. It is a single long-running process joined to the rest of the
// system by config alone, with no cluster-join handshake of its own, and
// shuts down on an interrupt signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandboxlabs/sandboxd/pkg/broker"
	"github.com/sandboxlabs/sandboxd/pkg/ca"
	"github.com/sandboxlabs/sandboxd/pkg/config"
	"github.com/sandboxlabs/sandboxd/pkg/egressproxy"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/store"
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
	Use:     "sandbox-proxy",
	Short:   "sandbox-proxy runs the egress proxy sidecar inside a sandbox pod",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandbox-proxy version %s\nCommit: %s\n", Version, Commit))
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
	Short: "Start the egress proxy sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadProxy(path)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("sandbox-id"); v != "" {
			cfg.SandboxID = v
		}
		if v, _ := cmd.Flags().GetString("proxy-addr"); v != "" {
			cfg.ProxyAddr = v
		}
		if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
			cfg.AdminAddr = v
		}
		if v, _ := cmd.Flags().GetString("ca-dir"); v != "" {
			return runProxyWithCADir(cfg, v)
		}
		return fmt.Errorf("--ca-dir is required")
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to sandbox-proxy YAML config (required)")
	runCmd.Flags().String("sandbox-id", "", "Override sandbox_id")
	runCmd.Flags().String("proxy-addr", "", "Override proxy_addr")
	runCmd.Flags().String("admin-addr", "", "Override admin_addr")
	runCmd.Flags().String("ca-dir", "", "Directory the per-sandbox CA root is persisted in (required)")
	runCmd.MarkFlagRequired("config")
	runCmd.MarkFlagRequired("ca-dir")
}

func runProxyWithCADir(cfg config.ProxyConfig, caDir string) error {
	logger := log.WithComponent("main")

	st, err := store.NewBoltStore(caDir)
	if err != nil {
		return fmt.Errorf("opening CA store: %w", err)
	}
	defer st.Close()

	authority := ca.New(st)
	if err := authority.LoadOrCreate(); err != nil {
		return fmt.Errorf("loading/creating CA: %w", err)
	}

	var credBroker broker.Broker
	if cfg.Broker.BaseURL != "" {
		credBroker = broker.NewClient(cfg.Broker.BaseURL)
	} else {
		return fmt.Errorf("broker.base_url is required")
	}

	policyEntries := make([]egressproxy.PolicyEntry, 0, len(cfg.Policy))
	for _, p := range cfg.Policy {
		policyEntries = append(policyEntries, egressproxy.PolicyEntry{
			Host:          p.Host,
			Mode:          p.Mode,
			AllowedScopes: p.AllowedScopes,
		})
	}
	policy := egressproxy.NewPolicy(policyEntries)

	proxy := egressproxy.New(egressproxy.Config{
		SandboxID: cfg.SandboxID,
		ProxyAddr: cfg.ProxyAddr,
		AdminAddr: cfg.AdminAddr,
	}, policy, authority, credBroker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := proxy.Start(ctx); err != nil {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()

	logger.Info().
		Str("sandbox_id", cfg.SandboxID).
		Str("proxy_addr", cfg.ProxyAddr).
		Str("admin_addr", cfg.AdminAddr).
		Int("policy_entries", len(policyEntries)).
		Msg("sandbox-proxy started")

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
