// Command wsquic-server runs the real-time messaging server over QUIC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wsquic/internal/config"
	"wsquic/internal/logging"
	"wsquic/internal/metrics"
	"wsquic/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitHash   = "unknown"
)

func main() {
	defaults := config.NewServerConfig()

	rootCmd := &cobra.Command{
		Use:     "wsquic-server",
		Short:   "Real-time bidirectional messaging server over QUIC",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitHash),
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("addr", defaults.Addr, "UDP address to listen on")
	flags.String("name", defaults.ServerName, "server name advertised to clients")
	flags.Int("max-clients", defaults.MaxClients, "maximum concurrent sessions")
	flags.String("cert", defaults.CertPath, "TLS certificate path (self-signed dev cert used if unset)")
	flags.String("key", defaults.KeyPath, "TLS private key path")
	flags.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	flags.Bool("verbose", defaults.Verbose, "enable verbose logging")
	flags.String("mode", defaults.Mode, "wire mode: native or http3")
	flags.String("config", "", "path to a configuration file")
	flags.Bool("enable-metrics", defaults.MetricsEnabled, "expose Prometheus metrics")
	flags.String("metrics-addr", defaults.MetricsAddr, "address for the metrics HTTP server")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	m := metrics.New(metrics.Config{Namespace: "wsquic"})

	srv, err := server.New(cfg, log, m)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	return srv.Run(ctx)
}
