// Package main is the entry point for the taskgrid standby: a passive
// replica that receives SYNC_STATE snapshots from the primary orchestrator
// and, once no snapshot has arrived within the failover timeout, prints a
// takeover banner and exits.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/logging"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/standby"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	listenAddr  string
	primaryAddr string
	adminAddr   string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "orchestrator-standby",
		Short: "taskgrid standby — replicates primary state and fails over on silence",
		Long: `The standby accepts SYNC_STATE pushes from the primary orchestrator and
watches how long it has been since the last one landed. If that gap exceeds
the failover timeout, the standby prints a takeover banner and exits cleanly
so an operator or supervisor can promote it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", config.EnvOrDefault("STANDBY_LISTEN_ADDR", config.DefaultStandbyAddr), "Listen address for SYNC_STATE replication from the primary")
	root.PersistentFlags().StringVar(&cfg.primaryAddr, "primary-addr", config.EnvOrDefault("STANDBY_PRIMARY_ADDR", "localhost"+config.DefaultClientAddr+",localhost"+config.DefaultWorkerAddr), "Comma-separated primary addresses to probe for diagnostic logging once replication goes stale")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", config.EnvOrDefault("STANDBY_ADMIN_ADDR", ":9101"), "Listen address for /healthz and /metrics")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("STANDBY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator-standby %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	probeAddrs := splitAndTrim(cfg.primaryAddr)
	logger.Info("starting standby",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.Strings("primary_probe_addrs", probeAddrs),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	state := standby.NewState()
	receiver := standby.NewReceiver(state, logger)

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for replication: %w", err)
	}
	defer ln.Close()

	go func() {
		if err := receiver.Serve(ln); err != nil {
			logger.Info("replication accept loop stopped", zap.Error(err))
		}
	}()

	detector, err := standby.New(probeAddrs, state, config.DefaultFailoverTimeout, standby.DefaultOnFailover, logger)
	if err != nil {
		return fmt.Errorf("failed to create failover detector: %w", err)
	}
	if err := detector.Start(); err != nil {
		return fmt.Errorf("failed to start failover detector: %w", err)
	}
	defer detector.Stop() //nolint:errcheck

	adminSrv := &http.Server{Addr: cfg.adminAddr, Handler: metrics.NewAdminMux()}
	go func() {
		logger.Info("admin http server listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down standby")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http server shutdown error", zap.Error(err))
	}

	logger.Info("standby stopped")
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
