// Package main is the entry point for the taskgrid orchestrator: the
// primary control plane that authenticates clients, dispatches tasks to
// workers, detects worker failure, and replicates its state to a standby.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/auth"
	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/liveness"
	"github.com/taskgrid/taskgrid/internal/logging"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/orchestrator"
	"github.com/taskgrid/taskgrid/internal/replication"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	clientAddr  string
	workerAddr  string
	standbyAddr string
	adminAddr   string
	authSecret  string
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
		Use:   "orchestrator",
		Short: "taskgrid orchestrator — primary task-dispatch control plane",
		Long: `The orchestrator authenticates clients, dispatches submitted tasks to a
dynamic pool of workers round robin, redistributes work when a worker goes
silent, and streams its state to a standby for failover.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.clientAddr, "client-addr", config.EnvOrDefault("ORCH_CLIENT_ADDR", config.DefaultClientAddr), "Listen address for client connections")
	root.PersistentFlags().StringVar(&cfg.workerAddr, "worker-addr", config.EnvOrDefault("ORCH_WORKER_ADDR", config.DefaultWorkerAddr), "Listen address for worker connections")
	root.PersistentFlags().StringVar(&cfg.standbyAddr, "standby-addr", config.EnvOrDefault("ORCH_STANDBY_ADDR", "localhost"+config.DefaultStandbyAddr), "Standby's replication address (host:port) to push SYNC_STATE to")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", config.EnvOrDefault("ORCH_ADMIN_ADDR", ":9100"), "Listen address for /healthz and /metrics")
	root.PersistentFlags().StringVar(&cfg.authSecret, "auth-secret", config.EnvOrDefault("ORCH_AUTH_SECRET", "dev-secret-change-me"), "HMAC secret used to sign session tokens")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("ORCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("client_addr", cfg.clientAddr),
		zap.String("worker_addr", cfg.workerAddr),
		zap.String("standby_addr", cfg.standbyAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Seeded credentials, per the literal end-to-end scenarios ---
	credentials := map[string]string{
		"cliente1": "senha123",
		"cliente2": "outrasenha",
	}

	c := clock.New()
	tasks := task.NewStore()
	workers := workerregistry.New(logger)
	authReg, err := auth.New(credentials, []byte(cfg.authSecret), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth registry: %w", err)
	}
	repl := replication.New(cfg.standbyAddr, tasks, workers, c, logger)
	go repl.Run(ctx)

	d := dispatch.New(workers, tasks, c, repl, logger)

	mon, err := liveness.New(workers, d, config.DefaultHeartbeatTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create liveness monitor: %w", err)
	}
	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start liveness monitor: %w", err)
	}
	defer mon.Stop() //nolint:errcheck

	state := orchestrator.New(c, tasks, authReg, workers, d, repl, logger)

	clientLn, err := net.Listen("tcp", cfg.clientAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on client address: %w", err)
	}
	defer clientLn.Close()

	workerLn, err := net.Listen("tcp", cfg.workerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on worker address: %w", err)
	}
	defer workerLn.Close()

	go func() {
		if err := state.ServeClients(clientLn); err != nil {
			logger.Info("client accept loop stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := state.ServeWorkers(workerLn); err != nil {
			logger.Info("worker accept loop stopped", zap.Error(err))
		}
	}()

	adminSrv := &http.Server{Addr: cfg.adminAddr, Handler: metrics.NewAdminMux()}
	go func() {
		logger.Info("admin http server listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down orchestrator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin http server shutdown error", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
	return nil
}
