// Package main is the entry point for the taskgrid worker: a process that
// registers with an orchestrator, heartbeats, and executes whatever tasks
// it is handed.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/logging"
	"github.com/taskgrid/taskgrid/internal/workerproc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	id               string
	heartbeatCadence string
	reconnectBackoff string
	minProcessing    string
	maxProcessing    string
	crashProbability float64
	logLevel         string
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
		Use:   "worker <host> <port>",
		Short: "taskgrid worker — registers with an orchestrator and executes tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, net.JoinHostPort(args[0], args[1]))
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.id, "id", config.EnvOrDefault("WORKER_ID", randomWorkerID()), "Worker identifier registered with the orchestrator")
	root.PersistentFlags().Float64Var(&cfg.crashProbability, "crash-probability", 0, "Probability (0-1) that a given task execution simulates an unrecoverable crash")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("WORKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig, orchestratorAddr string) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := workerproc.New(workerproc.Config{
		ID:                cfg.id,
		OrchestratorAddr:  orchestratorAddr,
		HeartbeatCadence:  config.DefaultHeartbeatCadence,
		ReconnectBackoff:  config.DefaultReconnectBackoff,
		MinProcessingTime: config.EnvDurationOrDefault("WORKER_MIN_PROCESSING_TIME", 500*time.Millisecond),
		MaxProcessingTime: config.EnvDurationOrDefault("WORKER_MAX_PROCESSING_TIME", 3*time.Second),
		CrashProbability:  cfg.crashProbability,
	}, logger)

	logger.Info("starting worker",
		zap.String("version", version),
		zap.String("id", cfg.id),
		zap.String("orchestrator_addr", orchestratorAddr),
	)

	w.Run(ctx)
	logger.Info("worker stopped")
	return nil
}

func randomWorkerID() string {
	return fmt.Sprintf("worker-%04d", rand.Intn(10000))
}
