// Package main is the entry point for the taskgrid client: an interactive
// terminal client that authenticates against an orchestrator, then submits
// tasks and queries their status.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskgrid/taskgrid/internal/clientproc"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	username string
	password string
	logLevel string
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
		Use:   "client <host> <port>",
		Short: "taskgrid client — authenticate, submit tasks, and query their status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, net.JoinHostPort(args[0], args[1]))
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.username, "username", config.EnvOrDefault("CLIENT_USERNAME", ""), "Username (prompted interactively if omitted)")
	root.PersistentFlags().StringVar(&cfg.password, "password", config.EnvOrDefault("CLIENT_PASSWORD", ""), "Password (prompted interactively if omitted)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("CLIENT_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("client %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(cfg *cliConfig, orchestratorAddr string) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	stdin := bufio.NewScanner(os.Stdin)

	username := cfg.username
	if username == "" {
		fmt.Print("username: ")
		if !stdin.Scan() {
			return fmt.Errorf("no username provided")
		}
		username = strings.TrimSpace(stdin.Text())
	}

	password := cfg.password
	if password == "" {
		fmt.Print("password: ")
		if !stdin.Scan() {
			return fmt.Errorf("no password provided")
		}
		password = strings.TrimSpace(stdin.Text())
	}

	c, err := clientproc.Dial(orchestratorAddr, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to orchestrator: %w", err)
	}
	defer c.Close()

	if err := c.Authenticate(username, password); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Println("authenticated.")

	clientproc.RunInteractive(c, os.Stdin, os.Stdout)
	return nil
}
