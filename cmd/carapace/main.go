package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/carapace/carapace/internal/agent"
	"github.com/carapace/carapace/internal/api"
	"github.com/carapace/carapace/internal/approval"
	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/auth"
	"github.com/carapace/carapace/internal/classifier"
	"github.com/carapace/carapace/internal/config"
	"github.com/carapace/carapace/internal/engine"
	"github.com/carapace/carapace/internal/gateway"
	"github.com/carapace/carapace/internal/llm"
	"github.com/carapace/carapace/internal/rules"
	"github.com/carapace/carapace/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit codes: 1 for configuration problems, 2 when the listen address
// cannot be bound.
const (
	exitConfig = 1
	exitBind   = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carapace",
		Short: "Security-first gateway for personal AI agents",
		Long: "Carapace — a hard shell around a soft agent.\n" +
			"Every tool invocation is classified and checked against session-scoped\nsecurity rules before it runs.",
	}

	var dataDirFlag string
	var portFlag int

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Carapace server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(dataDirFlag, portFlag)
		},
	}
	startCmd.Flags().StringVarP(&dataDirFlag, "data-dir", "d", "", "Data directory (default: $CARAPACE_DATA_DIR or ./data)")
	startCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Override listen port")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print the server bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := resolveDataDir(dataDirFlag)
			token, err := auth.EnsureToken(dataDir)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringVarP(&dataDirFlag, "data-dir", "d", "", "Data directory")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := resolveDataDir(dataDirFlag)
			mgr, err := session.NewManager(dataDir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
			if err != nil {
				return err
			}
			infos, err := mgr.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, info := range infos {
				status := ""
				if info.Retired {
					status = " (retired)"
				}
				fmt.Printf("%s  %-8s  last active %s%s\n",
					info.SessionID, info.ChannelType,
					info.LastActive.Format(time.RFC3339), status)
			}
			return nil
		},
	}
	sessionsCmd.Flags().StringVarP(&dataDirFlag, "data-dir", "d", "", "Data directory")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("carapace %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(startCmd, tokenCmd, sessionsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveDataDir(flag string) string {
	godotenv.Load() //nolint:errcheck
	if flag != "" {
		abs, err := filepath.Abs(flag)
		if err == nil {
			return abs
		}
		return flag
	}
	return config.DataDir()
}

func runStart(dataDirFlag string, portOverride int) error {
	dataDir := resolveDataDir(dataDirFlag)
	if _, err := config.EnsureDataDir(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare data dir: %v\n", err)
		os.Exit(exitConfig)
	}

	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfgLoader := config.NewLoader(dataDir, bootLogger)
	cfg, err := cfgLoader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	logLevel := slog.LevelInfo
	switch cfg.Carapace.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	token, err := auth.EnsureToken(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare token: %v\n", err)
		os.Exit(exitConfig)
	}

	cel, err := rules.NewCELEvaluator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise rule conditions: %v\n", err)
		os.Exit(exitConfig)
	}
	ruleStore := rules.NewStore(filepath.Join(dataDir, "rules.yaml"), cel, logger)
	if err := ruleStore.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load rules: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := ruleStore.Watch(); err != nil {
		logger.Warn("rules hot reload unavailable", "error", err)
	}
	defer ruleStore.StopWatch()

	sessions, err := session.NewManager(dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise sessions: %v\n", err)
		os.Exit(exitConfig)
	}

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		auditStore, err = audit.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open audit trail: %v\n", err)
			os.Exit(exitConfig)
		}
		defer auditStore.Close()
	}

	client := llm.NewClient("", "")
	cls := classifier.New(client, cfg.Agent.ClassifierModel, cfg.Security.ArgsBudget, logger)
	evaluator := engine.NewModelEvaluator(client, cfg.Agent.ClassifierModel)
	eng := engine.New(evaluator, cel, logger)
	gate := approval.NewGate(cfg.Security.ApprovalTimeout, logger)
	gw := gateway.New(cls, eng, ruleStore, gate, auditStore, logger)
	runner := agent.NewRunner(client, gw, dataDir, cfg.Agent.Model, cfg.Agent.MaxTurnSteps, logger)

	server := api.NewServer(cfgLoader, sessions, ruleStore, gw, runner, token, logger)

	port := cfg.Server.Port
	if portOverride > 0 {
		port = portOverride
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)

	// Background maintenance: expired session sweep and audit pruning.
	maintenanceDone := make(chan struct{})
	go runMaintenance(cfgLoader, sessions, auditStore, logger, maintenanceDone)
	defer close(maintenanceDone)

	logger.Info("carapace starting",
		"version", version,
		"data_dir", dataDir,
		"rules", ruleStore.Snapshot().Len(),
		"model", cfg.Agent.Model,
		"token_prefix", token[:8],
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", addr, err)
				os.Exit(exitBind)
			}
			return err
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

// runMaintenance periodically removes expired sessions and prunes the
// audit trail to the same retention window.
func runMaintenance(
	cfgLoader *config.Loader,
	sessions *session.Manager,
	auditStore *audit.Store,
	logger *slog.Logger,
	done <-chan struct{},
) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		cfg := cfgLoader.Get()
		retention := time.Duration(cfg.Sessions.RetentionDays) * 24 * time.Hour
		if retention <= 0 {
			continue
		}

		if n, err := sessions.SweepExpired(retention); err != nil {
			logger.Error("session sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("swept expired sessions", "removed", n)
		}

		if auditStore != nil {
			if n, err := auditStore.PruneOlderThan(time.Now().UTC().Add(-retention)); err != nil {
				logger.Error("audit prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned audit records", "removed", n)
			}
		}
	}
}
