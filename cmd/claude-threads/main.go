// Command claude-threads runs the bot that turns chat threads into
// Claude CLI sessions. Mention the bot in a channel to open a session;
// every reply in the thread becomes a prompt and Claude's output
// streams back into the same thread.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anneschuth/claude-threads-sub002/internal/api"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/mattermost"
	"github.com/anneschuth/claude-threads-sub002/internal/session"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
	"github.com/anneschuth/claude-threads-sub002/internal/telemetry"
	"github.com/anneschuth/claude-threads-sub002/internal/updates"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "claude-threads",
	Short: "Claude CLI sessions in your team's chat threads",
	Long: `claude-threads connects chat platforms to the Claude CLI. Mention the
bot in a channel to open a session, reply in the thread to prompt it,
and react to its posts to answer permission requests. Sessions survive
restarts and can be resumed days later from the same thread.`,
	RunE:         runServe,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("claude-threads %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./config.yaml, ~/.claude-threads/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env",
		"env file loaded before configuration")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// The env file is read before configuration so its variables are
	// visible to viper. A missing default .env is not an error.
	if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env") {
		fmt.Fprintf(os.Stderr, "Warning: could not load env file %s: %v\n", envFile, err)
	}

	// 1. Load configuration
	cfg, err := config.LoadWithPath(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting claude-threads...",
		zap.String("version", version),
		zap.String("commit", commit))

	// 3. Create context with cancellation. The !kill command and an
	// accepted update both cancel it to bring the process down.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, or NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Open the session store
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer st.Close()

	// 6. Initialize the worktree manager
	worktrees, err := workspace.NewManager(cfg.Worktree, log)
	if err != nil {
		return fmt.Errorf("initialize worktree manager: %w", err)
	}

	// 7. Update checker. It announces new releases on the event bus and
	// backs the !update and !release-notes commands.
	checker := updates.NewChecker(cfg.Updates, version, eventBus, log)

	// 8. Session manager
	mgr, err := session.NewManager(session.Options{
		Config:    cfg,
		Logger:    log,
		Bus:       eventBus,
		Store:     st,
		Worktrees: worktrees,
		Updates:   checker,
		OnUpdateAccepted: func(v string) {
			log.Info("Update accepted, restarting",
				zap.String("current", version), zap.String("target", v))
			cancel()
		},
		OnKillRequested: cancel,
	})
	if err != nil {
		return fmt.Errorf("initialize session manager: %w", err)
	}

	// 9. Register platform adapters
	if cfg.Mattermost.Enabled {
		mm, err := mattermost.New(cfg.Mattermost, log)
		if err != nil {
			return fmt.Errorf("initialize mattermost client: %w", err)
		}
		mgr.RegisterPlatform(mm)
	}

	// 10. Start everything
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	checker.Start()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server, mgr, version, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	log.Info("claude-threads is running")

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	log.Info("Shutting down claude-threads...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := g.Wait(); err != nil {
		log.Error("Admin API shutdown error", zap.Error(err))
	}
	checker.Stop()
	mgr.Shutdown(shutdownCtx)

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("claude-threads stopped")
	return nil
}
