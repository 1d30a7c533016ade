package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/finchat-dev/finchat"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
)

// loadAssistantConfig resolves the effective configuration. No path means
// the in-process defaults plus environment credentials.
func loadAssistantConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return config.LoadConfig(path)
}

// =============================================================================
// chat
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionKey string
		userID     string
		accountID  string
		tier       string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Long: `Start an interactive chat session against the configured upstream.

Inside the session:
  /tools   list the tools the model can call
  /clear   wipe this session's stored history
  /quit    leave`,
		Example: `  # In-process demo data, OpenAI from OPENAI_API_KEY
  finchat chat --user demo

  # Full backends from a config file
  finchat chat --config finchat.yaml --user cust-811 --session support-4711`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, sessionKey, userID, accountID, tier)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionKey, "session", "", "Session key (default: a fresh random key)")
	cmd.Flags().StringVar(&userID, "user", "demo", "User id for context and tool scoping")
	cmd.Flags().StringVar(&accountID, "account", "", "Account id to narrow context and tools")
	cmd.Flags().StringVar(&tier, "tier", "", "Context cache tier: profile, balances, or transactions")
	return cmd
}

func runChat(ctx context.Context, configPath, sessionKey, userID, accountID, tier string) error {
	cfg, err := loadAssistantConfig(configPath)
	if err != nil {
		return err
	}

	// OTEL_TRACES_EXPORTER=stdout etc. work for the REPL too.
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("[Chat] tracing init: %v", err)
	}
	defer func() { _ = observability.ShutdownTracing(context.Background()) }()

	a, err := finchat.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if sessionKey == "" {
		sessionKey = "repl-" + uuid.NewString()
	}
	fmt.Printf("finchat %s (session %s, user %s)\n", version, sessionKey, userID)
	fmt.Println(`Type a question, or /quit to leave.`)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := replHistoryPath()
	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
	}
	defer saveReplHistory(line, historyPath)

	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			return nil
		case "/tools":
			for _, name := range a.Tools() {
				fmt.Println("  " + name)
			}
			continue
		case "/clear":
			if _, err := a.ClearSession(ctx, sessionKey); err != nil {
				fmt.Printf("clear failed: %v\n", err)
			} else {
				fmt.Println("session cleared")
			}
			continue
		}

		reply, err := a.Chat(ctx, finchat.TurnRequest{
			SessionKey:  sessionKey,
			UserID:      userID,
			AccountID:   accountID,
			Message:     input,
			ContextTier: tier,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		if reply.ToolRound {
			names := make([]string, 0, len(reply.Results))
			for _, r := range reply.Results {
				names = append(names, r.Name)
			}
			fmt.Printf("· tools: %s\n", strings.Join(names, ", "))
		}
		fmt.Printf("finchat> %s\n", reply.Content)
		if reply.Degraded {
			fmt.Printf("· degraded: %s\n", strings.Join(reply.DegradedReasons, "; "))
		}
	}
}

func replHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".finchat_history")
}

func saveReplHistory(line *liner.State, path string) {
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		log.Printf("[Chat] save history: %v", err)
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		log.Printf("[Chat] save history: %v", err)
	}
}

// =============================================================================
// serve
// =============================================================================

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with health, metrics, and the cache warmer",
		Long: `Run the assistant in serving mode: the observability HTTP server
(/health, /health/live, /health/ready, /metrics) plus the scheduled cache
warmer when one is configured. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadAssistantConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Observability.EnableMetrics = true

	observability.SetVersion(version)
	if err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  observability.DefaultServiceName,
		Enabled:      cfg.Observability.TracingEnabled,
		ExporterType: cfg.Observability.TracingExporter,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
	}); err != nil {
		log.Printf("[Serve] tracing init failed, continuing without: %v", err)
	}

	a, err := finchat.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.RegisterHealthChecks()
	log.Printf("[Serve] finchat %s ready: %d tools, upstream %s",
		version, len(a.Tools()), cfg.Upstream.Provider)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observability.NewServer(cfg.Observability.HTTPPort)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Serve] observability server on :%d", cfg.Observability.HTTPPort)
		if err := obs.Start(); err != nil {
			errCh <- err
		}
	}()

	observability.UpdateSystemMetrics()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.UpdateSystemMetrics()
			}
		}
	}()

	warmer, err := a.NewWarmer()
	if err != nil {
		return err
	}
	if warmer != nil {
		warmer.Start(ctx)
		log.Printf("[Serve] cache warmer scheduled: %q, %d targets",
			cfg.Cache.WarmSchedule, len(cfg.Cache.WarmTargets))
	}

	select {
	case <-ctx.Done():
		log.Println("[Serve] shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("observability server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if warmer != nil {
		if err := warmer.Stop(shutdownCtx); err != nil {
			log.Printf("[Serve] warmer stop: %v", err)
		}
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] observability server shutdown: %v", err)
	}
	if err := observability.ShutdownTracing(shutdownCtx); err != nil {
		log.Printf("[Serve] tracing shutdown: %v", err)
	}
	log.Println("[Serve] stopped")
	return nil
}

// =============================================================================
// warm
// =============================================================================

func buildWarmCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		accountID  string
	)

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Rebuild cached account context once and exit",
		Long: `Rebuild every context tier for one user (--user) or for all
configured warm targets, then exit. Useful from cron or after bulk data
imports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWarm(cmd.Context(), configPath, userID, accountID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "Warm one user instead of the configured targets")
	cmd.Flags().StringVar(&accountID, "account", "", "Narrow --user warming to one account")
	return cmd
}

func runWarm(ctx context.Context, configPath, userID, accountID string) error {
	cfg, err := loadAssistantConfig(configPath)
	if err != nil {
		return err
	}

	a, err := finchat.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if userID != "" {
		if err := a.WarmUp(ctx, userID, accountID, ""); err != nil {
			return fmt.Errorf("warm %s: %w", userID, err)
		}
		fmt.Printf("warmed context for user %s\n", userID)
		return nil
	}

	targets := cfg.Cache.WarmTargets
	if len(targets) == 0 {
		return errors.New("no --user given and no warm_targets configured")
	}

	warmed := 0
	for _, t := range targets {
		if err := a.WarmUp(ctx, t.UserID, t.AccountID, ""); err != nil {
			log.Printf("[Warm] %s/%s: %v", t.UserID, t.AccountID, err)
			continue
		}
		warmed++
	}
	fmt.Printf("warmed %d/%d targets\n", warmed, len(targets))
	if warmed == 0 {
		return errors.New("all warm targets failed")
	}
	return nil
}

// =============================================================================
// version
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "finchat %s (commit %s)\n", version, commit)
		},
	}
}
