package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/store"
)

// Exit codes: 0 success, 1 user error, 2 backend error, 130 interrupt.
const (
	exitOK        = 0
	exitUserError = 1
	exitBackend   = 2
	exitInterrupt = 130
)

func main() {
	root := &cobra.Command{
		Use:           "qagent",
		Short:         "AI-powered terminal agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newChatCmd(),
		newAgentCmd(),
		newSettingsCmd(),
		newMcpCmd(),
		newLoginCmd(),
		newLogoutCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(ctx, err))
	}
}

func exitCodeFor(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.KindOf(err) == errors.KindCancelled {
		return exitInterrupt
	}
	switch errors.KindOf(err) {
	case errors.KindAuth, errors.KindBackendTransient, errors.KindBackendFatal, errors.KindBackendContextLimit:
		return exitBackend
	default:
		return exitUserError
	}
}

// setupLogger configures slog from Q_LOG_LEVEL and the config file.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	name := os.Getenv("Q_LOG_LEVEL")
	if name == "" {
		name = cfg.LogLevel
	}
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openStore opens the session database in the platform data directory.
func openStore() (*store.Store, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	return store.Open(filepath.Join(dir, "data.sqlite3"))
}
