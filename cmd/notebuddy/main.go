package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baburama/notebuddy/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "notebuddy",
	Short:         "Capture notes from videos, PDFs and recordings",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, statusCmd)
	rootCmd.AddCommand(notesCmd, videoCmd, pdfCmd, recordCmd)
	rootCmd.AddCommand(serveCmd, stopCmd, configCmd)
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		stop()
		os.Exit(1)
	}
}
