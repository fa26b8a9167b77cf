package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lehigh-university-libraries/speedybat/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "speedybat",
		Short: "Fast keyboard-driven annotation of bat call spectrograms",
		Long: `SpeedyBat steps through a folder of spectrogram images and records
call counts, presence flags and notes for each one in an annotations file
next to the images.

Progress is saved to annotations.csv (or annotations.parquet). Reopening a
folder resumes where the last session left off.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			level := opts.logLevel
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			return setupLogging(level)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to speedybat.yaml (default $SPEEDYBAT_CONFIG or ./speedybat.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $LOG_LEVEL or info)")

	// Add subcommands
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newAnnotateCmd(opts))
	cmd.AddCommand(newInspectCmd(opts))
	cmd.AddCommand(newExportCmd())

	return cmd
}

func setupLogging(level string) error {
	var l slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		l = slog.LevelInfo
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
