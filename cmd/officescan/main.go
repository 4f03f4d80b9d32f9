package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/office-analysis/office-analysis-go/internal/bootstrap"
	"github.com/office-analysis/office-analysis-go/internal/config"
)

var (
	Version = "1.0.0"

	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logrus.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "officescan",
		Short:        "Structural fingerprinting and content snapshots for OOXML documents",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			// 标准输出留给结果
			loaded.Log.Output = "stderr"

			cfg = loaded
			logger = config.InitLogger(&cfg.Log)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults and environment only when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newStructureCmd(),
		newSieveCmd(),
		newContentCmd(),
		newAnalyzeCmd(),
		newBatchCmd(),
		newDatasetCmd(),
	)
	return root
}

// components 按需组装流水线
func components(ctx context.Context, withClassifier bool) (*bootstrap.Components, error) {
	return bootstrap.Build(ctx, cfg, logger, nil, withClassifier)
}

func closeComponents(comps *bootstrap.Components) {
	if err := comps.Close(); err != nil {
		logger.WithError(err).Warn("Failed to release pipeline components")
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
