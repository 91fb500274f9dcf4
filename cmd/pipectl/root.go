package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"repost-pipeline/internal/app"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/logger"
)

var (
	a        *app.App
	jsonOut  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "pipectl",
	Short:         "Operate the repost pipeline job queue.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if a != nil {
			return nil
		}
		cfg := config.Load()
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log := logger.New(cfg.LogLevel, "text", "pipectl", os.Stderr)
		logger.SetDefault(log)
		ctx := logger.WithContext(cmd.Context(), log)
		cmd.SetContext(ctx)

		built, err := app.Build(ctx, cfg, log, app.Options{WorkerID: "pipectl"})
		if err != nil {
			return err
		}
		a = built
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if a != nil {
			a.Close()
			a = nil
		}
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if a != nil {
			a.Close()
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
}

func parseID(name, v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return id, nil
}

// printOut writes v as indented JSON when --json is set, else text.
func printOut(v any, text string) {
	if jsonOut {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Println(text)
}
