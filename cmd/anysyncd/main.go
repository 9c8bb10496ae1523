package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/utils"
	"github.com/openmined/anysyncd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "anysyncd",
	Short:   "anysyncd replicates consistent directory snapshots to peer hosts",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "anysyncd config file")
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRestartCmd())
	rootCmd.AddCommand(newReloadCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// setupLogging wires slog: a tint handler on stdout (colors only on a TTY)
// plus a text handler into the configured logfile. The returned writer is
// re-opened on SIGHUP in daemon mode.
func setupLogging(cfg *config.Config) (*utils.ReopenWriter, error) {
	level := parseLevel(cfg.Global.LogLevel)

	console := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	var logWriter *utils.ReopenWriter
	var file slog.Handler
	if cfg.Global.LogFile != "" {
		if err := utils.EnsureParent(cfg.Global.LogFile); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		w, err := utils.NewReopenWriter(cfg.Global.LogFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logWriter = w
		file = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(utils.NewTeeHandler(console, file)))
	return logWriter, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
