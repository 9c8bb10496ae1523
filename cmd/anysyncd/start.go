package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/daemon"
	"github.com/openmined/anysyncd/internal/utils"
	"github.com/openmined/anysyncd/internal/version"
)

func newStartCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the anysyncd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if foreground {
				// a detached child also runs with --foreground; the env var
				// tells the two apart for SIGHUP semantics
				return runDaemon(cmd, os.Getenv("ANYSYNCD_DAEMONIZED") == "1")
			}
			return spawnDetached(cmd)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the anysyncd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if err := stopDaemon(cmd); err != nil {
				return err
			}
			return spawnDetached(cmd)
		},
	}
}

// spawnDetached re-executes the binary with --foreground in its own session
// and returns once the child is off the ground.
func spawnDetached(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	child := exec.Command(self, "start", "--foreground", "--config", configPath)
	child.Env = append(os.Environ(), "ANYSYNCD_DAEMONIZED=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil

	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}

	fmt.Printf("anysyncd started (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}

func runDaemon(cmd *cobra.Command, daemonMode bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logWriter, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	if logWriter != nil {
		defer logWriter.Close()
	}

	pidfile, err := daemon.AcquirePidfile(pidfilePath(cfg))
	if err != nil {
		return err
	}
	defer pidfile.Release()

	slog.Info("anysyncd", "version", version.Version, "revision", version.Revision)

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// SIGHUP reopens the log file in daemon mode and shuts down in the
	// foreground.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if daemonMode {
				if logWriter != nil {
					slog.Info("reopening log file", "path", cfg.Global.LogFile)
					if err := logWriter.Reopen(); err != nil {
						slog.Error("failed to reopen log file", "error", err)
					}
				}
				continue
			}
			slog.Info("received SIGHUP, shutting down")
			cancel()
		}
	}()

	defer slog.Info("Bye!")
	if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}
	return nil
}

func pidfilePath(cfg *config.Config) string {
	return filepath.Join(cfg.Global.StateDir, "anysyncd.pid")
}

func pidfilePathFromFlags(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		// fall back to the default state dir when the config file is missing,
		// so stop/status still work against a running daemon
		if !utils.FileExists(path) {
			return filepath.Join(config.DefaultStateDir, "anysyncd.pid"), nil
		}
		return "", err
	}
	return pidfilePath(cfg), nil
}
