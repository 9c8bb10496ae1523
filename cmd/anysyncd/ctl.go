package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openmined/anysyncd/internal/daemon"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	red   = color.New(color.FgHiRed).SprintFunc()
)

const stopTimeout = 10 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the anysyncd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return stopDaemon(cmd)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the anysyncd daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := pidfilePathFromFlags(cmd)
			if err != nil {
				return err
			}
			if pid, ok := daemon.Running(path); ok {
				fmt.Printf("%s (pid %d)\n", green("anysyncd is running"), pid)
				return nil
			}
			fmt.Println(red("anysyncd is not running"))
			os.Exit(3) // init-script convention for "stopped"
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Send SIGHUP: a detached daemon reopens its log file, a foreground one shuts down",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path, err := pidfilePathFromFlags(cmd)
			if err != nil {
				return err
			}
			pid, ok := daemon.Running(path)
			if !ok {
				return fmt.Errorf("anysyncd is not running")
			}
			return syscall.Kill(pid, syscall.SIGHUP)
		},
	}
}

func stopDaemon(cmd *cobra.Command) error {
	path, err := pidfilePathFromFlags(cmd)
	if err != nil {
		return err
	}

	pid, ok := daemon.Running(path)
	if !ok {
		fmt.Println("anysyncd is not running")
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, ok := daemon.Running(path); !ok {
			fmt.Printf("anysyncd stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, stopTimeout)
}
