package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/dispatch"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/feishu"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ipc"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/queue"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the Feishu dispatch daemon",
	}
	cmd.AddCommand(
		newDaemonStartCmd(opts),
		newDaemonRunCmd(opts),
		newDaemonStopCmd(opts),
		newDaemonStatusCmd(opts),
	)
	return cmd
}

func newDaemonStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			status, pid, err := dispatch.DaemonStatus(cfg.PIDPath())
			if err != nil {
				return err
			}
			if status == dispatch.StatusRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "daemon already running (PID %d)\n", pid)
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			childArgs := []string{"daemon", "run"}
			if opts.configPath != "" {
				childArgs = append(childArgs, "--config", opts.configPath)
			}
			child := exec.Command(exe, childArgs...)
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			_ = child.Process.Release()

			// The child writes its own PID marker; wait briefly so status is accurate.
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if dispatch.IsRunning(cfg.PIDPath()) {
					fmt.Fprintf(cmd.OutOrStdout(), "daemon started, log: %s\n", cfg.LogPath())
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon did not come up, see %s", cfg.LogPath())
		},
	}
}

func newDaemonRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logFile, err := openDaemonLog(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()
			log.SetOutput(logFile)
			log.SetFlags(log.LstdFlags)

			if dispatch.IsRunning(cfg.PIDPath()) {
				log.Printf("Daemon already running, exiting")
				return dispatch.ErrAlreadyRunning
			}
			d, err := buildDaemon(cfg)
			if err != nil {
				log.Printf("Failed to start daemon: %v", err)
				return err
			}

			var agent func(context.Context)
			if cfg.CentralServer.Enabled && cfg.CentralServer.URL != "" {
				agent = func(ctx context.Context) { runAgent(ctx, cfg) }
			}
			return serveDaemon(cmd.Context(), d, agent)
		},
	}
}

// serveDaemon runs d and, when agent is set, the relay agent beside it. It
// returns only after the agent has closed its relay link and terminals.
func serveDaemon(ctx context.Context, d interface{ Run(context.Context) error }, agent func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if agent != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent(ctx)
		}()
	}
	err := d.Run(ctx)
	cancel()
	wg.Wait()
	log.Printf("Daemon exited")
	return err
}

func openDaemonLog(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.BaseDir, err)
	}
	f, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon log: %w", err)
	}
	return f, nil
}

func buildDaemon(cfg *config.Config) (*dispatch.Daemon, error) {
	mb, err := ipc.Open(cfg.IPCDirectory())
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg.IPCDirectory())
	resolver := dispatch.NewResolver(mb, queue.New(cfg.IPCDirectory()), reg, feishu.NewClient(cfg.Feishu))
	return &dispatch.Daemon{
		PIDPath:  cfg.PIDPath(),
		Resolver: resolver,
		Registry: reg,
		Source:   eventSource(cfg.Feishu),
	}, nil
}

func eventSource(cfg config.FeishuConfig) dispatch.EventSource {
	if cfg.EventMode == config.EventModeHTTP {
		return feishu.NewEventServer(cfg.EventListen, cfg.App.VerificationToken)
	}
	return feishu.NewLongConn(cfg.App.AppID, cfg.App.AppSecret)
}

func newDaemonStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pid, err := dispatch.Stop(cfg.PIDPath())
			switch {
			case errors.Is(err, dispatch.ErrNotRunning):
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to daemon (PID %d)\n", pid)
			return nil
		},
	}
}

type statusReport struct {
	Status  dispatch.Status `json:"status"`
	PID     int             `json:"pid,omitempty"`
	IPCDir  string          `json:"ipc_dir"`
	LogPath string          `json:"log_path"`
	Machine string          `json:"machine_id"`
}

func newDaemonStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			status, pid, err := dispatch.DaemonStatus(cfg.PIDPath())
			if err != nil {
				return err
			}
			report := statusReport{
				Status:  status,
				IPCDir:  cfg.IPCDirectory(),
				LogPath: cfg.LogPath(),
				Machine: cfg.Machine(),
			}
			if status == dispatch.StatusRunning {
				report.PID = pid
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			switch status {
			case dispatch.StatusRunning:
				fmt.Fprintf(out, "daemon running (PID %d)\n", pid)
			case dispatch.StatusStale:
				fmt.Fprintln(out, "daemon not running (removed stale PID file)")
			default:
				fmt.Fprintln(out, "daemon not running")
			}
			fmt.Fprintf(out, "machine: %s\nipc dir: %s\nlog:     %s\n", report.Machine, report.IPCDir, report.LogPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
