package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/agent"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/registry"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/scanner"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/ws"
)

func newAgentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Connect this machine to the central relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.CentralServer.URL == "" {
				return errors.New("central_server.url is not configured")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			runAgent(ctx, cfg)
			return nil
		},
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// runAgent connects this machine to the relay and blocks until ctx is done,
// its terminals are killed and the relay link is closed.
func runAgent(ctx context.Context, cfg *config.Config) {
	machine := cfg.Machine()
	client := ws.NewClient(cfg.CentralServer.URL, cfg.CentralServer.MachineToken, machine, cfg.CentralServer.ReconnectBackoffMs)

	projects := cfg.Scanner.ProjectsDir
	if projects == "" {
		projects = scanner.DefaultProjectsDir()
	}
	a := agent.New(client, agent.Options{
		MachineID: machine,
		Registry:  registry.New(cfg.IPCDirectory()),
		Scanner: scanner.New(scanner.Options{
			ProjectsDir:  projects,
			ActiveWindow: ms(cfg.Scanner.ActiveWindowMs),
			HeadBytes:    cfg.Scanner.HeadBytes,
			FileListTTL:  ms(cfg.Scanner.FileListTTLMs),
			HistoryTTL:   ms(cfg.Scanner.HistoryTTLMs),
		}),
		Files: scanner.FilePolicy{
			BlockedDirs:        cfg.FileAccess.BlockedDirs,
			BlockedSystemPaths: cfg.FileAccess.BlockedSystemPaths,
			MaxBytes:           int64(cfg.FileAccess.MaxFileSizeKB) * 1024,
		},
		SessionPollInterval: ms(cfg.CentralServer.SessionPollIntervalMs),
	})
	client.SetMessageHandler(a.Handle)
	client.SetOnConnect(a.OnConnect)

	log.Printf("Agent %s connecting to %s", machine, cfg.CentralServer.URL)
	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		client.Run(ctx)
	}()
	a.Run(ctx)
	client.Close()
	<-linkDone
	log.Printf("Agent %s disconnected", machine)
}
