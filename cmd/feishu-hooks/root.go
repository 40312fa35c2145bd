package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.LoadConfig(path)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "feishu-hooks",
		Short:         "Relay Claude Code hook events to Feishu and back",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("feishu-hooks {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default ~/.claude-hooks-feishu/config.yaml)")

	cmd.AddCommand(
		newDaemonCmd(opts),
		newHookCmd(opts),
		newAgentCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "feishu-hooks %s\n", Version)
		},
	}
}
