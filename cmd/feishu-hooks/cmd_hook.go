package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/feishu"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/hook"
)

type hookFlow func(r *hook.Runner, ctx context.Context, in hook.Input) hook.Result

func newHookCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Claude Code hook handlers (read hook JSON on stdin)",
	}
	cmd.AddCommand(
		newHookFlowCmd(opts, "guard", "PreToolUse guard for dangerous commands",
			func(c *config.Config) bool { return c.Hooks.Guard }, (*hook.Runner).Guard),
		newHookFlowCmd(opts, "interactive", "Stop and permission prompts answered from Feishu",
			func(c *config.Config) bool { return c.Hooks.Interactive }, (*hook.Runner).Interactive),
		newHookFlowCmd(opts, "notify", "One-way notification for Stop, Notification and tool failures",
			func(c *config.Config) bool { return c.Hooks.Notify }, (*hook.Runner).Notify),
		newFixWritePathCmd(),
	)
	return cmd
}

func newFixWritePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-write-path",
		Short: "PreToolUse hook that makes relative Write paths absolute",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if isTerminal(r) {
				return nil
			}
			data, err := io.ReadAll(io.LimitReader(r, 8<<20))
			if err != nil {
				return nil
			}
			cwd, _ := os.Getwd()
			return writeResult(cmd, hook.FixWritePath(data, cwd))
		},
	}
}

func newHookFlowCmd(opts *rootOptions, name, short string, enabled func(*config.Config) bool, flow hookFlow) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := readHookInput(cmd.InOrStdin())

			cfg, err := opts.load()
			if err != nil {
				// A broken config must not block the session.
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] failed to load config: %v\n", name, err)
				return nil
			}
			if !enabled(cfg) {
				return nil
			}
			runner, err := hook.NewRunner(cfg, feishu.NewClient(cfg.Feishu))
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %v\n", name, err)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return writeResult(cmd, flow(runner, ctx, in))
		},
	}
}

// readHookInput skips stdin when it is a terminal so a manual run does not
// hang waiting for JSON.
func readHookInput(r io.Reader) hook.Input {
	if isTerminal(r) {
		return hook.Input{}
	}
	return hook.ReadInput(r)
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func writeResult(cmd *cobra.Command, res hook.Result) error {
	if res.Stdout != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Stderr)
	}
	if res.ExitCode != 0 {
		return exitError{code: res.ExitCode}
	}
	return nil
}
