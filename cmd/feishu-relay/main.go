// Command feishu-relay runs the central relay between browsers and machine
// agents.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/config"
	"github.com/Tigerdwgth/claude-code-hooks-feishu/internal/relay"
)

var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

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
		Use:           "feishu-relay",
		Short:         "Central relay for remote Claude Code terminals",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("feishu-relay {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	cmd.AddCommand(newServeCmd(opts), newMintTokenCmd(opts))
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay websocket and HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			if cfg.Relay.JWTSecret == "" {
				log.Printf("[relay] No JWT secret configured; every browser will be rejected")
			}
			if len(cfg.Relay.MachineTokens) == 0 {
				log.Printf("[relay] No machine tokens configured; no agent can connect")
			}
			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := relay.New(relay.NewMetrics())
			srv := relay.NewServer(cfg.Relay, r, relay.NewAuthenticator(cfg.Relay.JWTSecret))
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides relay.listen and $PORT)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Run gin in debug mode")
	return cmd
}

func newMintTokenCmd(opts *rootOptions) *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Sign a browser token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return errors.New("--user is required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			token, err := relay.NewAuthenticator(cfg.Relay.JWTSecret).Mint(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", relay.DefaultTokenTTL, "Token lifetime")
	return cmd
}
