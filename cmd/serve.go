package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/k2gate/k2gate/pkg/config"
	"github.com/k2gate/k2gate/pkg/logutil"
	"github.com/k2gate/k2gate/pkg/proxy"
	"github.com/k2gate/k2gate/pkg/tokenpool"
	"github.com/k2gate/k2gate/pkg/upstream"
)

var (
	serveConfigPath     string
	serveListenOverride string
	serveLogLevel       string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrCreate(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				host, port, err := splitListenAddr(serveListenOverride)
				if err != nil {
					return err
				}
				cfg.Host, cfg.Port = host, port
			}
			level := cfg.LogLevel
			if cmd.Flags().Changed("loglevel") {
				level = serveLogLevel
			}
			if err := logutil.Configure(level); err != nil {
				return err
			}

			pool, err := tokenpool.Load(cfg.TokensFile, cfg.MaxTokenFailures)
			if err != nil {
				if !cfg.EnableTokenAutoUpdate {
					return fmt.Errorf("load tokens: %w", err)
				}
				// Auto-update will populate the file; start empty.
				if writeErr := os.WriteFile(cfg.TokensFile, []byte("# tokens are managed by the auto-update service\n"), 0o600); writeErr != nil {
					return fmt.Errorf("create token file: %w", writeErr)
				}
				pool, err = tokenpool.Load(cfg.TokensFile, cfg.MaxTokenFailures)
				if err != nil {
					return fmt.Errorf("load tokens: %w", err)
				}
			}

			client := upstream.NewClient(
				cfg.UpstreamChatURL,
				cfg.UpstreamLoginURL,
				time.Duration(cfg.RequestTimeoutSeconds)*time.Second,
				time.Duration(cfg.ConnectTimeoutSeconds)*time.Second,
			)

			var refresher *tokenpool.Refresher
			if cfg.EnableTokenAutoUpdate {
				refresher = tokenpool.NewRefresher(
					pool,
					cfg.AccountsFile,
					cfg.TokensFile,
					time.Duration(cfg.TokenUpdateIntervalSeconds)*time.Second,
					time.Duration(cfg.LoginTimeoutSeconds)*time.Second,
					client.Login,
				)
			}

			srv := proxy.NewServer(cfg, pool, refresher, client)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8001)")
	serveCmd.Flags().StringVar(&serveLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}

func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
