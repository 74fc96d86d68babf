package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duckbridge/duckbridge/pkg/config"
	"github.com/duckbridge/duckbridge/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveAPIKeyOverride     string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
				if err := config.Save(serveConfigPath, cfg); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", serveConfigPath)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("api-key") {
				cfg.APIKey = serveAPIKeyOverride
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return proxy.NewServer(cfg).Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveAPIKeyOverride, "api-key", "", "Override inbound bearer API key from config")
	rootCmd.AddCommand(serveCmd)
}
