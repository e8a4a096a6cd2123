package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the credit and note API on the configured address
(default 127.0.0.1:7410). Stops cleanly on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigCtx, stop := signal.NotifyContext(ctx(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(sigCtx)

		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			d.Logger.Info("voxnote starting",
				zap.String("home", d.Home),
				zap.Int64("balance", d.Credits.Balance()),
				zap.Bool("metrics", d.Config.API.Metrics),
				zap.Bool("admin", d.Config.Admin.Token != ""))
			return d.Serve(ctx)
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.toml to the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := homeDir(cmd)
		if err != nil {
			return err
		}
		wrote, err := daemon.WriteDefault(home)
		if err != nil {
			return err
		}
		if !wrote {
			fmt.Fprintf(cmd.OutOrStdout(), "Config already exists in %s\n", home)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %s/config.toml\n", home)
		return nil
	},
}
