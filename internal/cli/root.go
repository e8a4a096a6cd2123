// Package cli implements the voxnote command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxnote/voxnote/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "voxnote",
	Short: "Voice notes with metered AI polish and translation",
	Long: `voxnote keeps a local, encrypted credit balance and spends it on
AI operations over your transcribed notes. Run 'voxnote serve' for the HTTP
API, or use the subcommands directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("home", "", "Data directory (default $VOXNOTE_HOME or ~/.voxnote)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().Bool("json", false, "Print machine-readable JSON")
}

// Execute runs the root command and prints any error with a hint.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
	}
	return err
}

// ─── Shared Helpers ─────────────────────────────────────────────────────────

func homeDir(cmd *cobra.Command) (string, error) {
	if h, _ := cmd.Flags().GetString("home"); h != "" {
		return h, nil
	}
	return daemon.Home()
}

// openDaemon loads config and brings up storage and the credit manager.
// Callers must Close the result.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	home, err := homeDir(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := daemon.LoadConfig(home)
	if err != nil {
		return nil, err
	}

	// One-shot commands stay quiet unless asked.
	if cmd.Name() != "serve" {
		cfg.Log.Level = "warn"
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.Log.Level = "debug"
	}
	logger, err := daemon.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	d, err := daemon.New(ctx(cmd), cfg, home, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return d, nil
}

// withDaemon runs fn against an opened daemon and closes it afterwards.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() {
		d.Close()
		d.Logger.Sync()
	}()
	return fn(ctx(cmd), d)
}

func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
