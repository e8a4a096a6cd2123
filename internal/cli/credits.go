package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxnote/voxnote/internal/daemon"
	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/completion"
)

// ─── Credit CLI ─────────────────────────────────────────────────────────────
// Every command opens the local ledger directly. A running `voxnote serve`
// may share the data directory: a write that loses the race to the other
// process reloads the stored balance and retries.

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(backupCodesCmd)
	backupCodesCmd.AddCommand(backupCodesGenerateCmd)
	backupCodesCmd.AddCommand(backupCodesRedeemCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Number of transactions to show")
	purchaseCmd.Flags().String("method", "demo", "Payment method")
	exportCmd.Flags().StringP("output", "o", "", "Write the export to a file instead of stdout")
	clearCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the credit balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			m := d.Credits
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, map[string]interface{}{
					"balance":    m.Balance(),
					"runningLow": m.IsRunningLow(0),
					"corrupted":  m.Corrupted(),
				})
			}
			fmt.Fprintf(out, "Balance: %d credits\n", m.Balance())
			if m.Corrupted() {
				fmt.Fprintln(out, "⚠️  Stored balance is corrupted. Run 'voxnote recover CODE' with a backup code.")
			} else if m.IsRunningLow(0) {
				fmt.Fprintln(out, "⚠️  Running low. See 'voxnote packages'.")
			}
			return nil
		})
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent credit transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			txs, err := d.Credits.History(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				if txs == nil {
					txs = []domain.Transaction{}
				}
				return printJSON(out, txs)
			}
			if len(txs) == 0 {
				fmt.Fprintln(out, "No transactions yet.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tTYPE\tAMOUNT\tOPERATION")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%+d\t%s\n",
					tx.ID, tx.Timestamp.Local().Format(time.DateTime), tx.Type, signed(tx), tx.Operation)
			}
			return tw.Flush()
		})
	},
}

// signed shows deductions as negative amounts.
func signed(tx domain.Transaction) int64 {
	if tx.Type == domain.TxDeduction {
		return -tx.Amount
	}
	return tx.Amount
}

// ─── packages / purchase ────────────────────────────────────────────────────

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List credit packages and operation costs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, map[string]interface{}{
					"packages": d.Credits.Packages(),
					"costs":    d.Credits.Costs(),
				})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PACKAGE\tCREDITS\tPRICE")
			for _, p := range d.Credits.Packages() {
				fmt.Fprintf(tw, "%s\t%d\t$%s\n", p.Key, p.Credits, p.Price.StringFixed(2))
			}
			fmt.Fprintln(tw, "")
			fmt.Fprintln(tw, "OPERATION\tCOST")
			costs := d.Credits.Costs()
			ops := make([]string, 0, len(costs))
			for op := range costs {
				ops = append(ops, string(op))
			}
			sort.Strings(ops)
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%d\n", op, costs[domain.Operation(op)])
			}
			return tw.Flush()
		})
	},
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase PACKAGE",
	Short: "Buy a credit package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			r, err := d.Credits.PurchaseCredits(ctx, args[0], method)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, r)
			}
			fmt.Fprintf(out, "✅ Added %d credits for $%s (receipt %s)\n", r.Credits, r.Price.StringFixed(2), r.ID)
			fmt.Fprintf(out, "   New balance: %d\n", r.NewBalance)
			return nil
		})
	},
}

// ─── backup codes / recover ─────────────────────────────────────────────────

var backupCodesCmd = &cobra.Command{
	Use:   "backup-codes",
	Short: "Manage one-time recovery codes",
}

var backupCodesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a fresh set of backup codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			codes, err := d.Credits.GenerateBackupCodes(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd) {
				return printJSON(out, codes)
			}
			fmt.Fprintln(out, "Store these codes somewhere safe. Each works once.")
			for _, c := range codes {
				fmt.Fprintf(out, "  %s\n", c)
			}
			return nil
		})
	},
}

var backupCodesRedeemCmd = &cobra.Command{
	Use:   "redeem CODE",
	Short: "Consume a backup code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			ok, err := d.Credits.UseBackupCode(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInvalidBackupCode
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Backup code accepted")
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover CODE",
	Short: "Restore a corrupted balance with a backup code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			balance, err := d.Credits.Recover(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Balance restored: %d credits\n", balance)
			return nil
		})
	},
}

// ─── reset / clear / export ─────────────────────────────────────────────────

var resetCmd = &cobra.Command{
	Use:   "reset BALANCE",
	Short: "Set the balance directly (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("balance must be an integer: %w", err)
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			balance, err := d.Credits.ResetCredits(ctx, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Balance set to %d\n", balance)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all credit data (balance, history, settings, backup codes)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			ok, err := promptYesNo(cmd.InOrStdin(), cmd.OutOrStdout(), "This permanently deletes all credit data. Continue?")
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrDeclined
			}
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			if err := d.Credits.ClearAllData(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Credit data cleared")
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all credit data as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			exp, err := d.Credits.Export(ctx)
			if err != nil {
				return err
			}
			if path == "" {
				return printJSON(cmd.OutOrStdout(), exp)
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			if err := printJSON(f, exp); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Exported %d transactions to %s\n", len(exp.Transactions), path)
			return nil
		})
	},
}

// ─── settings ───────────────────────────────────────────────────────────────

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write ledger settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			v := d.Credits.Setting(ctx, args[0], nil)
			if v == nil {
				return fmt.Errorf("setting %q not set", args[0])
			}
			return printJSON(cmd.OutOrStdout(), v)
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a setting (VALUE is parsed as JSON, else kept as a string)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value interface{}
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			if err := d.Credits.SaveSetting(ctx, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s saved\n", args[0])
			return nil
		})
	},
}

// errorHint adds a next step to well-known failures.
func errorHint(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "Buy more with 'voxnote purchase PACKAGE' (see 'voxnote packages')."
	case errors.Is(err, domain.ErrBalanceCorrupted):
		return "Restore it with 'voxnote recover CODE' or reset with 'voxnote reset N'."
	case errors.Is(err, domain.ErrUnknownPackage):
		return "See 'voxnote packages' for available packages."
	case errors.Is(err, completion.ErrNotConfigured):
		return "Set VOXNOTE_AI_API_KEY or [ai] api_key in config.toml."
	}
	return ""
}
