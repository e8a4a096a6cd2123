package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/voxnote/voxnote/internal/app/gate"
	"github.com/voxnote/voxnote/internal/daemon"
	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/completion"
)

// ─── Note CLI ───────────────────────────────────────────────────────────────
// polish and translate run through the credit gate: the cost preview is
// shown and confirmed before the AI call, and credits are spent only for a
// completed result.

func init() {
	rootCmd.AddCommand(polishCmd)
	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(completeCmd)

	for _, c := range []*cobra.Command{polishCmd, translateCmd, completeCmd} {
		c.Flags().StringP("file", "f", "", "Read the note from a file ('-' for stdin)")
		c.Flags().BoolP("yes", "y", false, "Accept the cost without prompting")
	}
	translateCmd.Flags().StringP("to", "t", "", "Target language (required)")
	translateCmd.MarkFlagRequired("to")
	completeCmd.Flags().StringP("system", "s", "", "System prompt")
}

var polishCmd = &cobra.Command{
	Use:   "polish [TEXT]",
	Short: "Clean up a transcribed note",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := noteText(cmd, args)
		if err != nil {
			return err
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			polish, err := wrapNote(cmd, d, domain.OpPolish, d.Notes.Polish, nil)
			if err != nil {
				return err
			}
			res, err := polish(ctx, text)
			return printNote(cmd, d, res, err)
		})
	},
}

var translateCmd = &cobra.Command{
	Use:   "translate [TEXT]",
	Short: "Translate a note",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := noteText(cmd, args)
		if err != nil {
			return err
		}
		lang, _ := cmd.Flags().GetString("to")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			translate, err := wrapNote(cmd, d, domain.OpTranslate,
				func(ctx context.Context, text string) (completion.Result, error) {
					return d.Notes.Translate(ctx, text, lang)
				},
				map[string]any{"targetLanguage": lang})
			if err != nil {
				return err
			}
			res, err := translate(ctx, text)
			return printNote(cmd, d, res, err)
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete [PROMPT]",
	Short: "Run a free-form prompt",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := noteText(cmd, args)
		if err != nil {
			return err
		}
		system, _ := cmd.Flags().GetString("system")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			complete, err := wrapNote(cmd, d, domain.OpComplete,
				func(ctx context.Context, prompt string) (completion.Result, error) {
					return d.Notes.Complete(ctx, system, prompt)
				},
				map[string]any{"hasSystem": system != ""})
			if err != nil {
				return err
			}
			res, err := complete(ctx, prompt)
			return printNote(cmd, d, res, err)
		})
	},
}

// wrapNote guards fn with the credit gate for op. Unlike gate.Wrap it
// returns an error for an operation with no configured cost.
func wrapNote(cmd *cobra.Command, d *daemon.Daemon, op domain.Operation, fn gate.Func[string, completion.Result], extra map[string]any) (gate.Func[string, completion.Result], error) {
	if _, ok := d.Credits.LookupCost(op); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOperation, op)
	}
	return gate.Wrap(d.Credits, op, fn, noteOptions(cmd, d, extra)...), nil
}

// noteOptions builds the gate options for a note command. extra is merged
// into the transaction metadata next to the character count.
func noteOptions(cmd *cobra.Command, d *daemon.Daemon, extra map[string]any) []gate.Option {
	opts := []gate.Option{
		gate.WithLogger(d.Logger),
		gate.WithTracer(d.Tracer),
		gate.WithDescribe(func(text string) map[string]any {
			meta := map[string]any{"characters": utf8.RuneCountInString(text)}
			for k, v := range extra {
				meta[k] = v
			}
			return meta
		}),
		gate.OnInsufficient(func(_ context.Context, p domain.CostPreview) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s costs %d credits but you have %d.\n", p.Operation, p.Cost, p.CurrentBalance)
		}),
	}
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return append(opts, gate.WithConfirmer(gate.Preconfirmed(true)))
	}
	return append(opts, gate.WithConfirmer(&TerminalConfirmer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}))
}

func printNote(cmd *cobra.Command, d *daemon.Daemon, res completion.Result, err error) error {
	if err != nil && res.Text == "" {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cmd) {
		return printJSON(out, map[string]interface{}{
			"text":    res.Text,
			"model":   res.Model,
			"balance": d.Credits.Balance(),
		})
	}
	fmt.Fprintln(out, res.Text)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %v\n", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Balance: %d credits\n", d.Credits.Balance())
	return nil
}

// noteText takes the note from the argument, --file, or stdin.
func noteText(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("file")
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("pass the note as an argument or with --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read note: %w", err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("no note given: pass TEXT or --file")
}

// ─── Terminal Confirmation ──────────────────────────────────────────────────

// TerminalConfirmer prints the cost preview and reads y/N.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements gate.Confirmer.
func (t *TerminalConfirmer) Confirm(_ context.Context, p domain.CostPreview) (bool, error) {
	after := "?"
	if p.BalanceAfter != nil {
		after = fmt.Sprint(*p.BalanceAfter)
	}
	q := fmt.Sprintf("%s costs %d credits (balance %d → %s). Continue?", p.Operation, p.Cost, p.CurrentBalance, after)
	return promptYesNo(t.In, t.Out, q)
}

// promptYesNo asks question and returns true only for y or yes. EOF is no.
func promptYesNo(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
