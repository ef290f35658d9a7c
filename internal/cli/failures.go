package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/ledger"
)

// FailuresOptions holds flags for the failures command.
type FailuresOptions struct {
	*RootOptions
	Limit int
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List dead-lettered ledger writes",
		Long: `List entries the ledger backend rejected, newest first.

Every failed append is kept in the dead-letter store together with the
error that caused it, so nothing a module produced is silently lost.

Example:
  ledgergate failures --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailures(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum failures to show")

	return cmd
}

func runFailures(opts *FailuresOptions, cmd *cobra.Command) error {
	if opts.Limit < 1 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}

	env, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	failures, err := env.journal.ListFailures(commandContext(cmd), env.cfg.Tenant, opts.Limit)
	if err != nil {
		return backendError("listing failures failed", err)
	}
	if failures == nil {
		failures = []ledger.Failure{}
	}

	return env.formatter.Render(failures, func(w io.Writer) {
		if len(failures) == 0 {
			fmt.Fprintln(w, "No failures.")
			return
		}
		for _, f := range failures {
			fmt.Fprintf(w, "%s %s %s %s\n", formatTime(&f.FailedAt), f.Type, f.Module, f.ID)
			fmt.Fprintf(w, "  %s\n", f.ErrorMessage)
		}
	})
}
