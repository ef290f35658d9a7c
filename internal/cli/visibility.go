package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/visibility"
)

// VisibilityOptions holds flags for the visibility command.
type VisibilityOptions struct {
	*RootOptions
	Query   string
	Robot   string
	History bool
	Limit   int
}

// NewVisibilityCommand creates the visibility command.
func NewVisibilityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VisibilityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "visibility",
		Short: "Show the status board for a robot",
		Long: `Show the read-only status board for a robot: coherence, which
artifacts exist, each module's last run, active gates, builder readiness
and the recommended next actions.

Examples:
  ledgergate visibility --robot robot-1
  ledgergate visibility --robot robot-1 --history --limit 20
  ledgergate visibility --query query.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVisibility(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Query, "query", "", "visibility query JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.Robot, "robot", "", "robot id")
	cmd.Flags().BoolVar(&opts.History, "history", false, "include recent ledger entries")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, fmt.Sprintf("history entries (default %d, max %d)",
		visibility.DefaultHistoryLimit, visibility.MaxHistoryLimit))
	cmd.MarkFlagsMutuallyExclusive("query", "robot")

	return cmd
}

func runVisibility(opts *VisibilityOptions, cmd *cobra.Command) error {
	if opts.Query == "" && opts.Robot == "" {
		return NewExitError(ExitCommandError, "either --query or --robot is required")
	}

	env, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	q, err := visibilityQuery(opts, cmd, env.cfg.Tenant)
	if err != nil {
		return err
	}

	board := visibility.NewResolver(env.journal, env.snapshots,
		visibility.WithWindow(env.cfg.Visibility.Window),
		visibility.WithLogger(env.logger),
	)
	report, err := board.Report(commandContext(cmd), q)
	if errors.Is(err, visibility.ErrInvalidQuery) {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "visibility report failed", err)
	}

	return env.formatter.Render(report, func(w io.Writer) {
		writeReport(w, report)
	})
}

// visibilityQuery reads --query through the closed query contract, or
// builds the query from flags.
func visibilityQuery(opts *VisibilityOptions, cmd *cobra.Command, tenantID string) (visibility.Query, error) {
	if opts.Query == "" {
		return visibility.Query{
			TenantID:       tenantID,
			RobotID:        opts.Robot,
			IncludeHistory: opts.History,
			HistoryLimit:   opts.Limit,
		}, nil
	}
	data, err := readInput(cmd, opts.Query)
	if err != nil {
		return visibility.Query{}, err
	}
	q, err := visibility.DecodeQuery(tenantID, data)
	if err != nil {
		return visibility.Query{}, WrapExitError(ExitCommandError, "invalid query", err)
	}
	return q, nil
}

func writeReport(w io.Writer, r *visibility.Report) {
	heading.Fprintf(w, "Robot %s", r.RobotID)
	fmt.Fprintf(w, " (tenant %s)\n", r.TenantID)
	fmt.Fprintf(w, "  Coherence: %s  %s\n", paint(r.Coherence.Status), r.Coherence.Reason)
	fmt.Fprintf(w, "  Snapshot:  %s\n", formatTime(r.Coherence.SnapshotAt))

	fmt.Fprintln(w)
	fmt.Fprint(w, "  Artifacts:")
	for _, t := range ledger.CoherenceTypes {
		mark := color.RedString("✗")
		if r.ArtifactsPresent.Has(t) {
			mark = color.GreenString("✓")
		}
		fmt.Fprintf(w, " %s %s", mark, t)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Modules:")
	for _, m := range r.Modules {
		line := fmt.Sprintf("    %-14s %s", m.Module, paint(m.Status))
		if m.LastUpdatedAt != nil {
			line += "  " + formatTime(m.LastUpdatedAt)
		}
		if m.LastReason != "" {
			line += "  " + m.LastReason
		}
		fmt.Fprintln(w, line)
	}

	if len(r.ActiveGates) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Active gates:")
		for _, g := range r.ActiveGates {
			fmt.Fprintf(w, "    %-14s %s %s  %s\n", g.Module, paint(g.State), g.EntryID, g.Reason)
		}
	}

	fmt.Fprintln(w)
	ready := color.RedString("no")
	if r.BuilderReadiness.DryRunAllowed {
		ready = color.GreenString("yes")
	}
	fmt.Fprintf(w, "  Builder dry run allowed: %s", ready)
	if len(r.BuilderReadiness.MissingArtifacts) > 0 {
		fmt.Fprintf(w, " (missing %s)", joinOrDash(r.BuilderReadiness.MissingArtifacts))
	}
	fmt.Fprintln(w)

	if len(r.NextActions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Next actions:")
		for i, a := range r.NextActions {
			fmt.Fprintf(w, "    %d. %-16s %-6s %s\n", i+1, a.Action, a.Priority, a.Rationale)
		}
	}

	if len(r.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  History:")
		for _, h := range r.History {
			fmt.Fprintf(w, "    %s %-15s %-14s %-10s %s\n",
				formatTime(&h.CreatedAt), h.Type, h.Module, paint(h.State), h.ID)
		}
	}
}
