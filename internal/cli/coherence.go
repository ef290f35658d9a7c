package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/ledger"
)

// CoherenceOptions holds flags for the coherence command.
type CoherenceOptions struct {
	*RootOptions
	Robot string
}

// NewCoherenceCommand creates the coherence command.
func NewCoherenceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CoherenceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "coherence",
		Short: "Show the coherence snapshot for a robot",
		Long: `Resolve the coherence snapshot for a robot's artifact chain.

A chain is stale when a derived artifact (idea, copy, playbook) was built
from an upstream signal or fusion that has since been superseded, partial
when a derived artifact is missing or has no resolvable lineage, and
coherent otherwise.

Examples:
  ledgergate coherence --robot robot-1
  ledgergate coherence --robot robot-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoherence(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Robot, "robot", "", "robot id (empty: whole tenant)")

	return cmd
}

func runCoherence(opts *CoherenceOptions, cmd *cobra.Command) error {
	env, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	snap, err := env.snapshots.Snapshot(commandContext(cmd), env.cfg.Tenant, opts.Robot)
	if err != nil {
		return backendError("coherence snapshot failed", err)
	}

	return env.formatter.Render(snap, func(w io.Writer) {
		writeSnapshot(w, opts.Robot, snap)
	})
}

func writeSnapshot(w io.Writer, robot string, snap coherence.Snapshot) {
	if robot == "" {
		robot = "(all robots)"
	}
	heading.Fprintf(w, "Coherence for %s: ", robot)
	fmt.Fprintln(w, paint(snap.Status))
	fmt.Fprintf(w, "  Reason:      %s\n", snap.Reason)
	fmt.Fprintf(w, "  Snapshot at: %s\n", formatTime(snap.SnapshotAt))
	fmt.Fprintf(w, "  Outdated:    %s\n", joinOrDash(snap.Outdated))
	fmt.Fprintf(w, "  Partial:     %s\n", joinOrDash(snap.Partial))
	if snap.MissingLineage > 0 {
		fmt.Fprintf(w, "  Unresolved lineage ids: %d\n", snap.MissingLineage)
	}

	if len(snap.Latest) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Latest artifacts:")
	for _, t := range ledger.CoherenceTypes {
		a, ok := snap.Latest[t]
		if !ok {
			fmt.Fprintf(w, "    %-10s %s\n", t, "-")
			continue
		}
		fmt.Fprintf(w, "    %-10s %-38s %s\n", t, a.ID, formatTime(&a.CreatedAt))
	}
}
