package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/ledger"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	ID          string
	Robot       string
	Module      string
	Source      string
	Type        string
	State       string
	Payload     string
	DependsOn   []string
	ExecutionID string
}

// AppendResult is the JSON output of the append command.
type AppendResult struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	CreatedAt string `json:"createdAt"`
	Inserted  bool   `json:"inserted"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an entry to the ledger",
		Long: `Append one immutable entry to the ledger.

The store assigns seq and createdAt. Appending an id that already exists is
a no-op that reports the stored entry with inserted=false.

Examples:
  ledgergate append --robot robot-1 --module robots --type signal --payload '{"score":0.7}'
  ledgergate append --robot robot-1 --module ideator --type idea --depends-on <fusion-id>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "entry id (default: generated UUIDv7)")
	cmd.Flags().StringVar(&opts.Robot, "robot", "", "robot id")
	cmd.Flags().StringVar(&opts.Module, "module", "", "producing module (required)")
	cmd.Flags().StringVar(&opts.Source, "source", "cli", "free-form producer name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "artifact type (required)")
	cmd.Flags().StringVar(&opts.State, "state", string(ledger.StateDraft), "entry state")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "payload as a JSON object")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "ids this entry was derived from")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "execution id for lineage")
	_ = cmd.MarkFlagRequired("module")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	var payload ledger.Document
	if err := ledger.DecodeJSON([]byte(opts.Payload), &payload); err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}
	if payload == nil {
		return NewExitError(ExitCommandError, "invalid --payload JSON: must be an object")
	}

	env, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	entry := ledger.Entry{
		ID:       opts.ID,
		TenantID: env.cfg.Tenant,
		RobotID:  opts.Robot,
		Module:   ledger.Module(opts.Module),
		Source:   opts.Source,
		Type:     ledger.ArtifactType(opts.Type),
		State:    ledger.State(opts.State),
		Payload:  payload,
		Lineage: ledger.Lineage{
			DependsOnLedgerIDs: opts.DependsOn,
			ExecutionID:        opts.ExecutionID,
			RobotID:            opts.Robot,
		},
	}

	stored, inserted, err := env.journal.AppendOnce(commandContext(cmd), entry)
	if err != nil {
		return backendError("append failed", err)
	}

	result := AppendResult{
		ID:        stored.ID,
		Seq:       stored.Seq,
		Type:      string(stored.Type),
		CreatedAt: stored.CreatedAt.UTC().Format(timeFormat),
		Inserted:  inserted,
	}
	return env.formatter.Render(result, func(w io.Writer) {
		if inserted {
			fmt.Fprintf(w, "Appended %s %s (seq %d)\n", result.Type, result.ID, result.Seq)
			return
		}
		fmt.Fprintf(w, "Entry %s already exists (seq %d), nothing written\n", result.ID, result.Seq)
	})
}
