package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/policy"
	"github.com/roach88/ledgergate/internal/telemetry"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Request   string
	Robot     string
	Action    string
	Objective string

	// Now overrides the evaluation time (for testing).
	Now func() time.Time
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the policy for an action",
		Long: `Evaluate the deterministic policy.

With --request, the policy request is read from a JSON file ("-" for stdin),
checked against the request contract and evaluated without touching the
ledger. Otherwise the request is built from the robot's current coherence
snapshot and the configured thresholds.

Every decision is checked against the decision contract before it is
printed; a decision that fails the check exits 1.

Examples:
  ledgergate evaluate --robot robot-1 --action run_builder
  ledgergate evaluate --request policy-request.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "policy request JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.Robot, "robot", "", "robot id (builds the request from the ledger)")
	cmd.Flags().StringVar(&opts.Action, "action", "", "requested action, e.g. run_builder")
	cmd.Flags().StringVar(&opts.Objective, "objective", "", "requested objective")
	cmd.MarkFlagsMutuallyExclusive("request", "robot")

	return cmd
}

func runEvaluate(opts *EvaluateOptions, cmd *cobra.Command) error {
	if opts.Action != "" && !policy.ActionType(opts.Action).Valid() {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("unknown action %q: must be one of %v", opts.Action, policy.Actions))
	}

	var (
		req       policy.Request
		formatter *OutputFormatter
		metrics   *telemetry.Metrics
	)
	if opts.Request != "" {
		data, err := readInput(cmd, opts.Request)
		if err != nil {
			return err
		}
		req, err = policy.DecodeRequest(data)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid policy request", err)
		}
		formatter = newFormatter(opts.RootOptions, cmd)
	} else {
		if opts.Robot == "" {
			return NewExitError(ExitCommandError, "either --request or --robot is required")
		}
		env, err := openEnv(opts.RootOptions, cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.snapshots.Snapshot(commandContext(cmd), env.cfg.Tenant, opts.Robot)
		if err != nil {
			return backendError("coherence snapshot failed", err)
		}
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		req = policy.NewRequest(env.cfg.Tenant, opts.Robot, snap,
			policy.ActionType(opts.Action), env.cfg.Thresholds(), now())
		req.RequestedObjective = opts.Objective
		formatter = env.formatter
		metrics = env.metrics
	}

	decision := policy.Evaluate(req)
	metrics.PolicyDecision(commandContext(cmd), string(decision.Decision))
	if err := policy.Validate(req, decision); err != nil {
		_ = formatter.Error("POLICY_DECISION_INVALID", err.Error(), nil)
		return WrapExitError(ExitFailure, "policy decision failed validation", err)
	}

	return formatter.Render(decision, func(w io.Writer) {
		writeDecision(w, req, decision)
	})
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func writeDecision(w io.Writer, req policy.Request, d policy.Decision) {
	action := string(req.RequestedAction)
	if action == "" {
		action = "(no action)"
	}
	heading.Fprintf(w, "Decision for %s: ", action)
	fmt.Fprintln(w, paint(d.Decision))
	fmt.Fprintf(w, "  Coherence:  %s\n", paint(req.CoherenceStatus))
	fmt.Fprintf(w, "  Confidence: %.2f  Readiness: %.2f  Run mode: %s\n",
		d.Confidence, d.ReadinessScore, d.RecommendedRunMode)
	fmt.Fprintf(w, "  Allowed:    %s\n", joinOrDash(d.AllowedActions))
	fmt.Fprintf(w, "  Blocked:    %s\n", joinOrDash(d.BlockedActions))
	fmt.Fprintf(w, "  Deferred:   %s\n", joinOrDash(d.DeferredActions))
	if len(d.MissingPrerequisites) > 0 {
		fmt.Fprintf(w, "  Missing:    %s\n", joinOrDash(d.MissingPrerequisites))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Reasons:")
	for _, r := range d.Reasons {
		fmt.Fprintf(w, "    [%s] %s: %s\n", r.Severity, r.RuleID, r.Message)
	}
	if len(d.RecommendedNextActions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Next actions:")
		for _, n := range d.RecommendedNextActions {
			fmt.Fprintf(w, "    %-16s %-6s %s\n", n.Action, n.Priority, n.Reason)
		}
	}
}
