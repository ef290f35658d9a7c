package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgergate/internal/agent"
	"github.com/roach88/ledgergate/internal/execution"
	"github.com/roach88/ledgergate/internal/ledger"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Request     string
	Robot       string
	Objective   string
	DryRun      bool
	OnPartial   string
	ExecutionID string
	Attempt     int

	// Generator overrides the generation agent (for testing).
	// If nil, defaults to agent.Static.
	Generator agent.Generator

	// IDs overrides the execution id generator (for testing).
	IDs ledger.IDGenerator
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the builder behind the coherence gate",
		Long: `Run one builder attempt.

The run re-resolves coherence, asks the policy for run_builder and writes
its execution events and artifacts to the ledger. Replaying an execution id
and attempt returns the recorded outcome without writing anything.

The request is read from a JSON file with --request ("-" for stdin), or
assembled from --robot and --objective.

Exit codes:
  0 - Run planned, succeeded or cancelled for review
  1 - Run blocked, deferred or failed
  2 - Invalid request

Examples:
  ledgergate build --robot robot-1 --objective launch --dry-run
  ledgergate build --request build-request.json --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "build request JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.Robot, "robot", "", "robot id")
	cmd.Flags().StringVar(&opts.Objective, "objective", "", "objective type")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "generate without publishing")
	cmd.Flags().StringVar(&opts.OnPartial, "on-partial", "", "partial coherence handling (block|draft_only)")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "execution id (default: generated)")
	cmd.Flags().IntVar(&opts.Attempt, "attempt", 0, "attempt number (default 1)")
	cmd.MarkFlagsMutuallyExclusive("request", "robot")

	return cmd
}

// requestData returns the raw request JSON from the file or the flags. Flag
// requests are encoded and decoded like file requests so both pass the same
// contract check.
func (opts *BuildOptions) requestData(cmd *cobra.Command) ([]byte, error) {
	if opts.Request != "" {
		return readInput(cmd, opts.Request)
	}
	if opts.Robot == "" || opts.Objective == "" {
		return nil, NewExitError(ExitCommandError, "either --request or --robot and --objective are required")
	}
	req := execution.Request{
		RobotID:     opts.Robot,
		Objective:   agent.Objective{Type: opts.Objective},
		DryRun:      opts.DryRun,
		Attempt:     opts.Attempt,
		ExecutionID: opts.ExecutionID,
	}
	if opts.OnPartial != "" {
		req.CoherencePolicy = &execution.CoherencePolicy{OnPartial: execution.OnPartial(opts.OnPartial)}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to encode request", err)
	}
	return data, nil
}

func runBuild(opts *BuildOptions, cmd *cobra.Command) error {
	data, err := opts.requestData(cmd)
	if err != nil {
		return err
	}
	req, err := execution.DecodeRequest(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid build request", err)
	}

	env, err := openEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	breakerSettings, err := env.cfg.BreakerSettings()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid breaker settings", err)
	}
	var gen agent.Generator = agent.Static{}
	if opts.Generator != nil {
		gen = opts.Generator
	}
	runnerOpts := []execution.Option{
		execution.WithSettings(env.cfg.RunnerSettings()),
		execution.WithLogger(env.logger),
		execution.WithMetrics(env.metrics),
	}
	if opts.IDs != nil {
		runnerOpts = append(runnerOpts, execution.WithIDGenerator(opts.IDs))
	}
	runner := execution.NewRunner(env.journal, env.snapshots,
		agent.NewBreaker(gen, breakerSettings, env.metrics, env.logger),
		runnerOpts...,
	)

	res, err := runner.Run(commandContext(cmd), req)
	if err != nil {
		return reportRunError(env.formatter, err)
	}
	return env.formatter.Render(res, func(w io.Writer) {
		writeRunResult(w, res)
	})
}

// reportRunError prints a run error and maps it to an exit code.
func reportRunError(f *OutputFormatter, err error) error {
	var runErr *execution.Error
	if !errors.As(err, &runErr) {
		return WrapExitError(ExitFailure, "build failed", err)
	}

	details := map[string]string{
		"executionId": runErr.ExecutionID,
		"retryable":   strconv.FormatBool(runErr.Retryable),
		"status":      strconv.Itoa(execution.StatusCode(runErr)),
	}
	for k, v := range runErr.Details {
		details[k] = v
	}
	_ = f.Error(string(runErr.Code), runErr.Message, details)

	code := ExitFailure
	if runErr.Code == execution.ErrCodeValidation {
		code = ExitCommandError
	}
	return WrapExitError(code, "build "+string(runErr.Code), err)
}

func writeRunResult(w io.Writer, res *execution.Result) {
	heading.Fprintf(w, "Run %s attempt %d: ", res.ExecutionID, res.Attempt)
	fmt.Fprintln(w, paint(res.State))
	fmt.Fprintf(w, "  Coherence: %s (%s)\n", paint(res.Coherence.Status), res.Coherence.Reason)
	if res.Policy != nil {
		fmt.Fprintf(w, "  Policy:    %s confidence %.2f [%s]\n",
			paint(res.Policy.Decision), res.Policy.Confidence, joinOrDash(res.Policy.RuleIDs))
	}
	if res.CancelReason != "" {
		fmt.Fprintf(w, "  Cancelled: %s\n", res.CancelReason)
	}
	if len(res.Artifacts) > 0 {
		fmt.Fprintln(w, "  Artifacts:")
		for _, a := range res.Artifacts {
			fmt.Fprintf(w, "    %-14s %s\n", a.Type, a.ID)
		}
	}
	if res.Idempotent {
		fmt.Fprintln(w, "  (replayed, nothing written)")
	}
}
