// Package harness runs YAML scenarios against a fresh in-memory ledger.
//
// A scenario seeds ledger entries at fixed clock positions, then runs
// coherence, policy, builder and visibility steps through the same
// components the CLI uses. Each step's JSON output is subset-matched against
// the step's expect block, and the final ledger is checked with assertions.
//
// Runs are deterministic: the store clock only moves when a seed or step
// says so, execution ids come from a sequence generator, and artifact and
// event ids are content-addressed. That makes the trace suitable for golden
// comparison (see RunWithGolden).
//
// Example:
//
//	name: dry_run_succeeds
//	description: a coherent chain lets the builder dry-run
//	robot: robot-1
//	seed:
//	  - {id: sig-1, type: signal, at: 0}
//	  - {id: fus-1, type: fusion, at: 1, dependsOn: [sig-1]}
//	steps:
//	  - build: {objective: launch, dryRun: true}
//	    expect: {ok: true, state: succeeded}
package harness
