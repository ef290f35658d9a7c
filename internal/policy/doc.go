// Package policy turns a coherence status and a recency map into an
// ALLOW, BLOCK or DEFER decision with auditable reasons.
//
// Evaluate is a pure function. Callers run Validate on its output before
// acting on it; the check covers the closed #PolicyDecision contract and the
// decision invariants.
package policy
