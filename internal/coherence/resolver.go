package coherence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgergate/internal/ledger"
)

// DefaultWindow is the number of recent coherence entries fetched per robot.
const DefaultWindow = 500

// Reader is the ledger read side the resolver needs. *journal.Journal
// satisfies it.
type Reader interface {
	ListRecent(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
}

// Resolver fetches a bounded window from the ledger and resolves it.
type Resolver struct {
	reader Reader
	window int
	logger *slog.Logger
}

// NewResolver creates a Resolver. A non-positive window uses DefaultWindow.
func NewResolver(reader Reader, window int, logger *slog.Logger) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reader: reader, window: window, logger: logger}
}

// Snapshot resolves coherence for one robot. An empty robotID resolves the
// tenant-wide chain.
func (r *Resolver) Snapshot(ctx context.Context, tenantID, robotID string) (Snapshot, error) {
	entries, err := r.reader.ListRecent(ctx, ledger.Query{
		TenantID: tenantID,
		RobotID:  robotID,
		Types:    ledger.CoherenceTypes,
		Limit:    r.window,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("coherence snapshot: %w", err)
	}

	snap := Resolve(entries)
	r.logger.Debug("coherence resolved",
		"tenant", tenantID,
		"robot", robotID,
		"entries", len(entries),
		"status", snap.Status,
		"reason", snap.Reason,
	)
	return snap, nil
}
