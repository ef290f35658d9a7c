// Package journal is the write/read API over a ledger backend.
//
// Writes validate the entry, assign an id when the caller did not choose one,
// and fall back to the dead-letter store when the backend rejects the write.
// Reads are always newest-first and always bounded.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/telemetry"
)

// Read bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrNotFound is returned by FindLatest and Get when nothing matches.
var ErrNotFound = ledger.ErrNotFound

// ErrInvalidEntry wraps entry validation failures.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Backend is a ledger store. Implemented by store.Store (SQLite) and
// redisstore.Store (Redis).
type Backend interface {
	// InsertEntry appends e, assigning Seq and CreatedAt. An existing id is
	// a no-op returning the stored entry with inserted=false.
	InsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, bool, error)
	// ListEntries returns matches newest first, at most q.Limit when positive.
	ListEntries(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
	// GetEntry returns ledger.ErrNotFound for an unknown id.
	GetEntry(ctx context.Context, id string) (ledger.Entry, error)
	InsertFailure(ctx context.Context, f ledger.Failure) error
	ListFailures(ctx context.Context, tenantID string, limit int) ([]ledger.Failure, error)
}

// Journal appends to and reads from a Backend.
type Journal struct {
	backend Backend
	ids     ledger.IDGenerator
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g ledger.IDGenerator) Option {
	return func(j *Journal) { j.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithMetrics records append failures and dead letters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// New creates a Journal over backend.
func New(backend Backend, opts ...Option) *Journal {
	j := &Journal{
		backend: backend,
		ids:     ledger.UUIDv7Generator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append writes e and returns its id. A caller-chosen id that already exists
// is not an error; use AppendOnce to tell the cases apart.
func (j *Journal) Append(ctx context.Context, e ledger.Entry) (string, error) {
	stored, _, err := j.AppendOnce(ctx, e)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// AppendOnce writes e and reports whether it was new. When the id already
// exists the previously stored entry is returned unchanged.
//
// On a backend error the entry is written to the dead-letter store with the
// error message. A dead-letter failure is logged and swallowed; the original
// error is returned.
func (j *Journal) AppendOnce(ctx context.Context, e ledger.Entry) (ledger.Entry, bool, error) {
	if err := e.Validate(); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if e.ID == "" {
		e.ID = j.ids.Generate()
	}
	if e.Payload == nil {
		e.Payload = ledger.Document{}
	}
	if e.Lineage.DependsOnLedgerIDs == nil {
		e.Lineage.DependsOnLedgerIDs = []string{}
	}

	stored, inserted, err := j.backend.InsertEntry(ctx, e)
	if err != nil {
		j.metrics.AppendFailure(ctx, string(e.Type))
		j.deadLetter(ctx, e, err)
		return ledger.Entry{}, false, fmt.Errorf("append %s entry: %w", e.Type, err)
	}

	j.logger.Debug("ledger entry appended",
		"id", stored.ID,
		"tenant", stored.TenantID,
		"type", stored.Type,
		"state", stored.State,
		"inserted", inserted,
	)
	return stored, inserted, nil
}

func (j *Journal) deadLetter(ctx context.Context, e ledger.Entry, cause error) {
	f := ledger.Failure{Entry: e, ErrorMessage: cause.Error()}
	// The original write may have failed because ctx ended; the dead letter
	// still gets a chance.
	if err := j.backend.InsertFailure(context.WithoutCancel(ctx), f); err != nil {
		j.metrics.DeadLetter(ctx, false)
		j.logger.Error("dead-letter write failed",
			"id", e.ID,
			"tenant", e.TenantID,
			"type", e.Type,
			"cause", cause,
			"error", err,
		)
		return
	}
	j.metrics.DeadLetter(ctx, true)
	j.logger.Warn("ledger append failed, entry dead-lettered",
		"id", e.ID,
		"tenant", e.TenantID,
		"type", e.Type,
		"error", cause,
	)
}

// ListRecent returns entries matching q, newest first. The limit defaults to
// DefaultLimit and is capped at MaxLimit.
func (j *Journal) ListRecent(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	if q.TenantID == "" {
		return nil, errors.New("list entries: tenantId is required")
	}
	q.Limit = clampLimit(q.Limit)
	entries, err := j.backend.ListEntries(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// FindLatest returns the newest entry matching q, or ErrNotFound.
func (j *Journal) FindLatest(ctx context.Context, q ledger.Query) (ledger.Entry, error) {
	q.Limit = 1
	entries, err := j.ListRecent(ctx, q)
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, ErrNotFound
	}
	return entries[0], nil
}

// Get returns the entry with the given id, or an error wrapping ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (ledger.Entry, error) {
	return j.backend.GetEntry(ctx, id)
}

// ListFailures returns dead-letter records, newest first. The limit follows
// the same bounds as ListRecent.
func (j *Journal) ListFailures(ctx context.Context, tenantID string, limit int) ([]ledger.Failure, error) {
	failures, err := j.backend.ListFailures(ctx, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return failures, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
