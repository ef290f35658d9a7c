package store

import (
	"context"
	"fmt"

	"github.com/roach88/ledgergate/internal/ledger"
)

// ListEntries returns entries matching q, newest first.
// Results are ordered deterministically: ORDER BY created_at DESC, seq DESC.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListEntries(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	query, params, err := compileQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}

// GetEntry retrieves a single entry by id.
// Returns ledger.ErrNotFound if the id does not exist.
func (s *Store) GetEntry(ctx context.Context, id string) (ledger.Entry, error) {
	e, err := scanEntryRow(s.db.QueryRowContext(ctx, selectEntryColumns+` WHERE id = ?`, id))
	if isNoRows(err) {
		return ledger.Entry{}, fmt.Errorf("get entry %s: %w", id, ledger.ErrNotFound)
	}
	return e, err
}

// ListFailures returns dead-letter records for a tenant, newest first.
// An empty tenant lists every tenant. A non-positive limit means no limit.
func (s *Store) ListFailures(ctx context.Context, tenantID string, limit int) ([]ledger.Failure, error) {
	query := `
		SELECT id, tenant_id, robot_id, module, source, type, state, payload, lineage, error_message, failed_at
		FROM entry_failures`
	var params []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		params = append(params, tenantID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	failures := []ledger.Failure{}
	for rows.Next() {
		var (
			f                    ledger.Failure
			module, typ, state   string
			payloadJSON, linJSON string
			failedAt             int64
		)
		if err := rows.Scan(&f.ID, &f.TenantID, &f.RobotID, &module, &f.Source, &typ, &state,
			&payloadJSON, &linJSON, &f.ErrorMessage, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Module = ledger.Module(module)
		f.Type = ledger.ArtifactType(typ)
		f.State = ledger.State(state)
		f.FailedAt = fromMicros(failedAt)
		// Dead letters keep whatever could be decoded.
		f.Payload, _ = unmarshalPayload(payloadJSON)
		f.Lineage, _ = unmarshalLineage(linJSON)
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}

	return failures, nil
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows rowScanner) (ledger.Entry, error) {
	var (
		e                    ledger.Entry
		module, typ, state   string
		payloadJSON, linJSON string
		createdAt            int64
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.TenantID, &e.RobotID, &module, &e.Source, &typ, &state,
		&payloadJSON, &linJSON, &createdAt); err != nil {
		return ledger.Entry{}, err
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	lineage, err := unmarshalLineage(linJSON)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}

	e.Module = ledger.Module(module)
	e.Type = ledger.ArtifactType(typ)
	e.State = ledger.State(state)
	e.Payload = payload
	e.Lineage = lineage
	e.CreatedAt = fromMicros(createdAt)
	return e, nil
}

// scanEntryRow scans a single row. sql.ErrNoRows is returned unwrapped so
// callers can map it to ledger.ErrNotFound.
func scanEntryRow(row rowScanner) (ledger.Entry, error) {
	e, err := scanEntry(row)
	if err != nil && !isNoRows(err) {
		return ledger.Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return e, err
}
