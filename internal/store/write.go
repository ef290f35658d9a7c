package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgergate/internal/ledger"
)

// InsertEntry appends an entry and returns it as stored, with Seq and
// CreatedAt assigned by the store.
//
// Uses ON CONFLICT(id) DO NOTHING for idempotency. If the id already exists
// nothing is written and the existing row is returned with inserted=false.
// Other constraint violations (e.g., NOT NULL) still return errors.
//
// The caller's CreatedAt is ignored; entries are stamped with the store
// clock, bumped by 1µs when needed to keep created_at strictly increasing.
func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) (stored ledger.Entry, inserted bool, err error) {
	if e.ID == "" {
		return ledger.Entry{}, false, errors.New("insert entry: id cannot be empty")
	}

	payloadJSON, err := marshalPayload(e.Payload)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: %w", err)
	}
	lineageJSON, err := marshalLineage(e.Lineage)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: %w", err)
	}

	// Use a transaction to ensure atomicity of stamp-insert-or-select
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM entries`).Scan(&last); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: read clock: %w", err)
	}
	createdAt := toMicros(s.now())
	if createdAt <= last {
		createdAt = last + 1
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, tenant_id, robot_id, module, source, type, state, payload, lineage, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.TenantID,
		e.RobotID,
		string(e.Module),
		e.Source,
		string(e.Type),
		string(e.State),
		payloadJSON,
		lineageJSON,
		e.Lineage.ExecutionID,
		createdAt,
	)
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: rows affected: %w", err)
	}
	inserted = rowsAffected > 0

	stored, err = scanEntryRow(tx.QueryRowContext(ctx, selectEntryColumns+` WHERE id = ?`, e.ID))
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: select stored: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, false, fmt.Errorf("insert entry: commit: %w", err)
	}

	return stored, inserted, nil
}

// InsertFailure writes a dead-letter record. The failure is stamped with the
// store clock when FailedAt is zero.
func (s *Store) InsertFailure(ctx context.Context, f ledger.Failure) error {
	payloadJSON, err := marshalPayload(f.Payload)
	if err != nil {
		// A payload that cannot be encoded is often why the write failed.
		payloadJSON = "{}"
	}
	lineageJSON, err := marshalLineage(f.Lineage)
	if err != nil {
		lineageJSON = "{}"
	}

	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entry_failures
		(id, tenant_id, robot_id, module, source, type, state, payload, lineage, error_message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.TenantID,
		f.RobotID,
		string(f.Module),
		f.Source,
		string(f.Type),
		string(f.State),
		payloadJSON,
		lineageJSON,
		f.ErrorMessage,
		toMicros(failedAt),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
