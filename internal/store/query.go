package store

import (
	"errors"
	"strings"

	"github.com/roach88/ledgergate/internal/ledger"
)

const selectEntryColumns = `
	SELECT seq, id, tenant_id, robot_id, module, source, type, state, payload, lineage, created_at
	FROM entries`

// compileQuery converts a ledger.Query to parameterized SQL.
//
// All values are parameterized, never interpolated. Every query ends with
// ORDER BY created_at DESC, seq DESC so results are newest-first and stable.
// A non-positive Limit means no LIMIT clause.
func compileQuery(q ledger.Query) (string, []any, error) {
	if q.TenantID == "" {
		return "", nil, errors.New("query: tenantId is required")
	}

	where := []string{"tenant_id = ?"}
	params := []any{q.TenantID}

	if q.RobotID != "" {
		where = append(where, "robot_id = ?")
		params = append(params, q.RobotID)
	}
	if q.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		params = append(params, q.ExecutionID)
	}
	where, params = appendIn(where, params, "type", q.Types)
	where, params = appendIn(where, params, "module", q.Modules)
	where, params = appendIn(where, params, "state", q.States)

	var b strings.Builder
	b.WriteString(selectEntryColumns)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" ORDER BY created_at DESC, seq DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

// appendIn adds "column IN (?, ?, ...)" for a non-empty value list.
func appendIn[T ~string](where []string, params []any, column string, values []T) ([]string, []any) {
	if len(values) == 0 {
		return where, params
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	where = append(where, column+" IN ("+placeholders+")")
	for _, v := range values {
		params = append(params, string(v))
	}
	return where, params
}
