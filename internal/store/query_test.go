package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/ledger"
)

func TestCompileQuery(t *testing.T) {
	sql, params, err := compileQuery(ledger.Query{
		TenantID:    "t1",
		RobotID:     "r1",
		ExecutionID: "exec-1",
		Types:       []ledger.ArtifactType{ledger.TypeSignal, ledger.TypeIdea},
		States:      []ledger.State{ledger.StateFailed},
		Limit:       5,
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE tenant_id = ? AND robot_id = ? AND execution_id = ? AND type IN (?, ?) AND state IN (?)")
	assert.Contains(t, sql, "ORDER BY created_at DESC, seq DESC LIMIT ?")
	assert.Equal(t, []any{"t1", "r1", "exec-1", "signal", "idea", "failed", 5}, params)
}

func TestCompileQuery_AlwaysOrdered(t *testing.T) {
	sql, params, err := compileQuery(ledger.Query{TenantID: "t1"})
	require.NoError(t, err)
	assert.Contains(t, sql, "ORDER BY created_at DESC, seq DESC")
	assert.NotContains(t, sql, "LIMIT")
	assert.Equal(t, []any{"t1"}, params)
}

func TestCompileQuery_TenantRequired(t *testing.T) {
	_, _, err := compileQuery(ledger.Query{RobotID: "r1"})
	assert.Error(t, err)
}
