package journal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/store"
	"github.com/roach88/ledgergate/internal/testutil"
)

func newTestJournal(t *testing.T, opts ...Option) (*Journal, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, opts...), clock
}

// failingBackend rejects every entry write and optionally every dead letter.
type failingBackend struct {
	Backend
	insertErr  error
	failureErr error
	failures   []ledger.Failure
}

func (b *failingBackend) InsertEntry(context.Context, ledger.Entry) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, b.insertErr
}

func (b *failingBackend) InsertFailure(_ context.Context, f ledger.Failure) error {
	if b.failureErr != nil {
		return b.failureErr
	}
	b.failures = append(b.failures, f)
	return nil
}

func TestAppend_AssignsID(t *testing.T) {
	j, _ := newTestJournal(t, WithIDGenerator(testutil.NewSequenceIDGenerator("entry")))
	ctx := context.Background()

	e := testutil.Artifact("tenant-1", "robot-1", ledger.TypeSignal, "")
	id, err := j.Append(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "entry-0001", id)

	got, err := j.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeSignal, got.Type)
	assert.Equal(t, []string{}, got.Lineage.DependsOnLedgerIDs)
}

func TestAppend_ValidationError(t *testing.T) {
	j, _ := newTestJournal(t)

	_, err := j.Append(context.Background(), ledger.Entry{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEntry))
	assert.Contains(t, err.Error(), "module cannot be empty")
}

func TestAppendOnce_ReportsDuplicate(t *testing.T) {
	j, clock := newTestJournal(t)
	ctx := context.Background()

	e := testutil.Artifact("tenant-1", "robot-1", ledger.TypeIdea, "idea-1")
	first, inserted, err := j.AppendOnce(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	clock.Advance(time.Minute)
	again, inserted, err := j.AppendOnce(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
}

func TestAppend_DeadLettersBackendErrors(t *testing.T) {
	backend := &failingBackend{insertErr: errors.New("disk full")}
	var logs bytes.Buffer
	j := New(backend, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	e := testutil.Artifact("tenant-1", "robot-1", ledger.TypeCopy, "copy-1")
	_, err := j.Append(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.Len(t, backend.failures, 1)
	assert.Equal(t, "copy-1", backend.failures[0].ID)
	assert.Equal(t, "disk full", backend.failures[0].ErrorMessage)
	assert.Contains(t, logs.String(), "dead-lettered")
}

func TestAppend_DeadLetterFailureIsSwallowed(t *testing.T) {
	backend := &failingBackend{
		insertErr:  errors.New("disk full"),
		failureErr: errors.New("still full"),
	}
	var logs bytes.Buffer
	j := New(backend, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	_, err := j.Append(context.Background(), testutil.Artifact("tenant-1", "robot-1", ledger.TypeCopy, "copy-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full", "original error is returned")
	assert.NotContains(t, err.Error(), "still full")
	assert.Contains(t, logs.String(), "dead-letter write failed")
}

func TestListRecent_NewestFirstAndBounded(t *testing.T) {
	j, clock := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < DefaultLimit+10; i++ {
		clock.Advance(time.Second)
		_, err := j.Append(ctx, testutil.Artifact("tenant-1", "robot-1", ledger.TypeSignal, ""))
		require.NoError(t, err)
	}

	entries, err := j.ListRecent(ctx, ledger.Query{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, entries, DefaultLimit)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].Newer(entries[i]))
	}

	few, err := j.ListRecent(ctx, ledger.Query{TenantID: "tenant-1", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, few, 3)
	assert.Equal(t, entries[:3], few)
}

func TestListRecent_RequiresTenant(t *testing.T) {
	j, _ := newTestJournal(t)
	_, err := j.ListRecent(context.Background(), ledger.Query{})
	assert.Error(t, err)
}

func TestFindLatest(t *testing.T) {
	j, clock := newTestJournal(t)
	ctx := context.Background()

	_, err := j.FindLatest(ctx, ledger.Query{TenantID: "tenant-1", Types: []ledger.ArtifactType{ledger.TypeSignal}})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = j.Append(ctx, testutil.Artifact("tenant-1", "robot-1", ledger.TypeSignal, "sig-1"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = j.Append(ctx, testutil.Artifact("tenant-1", "robot-1", ledger.TypeSignal, "sig-2"))
	require.NoError(t, err)

	latest, err := j.FindLatest(ctx, ledger.Query{TenantID: "tenant-1", Types: []ledger.ArtifactType{ledger.TypeSignal}})
	require.NoError(t, err)
	assert.Equal(t, "sig-2", latest.ID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, DefaultLimit, clampLimit(-5))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxLimit, clampLimit(MaxLimit+1))
}

func TestListFailures(t *testing.T) {
	j, _ := newTestJournal(t)
	failures, err := j.ListFailures(context.Background(), "tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, failures)
}
