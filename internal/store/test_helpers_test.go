package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ledgergate/internal/ledger"
	"github.com/roach88/ledgergate/internal/testutil"
)

// createTestStore creates a new temp-dir store driven by a manual clock.
func createTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestEntry creates an entry with minimal required fields.
func createTestEntry(id string, typ ledger.ArtifactType, deps ...string) ledger.Entry {
	return testutil.Artifact("tenant-1", "robot-1", typ, id, deps...)
}

func minutes(n int) time.Time {
	return testutil.Epoch.Add(time.Duration(n) * time.Minute)
}

func nanValue() float64 {
	return math.NaN()
}
