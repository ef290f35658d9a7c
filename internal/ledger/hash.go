package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainExecutionEvent = "ledgergate/execution_event/v1"
	DomainArtifact       = "ledgergate/artifact/v1"
	DomainRequest        = "ledgergate/request/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest hashes the canonical encoding of v under domain.
func Digest(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// DerivedID computes a stable entry id from identity parts. Two writers that
// derive the same id race onto the same row instead of producing duplicates.
func DerivedID(domain string, parts ...any) (string, error) {
	return Digest(domain, parts)
}

// ExecutionEventID is the id of the single event allowed per
// (tenantId, robotId, executionId, attempt, state). Execution ids are only
// unique within a tenant and robot.
func ExecutionEventID(tenantID, robotID, executionID string, attempt int, state State) (string, error) {
	return DerivedID(DomainExecutionEvent, tenantID, robotID, executionID, attempt, string(state))
}

// MustDigest is like Digest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDigest(domain string, v any) string {
	d, err := Digest(domain, v)
	if err != nil {
		panic(err)
	}
	return d
}
