package store

import (
	"fmt"
	"time"

	"github.com/roach88/ledgergate/internal/ledger"
)

// marshalPayload converts a Document to canonical JSON TEXT for storage.
// A nil payload is stored as {}.
func marshalPayload(payload ledger.Document) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := ledger.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalLineage converts Lineage to canonical JSON TEXT. A nil dependency
// list is stored as [] so readers never see null.
func marshalLineage(lineage ledger.Lineage) (string, error) {
	if lineage.DependsOnLedgerIDs == nil {
		lineage.DependsOnLedgerIDs = []string{}
	}
	data, err := ledger.MarshalCanonical(lineage)
	if err != nil {
		return "", fmt.Errorf("marshal lineage: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT to a Document.
// Numbers are kept as json.Number to avoid float64 precision loss.
func unmarshalPayload(data string) (ledger.Document, error) {
	if data == "" || data == "{}" {
		return ledger.Document{}, nil
	}
	var doc ledger.Document
	if err := ledger.DecodeJSON([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return doc, nil
}

// unmarshalLineage parses canonical JSON TEXT to Lineage.
func unmarshalLineage(data string) (ledger.Lineage, error) {
	var lineage ledger.Lineage
	if data != "" {
		if err := ledger.DecodeJSON([]byte(data), &lineage); err != nil {
			return ledger.Lineage{}, fmt.Errorf("unmarshal lineage: %w", err)
		}
	}
	if lineage.DependsOnLedgerIDs == nil {
		lineage.DependsOnLedgerIDs = []string{}
	}
	return lineage, nil
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
