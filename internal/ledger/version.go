package ledger

// Version constants for the ledger schema and the service.
const (
	// SchemaVersion is the ledger record schema version.
	SchemaVersion = "1"

	// ServiceVersion is the ledgergate version stamped into execution events.
	ServiceVersion = "0.1.0"
)
