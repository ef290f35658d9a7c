package testutil

import (
	"github.com/roach88/ledgergate/internal/ledger"
)

// producers maps each coherence type to the module that normally writes it.
var producers = map[ledger.ArtifactType]ledger.Module{
	ledger.TypeSignal:    ledger.ModuleRobots,
	ledger.TypeFusion:    ledger.ModuleFusion,
	ledger.TypeBenchmark: ledger.ModuleMarketTwin,
	ledger.TypeIdea:      ledger.ModuleIdeator,
	ledger.TypeCopy:      ledger.ModuleCopywriter,
	ledger.TypePlaybook:  ledger.ModulePlaybooksV2,
}

// Artifact builds a draft artifact entry with the given id and direct
// dependencies. The module is the type's usual producer.
func Artifact(tenantID, robotID string, typ ledger.ArtifactType, id string, deps ...string) ledger.Entry {
	module, ok := producers[typ]
	if !ok {
		module = ledger.ModuleBuilder
	}
	if deps == nil {
		deps = []string{}
	}
	return ledger.Entry{
		ID:       id,
		TenantID: tenantID,
		RobotID:  robotID,
		Module:   module,
		Source:   string(module) + ".test",
		Type:     typ,
		State:    ledger.StateDraft,
		Payload:  ledger.Document{"title": id},
		Lineage:  ledger.Lineage{DependsOnLedgerIDs: deps, RobotID: robotID},
	}
}
