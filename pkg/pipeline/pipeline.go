// Package pipeline contains the event-chain handlers that carry a
// deposition from upstream pull through validation, curation, record
// publication and index fan-out. Each handler consumes one or two event
// types from the outbox and emits the next link of the chain inside the
// same unit of work.
package pipeline

import (
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/runner"
	"github.com/openscience-archive/osa/pkg/service"
)

// Paths inside hook and source containers. The container contract is
// fixed: inputs and outputs travel through these mounts.
const (
	containerFilesDir   = "/osa/files"
	containerStagingDir = "/osa/staging"
	containerOutputDir  = "/osa/output"
)

// Deps bundles the infrastructure the pipeline handlers share.
type Deps struct {
	Service *service.Service
	Files   *files.Layout
	Runner  runner.Runner
	Indexes *index.Registry
}

// Handlers returns the full handler chain in wiring order. This list is
// the single place a handler is added to the system; the registry derives
// the subscription map from it.
func Handlers(deps Deps) []handler.Handler {
	return []handler.Handler{
		NewPullFromSource(deps.Files, deps.Runner),
		NewCreateDepositionFromSource(deps.Service, deps.Files),
		NewValidateDeposition(deps.Files, deps.Runner),
		NewReturnToDraft(deps.Service),
		NewAutoApproveCuration(),
		NewConvertDepositionToRecord(deps.Service),
		NewFanOutToIndexBackends(deps.Indexes),
		NewVectorIndexHandler(deps.Indexes),
		NewKeywordIndexHandler(deps.Indexes),
		NewInsertRecordFeatures(deps.Files),
		NewCreateFeatureTables(),
		NewTriggerInitialSourceRun(),
		NewFlushIndexesOnSourceComplete(deps.Files, deps.Indexes),
	}
}
