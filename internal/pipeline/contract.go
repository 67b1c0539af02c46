// Package pipeline implements the PipelineContract (spec.md §6.3) and
// the stage-chain orchestrator that wires the SHDR ingestion path
// (tokenize → timestamp extract → token map → duplicate filter →
// unit conversion → delta/period filter → buffer publish + signal)
// into one call a line-oriented source can make per input line. Unit
// conversion runs before the rate filters, so delta and period
// thresholds are compared against converted values.
//
// The contract shape — a handful of find/deliver/fail operations the
// pipeline calls back into — mirrors the teacher's Pipeline.dispatch
// (internal/ingest/pipeline.go): a single entry point that resolves
// context, runs the right handler, and fans results out to storage,
// caches, and the event bus. Core plays that dispatcher's role here,
// generalized to MTConnect's duplicate/delta/period/unit-convert chain
// instead of the teacher's per-message-type handler switch.
package pipeline

import (
	"time"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
)

// Asset is a fully-accumulated asset document, keyed by id.
type Asset struct {
	ID        string
	Type      string
	Body      string
	Timestamp time.Time
}

// Contract is the collaborator interface spec.md §6.3 names: the set
// of operations a source (shdrsource, agentsource) or a pipeline stage
// uses to resolve device-model state and deliver results to the core.
type Contract interface {
	FindDevice(uuidOrName string) (*devicemodel.Device, bool)
	FindDataItem(device *devicemodel.Device, idOrName string) (*devicemodel.DataItem, bool)
	EachDataItem(fn func(*devicemodel.DataItem))

	DeliverObservation(obs observation.Observation)
	DeliverAsset(asset Asset)
	DeliverAssetCommand(cmd shdr.AssetCommand)
	DeliverDevice(device *devicemodel.Device)
	DeliverCommand(line string)
	DeliverConnectStatus(sourceID string, devices []*devicemodel.Device, connected bool)
	SourceFailed(sourceID string)

	CheckDuplicate(obs observation.Observation) (observation.Observation, bool)
}
