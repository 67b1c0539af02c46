package pipeline

import (
	"strings"
	"time"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
)

// ProcessSHDRLine runs one SHDR line (spec.md §6.1) through the
// tokenize-timestamp-map stages and delivers the result to contract:
// every mapped observation via DeliverObservation (which itself runs
// the duplicate/convert/rate-filter/publish chain), and any completed
// asset command via DeliverAssetCommand.
//
// device scopes key resolution (nil searches the whole model, matching
// an adapter session with no device-prefixed keys).
func ProcessSHDRLine(extractor *shdr.Extractor, mapper *shdr.Mapper, contract Contract, device *devicemodel.Device, line string) {
	var remainder string
	var ts time.Time

	if mapper.Pending() {
		// A multi-line asset body line carries no timestamp field of
		// its own; it goes straight to the mapper untouched.
		remainder = line
	} else {
		tsField, rest, ok := strings.Cut(line, "|")
		if !ok {
			tsField, rest = line, ""
		}
		remainder = rest
		ts, _, _ = extractor.Extract(tsField)
	}

	observations, cmd := mapper.MapLine(device, remainder, ts)
	for _, obs := range observations {
		contract.DeliverObservation(obs)
	}
	if cmd != nil {
		contract.DeliverAssetCommand(*cmd)
	}
}
