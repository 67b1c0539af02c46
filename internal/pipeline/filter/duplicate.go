// Package filter implements the Duplicate Filter and the Delta/Period
// rate filters (spec.md §4.4-§4.5). The period filter's delayed-emit
// scheduling is grounded on the teacher's generic Batcher[T]
// (internal/ingest/batcher.go): a per-key time.Timer that coalesces
// repeated arrivals and fires a flush callback, the same shape this
// package needs per data item instead of per whole batch.
package filter

import (
	"sync"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

// Duplicate implements spec.md §4.4: it suppresses successive
// identical values per data item. Discrete data items are exempt.
type Duplicate struct {
	mu   sync.Mutex
	last map[string]observation.Observation
}

// NewDuplicate returns an empty Duplicate filter.
func NewDuplicate() *Duplicate {
	return &Duplicate{last: make(map[string]observation.Observation)}
}

// Pass reports whether obs should continue downstream.
func (d *Duplicate) Pass(item *devicemodel.DataItem, obs observation.Observation) bool {
	if item.Representation == devicemodel.RepresentationDiscrete {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.last[item.Key]
	pass := !ok || !equalValue(prev, obs)
	if pass {
		d.last[item.Key] = obs
	}
	return pass
}

func equalValue(prev, obs observation.Observation) bool {
	if prev.Unavailable != obs.Unavailable {
		return false
	}
	if obs.Unavailable {
		return true
	}
	switch obs.Kind {
	case observation.KindSample:
		return prev.Value == obs.Value
	case observation.KindThreeSpaceSample:
		return prev.Vector == obs.Vector
	case observation.KindTimeseries:
		return prev.SampleRate == obs.SampleRate && prev.SampleCount == obs.SampleCount &&
			seriesEqual(prev.Series, obs.Series)
	case observation.KindEvent:
		return prev.Text == obs.Text
	case observation.KindMessage:
		return prev.NativeCode == obs.NativeCode && prev.Message == obs.Message
	case observation.KindDataSetEvent:
		return dataSetEqual(prev.DataSet, obs.DataSet)
	case observation.KindTableEvent:
		return tableEqual(prev.Table, obs.Table)
	case observation.KindCondition:
		return prev.Level == obs.Level && prev.NativeCode == obs.NativeCode &&
			prev.Severity == obs.Severity && prev.Qualifier == obs.Qualifier &&
			prev.Message == obs.Message
	default:
		return false
	}
}

func seriesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tableEqual(a, b []observation.TableRow) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]observation.TableRow, len(a))
	for _, r := range a {
		am[r.Key] = r
	}
	for _, r := range b {
		prev, ok := am[r.Key]
		if !ok || prev.Removed != r.Removed || !dataSetEqual(prev.Entries, r.Entries) {
			return false
		}
	}
	return true
}

func dataSetEqual(a, b []observation.DataSetEntry) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]observation.DataSetEntry, len(a))
	for _, e := range a {
		am[e.Key] = e
	}
	for _, e := range b {
		prev, ok := am[e.Key]
		if !ok || prev.Value != e.Value || prev.Removed != e.Removed {
			return false
		}
	}
	return true
}
