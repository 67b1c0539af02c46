package filter

import (
	"math"
	"sync"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

// Delta implements the minimum-delta half of spec.md §4.5: a sample (or
// three-space sample) is suppressed unless it has moved at least
// item.FilterValue away from the last value that passed.
type Delta struct {
	mu         sync.Mutex
	lastValue  map[string]float64
	lastVector map[string][3]float64
	hasLast    map[string]bool
}

// NewDelta returns an empty Delta filter.
func NewDelta() *Delta {
	return &Delta{
		lastValue:  make(map[string]float64),
		lastVector: make(map[string][3]float64),
		hasLast:    make(map[string]bool),
	}
}

// Pass reports whether obs should continue downstream.
func (d *Delta) Pass(item *devicemodel.DataItem, obs observation.Observation) bool {
	if item.Filter != devicemodel.FilterMinimumDelta {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if obs.Unavailable {
		delete(d.hasLast, item.Key)
		return true
	}

	switch obs.Kind {
	case observation.KindSample:
		last, ok := d.lastValue[item.Key]
		if ok && d.hasLast[item.Key] && math.Abs(obs.Value-last) < item.FilterValue {
			return false
		}
		d.lastValue[item.Key] = obs.Value
		d.hasLast[item.Key] = true
		return true
	case observation.KindThreeSpaceSample:
		last, ok := d.lastVector[item.Key]
		if ok && d.hasLast[item.Key] && euclidean(last, obs.Vector) < item.FilterValue {
			return false
		}
		d.lastVector[item.Key] = obs.Vector
		d.hasLast[item.Key] = true
		return true
	default:
		return true
	}
}

func euclidean(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
