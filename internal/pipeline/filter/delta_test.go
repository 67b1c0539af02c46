package filter

import (
	"testing"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

func TestDeltaSuppressesSmallMovement(t *testing.T) {
	item := &devicemodel.DataItem{Key: "x1", Filter: devicemodel.FilterMinimumDelta, FilterValue: 1.0}
	d := NewDelta()

	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 10.0}) {
		t.Fatal("first arrival must pass")
	}
	if d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 10.5}) {
		t.Error("movement under the threshold must be suppressed")
	}
	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 11.2}) {
		t.Error("movement past the threshold from the last passed value must pass")
	}
}

func TestDeltaIgnoresItemsWithoutFilter(t *testing.T) {
	item := &devicemodel.DataItem{Key: "x1", Filter: devicemodel.FilterNone}
	d := NewDelta()

	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1.0}) {
		t.Fatal("expected pass")
	}
	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1.0}) {
		t.Error("unfiltered items must never be suppressed by Delta")
	}
}

func TestDeltaThreeSpaceSampleUsesEuclideanDistance(t *testing.T) {
	item := &devicemodel.DataItem{Key: "pos1", Filter: devicemodel.FilterMinimumDelta, FilterValue: 1.0}
	d := NewDelta()

	first := observation.Observation{Kind: observation.KindThreeSpaceSample, Vector: [3]float64{0, 0, 0}}
	if !d.Pass(item, first) {
		t.Fatal("first arrival must pass")
	}

	small := observation.Observation{Kind: observation.KindThreeSpaceSample, Vector: [3]float64{0.3, 0.3, 0.3}}
	if d.Pass(item, small) {
		t.Error("movement under the threshold distance must be suppressed")
	}

	large := observation.Observation{Kind: observation.KindThreeSpaceSample, Vector: [3]float64{5, 5, 5}}
	if !d.Pass(item, large) {
		t.Error("movement past the threshold distance must pass")
	}
}

func TestDeltaUnavailableResetsState(t *testing.T) {
	item := &devicemodel.DataItem{Key: "x1", Filter: devicemodel.FilterMinimumDelta, FilterValue: 5.0}
	d := NewDelta()

	d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 100.0})
	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Unavailable: true}) {
		t.Error("unavailable must always pass through")
	}
	if !d.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 100.5}) {
		t.Error("after an unavailable gap, the next value must pass regardless of distance")
	}
}
