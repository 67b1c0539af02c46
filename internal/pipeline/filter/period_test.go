package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

func TestPeriodFirstArrivalPassesImmediately(t *testing.T) {
	item := &devicemodel.DataItem{Key: "t1", Filter: devicemodel.FilterPeriod, FilterValue: 1.0}
	p := NewPeriod(func(observation.Observation) {
		t.Error("unexpected delayed emit")
	})

	if !p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1}) {
		t.Fatal("first arrival must pass immediately")
	}
}

func TestPeriodCoalescesArrivalsWithinWindow(t *testing.T) {
	item := &devicemodel.DataItem{Key: "t1", Filter: devicemodel.FilterPeriod, FilterValue: 0.1}

	var mu sync.Mutex
	var emitted []observation.Observation

	p := NewPeriod(func(obs observation.Observation) {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, obs)
	})

	if !p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1}) {
		t.Fatal("first arrival must pass immediately")
	}
	if p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 2}) {
		t.Error("second arrival within the window must be delayed, not passed")
	}
	if p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 3}) {
		t.Error("third arrival must replace the pending value, not pass")
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 1 {
		t.Fatalf("expected exactly 1 delayed emit, got %d", len(emitted))
	}
	if emitted[0].Value != 3 {
		t.Errorf("expected the latest arrival (3) to win, got %v", emitted[0].Value)
	}
}

func TestPeriodPassesAgainOnceWindowElapses(t *testing.T) {
	item := &devicemodel.DataItem{Key: "t1", Filter: devicemodel.FilterPeriod, FilterValue: 0.05}
	p := NewPeriod(func(observation.Observation) {})

	p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1})
	time.Sleep(100 * time.Millisecond)

	if !p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 2}) {
		t.Error("an arrival after the window has elapsed must pass immediately")
	}
}

func TestPeriodIgnoresItemsWithoutFilter(t *testing.T) {
	item := &devicemodel.DataItem{Key: "t1", Filter: devicemodel.FilterNone}
	p := NewPeriod(func(observation.Observation) {
		t.Error("unexpected delayed emit for an unfiltered item")
	})

	if !p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 1}) {
		t.Fatal("expected pass")
	}
	if !p.Pass(item, observation.Observation{Kind: observation.KindSample, Value: 2}) {
		t.Error("unfiltered items must never be delayed by Period")
	}
}
