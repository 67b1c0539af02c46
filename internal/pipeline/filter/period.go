package filter

import (
	"sync"
	"time"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

type periodState struct {
	lastEmit time.Time
	timer    *time.Timer
}

// Period implements the period half of spec.md §4.5: at most one
// observation per item.FilterValue seconds passes immediately; arrivals
// inside the window are coalesced into a single delayed emit at the
// window's close, the latest arrival winning. This mirrors the
// teacher's Batcher[T] (internal/ingest/batcher.go): a per-key
// time.Timer that replaces its pending payload on every new arrival and
// fires a flush callback once, generalized here to run per data item
// instead of per whole batch and to pass values through untouched
// rather than aggregating them.
type Period struct {
	mu     sync.Mutex
	states map[string]*periodState
	emit   func(observation.Observation)
	now    func() time.Time
}

// NewPeriod returns a Period filter that calls emit for every delayed
// observation it releases. Observations that pass immediately are the
// caller's responsibility to forward; Pass's return value tells it so.
func NewPeriod(emit func(observation.Observation)) *Period {
	return &Period{
		states: make(map[string]*periodState),
		emit:   emit,
		now:    time.Now,
	}
}

// Pass reports whether obs should continue downstream immediately. A
// false return means the observation was captured for delayed release
// and the caller must not forward it itself; emit will be called later
// with (possibly a more recent) pending value for this item.
func (p *Period) Pass(item *devicemodel.DataItem, obs observation.Observation) bool {
	if item.Filter != devicemodel.FilterPeriod {
		return true
	}
	tau := time.Duration(item.FilterValue * float64(time.Second))
	if tau <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[item.Key]
	if !ok {
		st = &periodState{}
		p.states[item.Key] = st
	}

	now := p.now()

	if obs.Unavailable {
		p.cancelLocked(st)
		st.lastEmit = now
		return true
	}

	if st.lastEmit.IsZero() || now.Before(st.lastEmit) {
		p.cancelLocked(st)
		st.lastEmit = now
		return true
	}

	if !now.Before(st.lastEmit.Add(tau)) {
		p.cancelLocked(st)
		st.lastEmit = now
		return true
	}

	delay := st.lastEmit.Add(tau).Sub(now)
	p.cancelLocked(st)
	pending := obs
	key := item.Key
	st.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if s, ok := p.states[key]; ok {
			s.lastEmit = p.now()
			s.timer = nil
		}
		p.mu.Unlock()
		p.emit(pending)
	})
	return false
}

func (p *Period) cancelLocked(st *periodState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}
