// Package buffer implements the circular observation buffer (spec.md
// §4.7): a fixed-capacity sequence-numbered ring with periodic
// checkpoints that supports point-in-time reconstruction of device
// state and a latest-per-data-item view.
//
// The source guards append, reconstruct, and retrieval with a single
// recursive mutex so that reconstruction (which internally replays
// through append-adjacent bookkeeping) can re-enter the lock. Go has no
// recursive mutex and the example pack never hand-rolls one, so this
// package uses a single sync.Mutex plus unexported, already-locked
// helper methods for any internal call that would otherwise re-enter —
// the same invariant (append/reconstruct/retrieval never interleave
// torn state) without needing re-entrancy.
package buffer

import (
	"sync"

	"github.com/snarg/mtc-agent-core/internal/metrics"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

// Filter restricts a query to a set of data item ids; a nil or empty
// Filter matches everything.
type Filter map[string]bool

func (f Filter) matches(id string) bool {
	if len(f) == 0 {
		return true
	}
	return f[id]
}

// State is a point-in-time snapshot: the latest value for each matching
// non-condition data item, and the full active set for each matching
// condition data item.
type State struct {
	Sequence   observation.Sequence
	Values     map[string]observation.Observation
	Conditions map[string][]observation.Observation
}

type checkpoint struct {
	sequence   observation.Sequence
	values     map[string]observation.Observation
	conditions map[string]*observation.ActivationSet
}

func newCheckpoint(seq observation.Sequence) *checkpoint {
	return &checkpoint{
		sequence:   seq,
		values:     make(map[string]observation.Observation),
		conditions: make(map[string]*observation.ActivationSet),
	}
}

func (c *checkpoint) clone() *checkpoint {
	cp := newCheckpoint(c.sequence)
	for k, v := range c.values {
		cp.values[k] = v
	}
	for k, v := range c.conditions {
		cp.conditions[k] = v.Clone()
	}
	return cp
}

func (c *checkpoint) apply(obs observation.Observation) {
	if obs.Kind == observation.KindCondition {
		set, ok := c.conditions[obs.DataItemID]
		if !ok {
			set = observation.NewActivationSet()
			c.conditions[obs.DataItemID] = set
		}
		set.Apply(obs)
	} else {
		c.values[obs.DataItemID] = obs
	}
}

func (c *checkpoint) state(f Filter) State {
	s := State{Sequence: c.sequence, Values: make(map[string]observation.Observation), Conditions: make(map[string][]observation.Observation)}
	for id, v := range c.values {
		if f.matches(id) {
			s.Values[id] = v
		}
	}
	for id, set := range c.conditions {
		if f.matches(id) {
			if active := set.Snapshot(); len(active) > 0 {
				s.Conditions[id] = active
			}
		}
	}
	return s
}

type slot struct {
	sequence observation.Sequence
	obs      observation.Observation
	valid    bool
}

// Buffer is the circular observation buffer.
type Buffer struct {
	mu sync.Mutex

	ring           []slot
	capacity       int
	checkpointFreq int

	firstSequence observation.Sequence
	nextSequence  observation.Sequence

	latest      *checkpoint
	checkpoints map[observation.Sequence]*checkpoint
}

// New constructs a buffer with the given ring capacity and checkpoint
// interval (observations between periodic checkpoints).
func New(capacity, checkpointFreq int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if checkpointFreq <= 0 {
		checkpointFreq = capacity
	}
	return &Buffer{
		ring:           make([]slot, capacity),
		capacity:       capacity,
		checkpointFreq: checkpointFreq,
		nextSequence:   1,
		firstSequence:  1,
		latest:         newCheckpoint(0),
		checkpoints:    make(map[observation.Sequence]*checkpoint),
	}
}

// Append assigns the next sequence to obs, writes it into the ring,
// updates the latest checkpoint, lays down a periodic checkpoint if the
// boundary is crossed, and evicts the oldest slot if the ring is full.
// Returns the assigned sequence.
func (b *Buffer) Append(obs observation.Observation) observation.Sequence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(obs)
}

func (b *Buffer) appendLocked(obs observation.Observation) observation.Sequence {
	seq := b.nextSequence
	obs.Sequence = seq

	full := b.nextSequence-b.firstSequence >= observation.Sequence(b.capacity)

	idx := int(seq-1) % b.capacity
	b.ring[idx] = slot{sequence: seq, obs: obs, valid: true}

	b.latest.apply(obs)
	b.latest.sequence = seq

	if int(seq)%b.checkpointFreq == 0 {
		b.checkpoints[seq] = b.latest.clone()
	}

	b.nextSequence++
	if full {
		b.firstSequence++
		metrics.BufferEvictionsTotal.Inc()
	}
	return seq
}

// Latest returns the latest checkpoint restricted to f, matching
// spec.md §4.7's latest retrieval.
func (b *Buffer) Latest(f Filter) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest.state(f)
}

// Bounds returns the current firstSequence and nextSequence.
func (b *Buffer) Bounds() (first, next observation.Sequence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstSequence, b.nextSequence
}

// Reconstruct returns the device state as of sequence s restricted to f,
// by selecting the greatest checkpoint at or before s and replaying
// observations in (checkpoint, s], per spec.md §4.7's algorithm.
func (b *Buffer) Reconstruct(s observation.Sequence, f Filter) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconstructLocked(s, f)
}

func (b *Buffer) reconstructLocked(s observation.Sequence, f Filter) (State, bool) {
	if s >= b.nextSequence {
		return State{}, false
	}
	if s > 0 && s < b.firstSequence {
		// Client fell too far behind: the requested sequence predates
		// everything the ring or its checkpoints can still answer for.
		return State{}, false
	}

	base := newCheckpoint(0)
	var bestSeq observation.Sequence
	for seq, cp := range b.checkpoints {
		if seq <= s && seq >= bestSeq {
			bestSeq = seq
			base = cp
		}
	}
	working := base.clone()

	from := bestSeq + 1
	if from < b.firstSequence {
		from = b.firstSequence
	}
	for seq := from; seq <= s; seq++ {
		idx := int(seq-1) % b.capacity
		sl := b.ring[idx]
		if sl.valid && sl.sequence == seq {
			working.apply(sl.obs)
		}
	}
	working.sequence = s
	return working.state(f), true
}

// Range returns the contiguous run of observations matching f with
// sequence >= from, at most count entries, capped at `to` if provided
// (to > 0), plus the end sequence reached and whether the end of the
// buffer was hit (spec.md §4.7's range retrieval).
func (b *Buffer) Range(from observation.Sequence, count int, to observation.Sequence, f Filter) (obs []observation.Observation, end observation.Sequence, endOfBuffer bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from < b.firstSequence {
		from = b.firstSequence
	}
	limit := b.nextSequence
	if to > 0 && to < limit {
		limit = to + 1
	}

	seq := from
	for ; seq < limit && len(obs) < count; seq++ {
		idx := int(seq-1) % b.capacity
		sl := b.ring[idx]
		if sl.valid && sl.sequence == seq && f.matches(sl.obs.DataItemID) {
			obs = append(obs, sl.obs)
		}
	}
	return obs, seq, seq >= b.nextSequence
}
