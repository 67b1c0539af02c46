// Package signal implements the change-notification core (spec.md §4.8):
// a Signaler owns a set of Observers; signaling an Observer records the
// earliest sequence seen since its last reset and, depending on wait
// mode, wakes a pending handler early.
//
// This is ported behaviorally from change_observer.hpp: the sentinel
// "not yet signaled" state, the min-of-nonzero-sequence recording rule,
// the two wait modes (cancel-on-signal vs. paced full-duration), and the
// mutual deregistration lifecycle. The source's std::recursive_mutex
// per observer is a plain sync.Mutex here since nothing in this package
// re-enters its own lock. The source's boost::asio::strand dispatch is
// replaced by the mutex-guarded stop-then-fire in armLocked/signal: an
// arm is only ever fired once, from whichever of the timer goroutine or
// the signaling goroutine wins the race to Stop it, so a caller never
// sees two concurrent handler invocations for the same wait.
package signal

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/snarg/mtc-agent-core/internal/observation"
)

// ErrSignaled is passed to a wait handler when the wait was cut short by
// a signal rather than by the timer reaching its natural duration.
var ErrSignaled = errors.New("signal: observer was signaled before the wait elapsed")

const unsignaled = observation.Sequence(math.MaxUint64)

// Observer is bound to one strand/executor (the caller dispatches
// handlers however it likes; this type only decides when to fire). It
// carries a sequence hint (initially "none"), a cancellable timer, and
// tracks which Signalers it is currently registered with so Close can
// deregister cleanly.
type Observer struct {
	mu               sync.Mutex
	sequence         observation.Sequence
	noCancelOnSignal bool
	timer            *time.Timer
	pending          func(error)
	signalers        map[*Signaler]struct{}
}

// NewObserver returns an Observer in the unsignaled state.
func NewObserver() *Observer {
	return &Observer{sequence: unsignaled, signalers: make(map[*Signaler]struct{})}
}

// WasSignaled reports whether a signal has been recorded since the last
// reset.
func (o *Observer) WasSignaled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sequence != unsignaled
}

// Sequence returns the recorded sequence and whether one was recorded.
func (o *Observer) Sequence() (observation.Sequence, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sequence == unsignaled {
		return 0, false
	}
	return o.sequence, true
}

// Reset clears any recorded signal and re-enables cancel-on-signal.
func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sequence = unsignaled
	o.noCancelOnSignal = false
}

// WaitForSignal arms a timer of duration d that invokes handler(nil) on
// natural expiry. If a signal was already recorded, handler(ErrSignaled)
// fires immediately instead. A subsequent Signal before d elapses stops
// the timer early and fires handler(ErrSignaled).
func (o *Observer) WaitForSignal(d time.Duration, handler func(error)) {
	o.mu.Lock()
	o.noCancelOnSignal = false
	if o.sequence != unsignaled {
		o.mu.Unlock()
		handler(ErrSignaled)
		return
	}
	o.armLocked(d, handler)
	o.mu.Unlock()
}

// WaitFor arms a timer of duration d that always runs to completion
// regardless of intervening signals, used for paced/heartbeat chunking
// where the full interval must elapse between emissions.
func (o *Observer) WaitFor(d time.Duration, handler func(error)) {
	o.mu.Lock()
	o.noCancelOnSignal = true
	o.armLocked(d, handler)
	o.mu.Unlock()
}

func (o *Observer) armLocked(d time.Duration, handler func(error)) {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.pending = handler
	o.timer = time.AfterFunc(d, func() {
		o.mu.Lock()
		h := o.pending
		o.pending = nil
		o.mu.Unlock()
		if h != nil {
			h(nil)
		}
	})
}

// signal records min(current, seq) when seq is non-zero, then cancels
// the pending timer (firing its handler with ErrSignaled) unless
// noCancelOnSignal is set. Matches change_observer.hpp's signal().
func (o *Observer) signal(seq observation.Sequence) {
	o.mu.Lock()
	if seq != 0 && o.sequence > seq {
		o.sequence = seq
	}
	var h func(error)
	if !o.noCancelOnSignal && o.timer != nil {
		if o.timer.Stop() {
			h = o.pending
			o.pending = nil
		}
	}
	o.mu.Unlock()
	if h != nil {
		h(ErrSignaled)
	}
}

// Close detaches the observer from every signaler it is registered
// with and stops any pending timer.
func (o *Observer) Close() {
	o.mu.Lock()
	signalers := make([]*Signaler, 0, len(o.signalers))
	for s := range o.signalers {
		signalers = append(signalers, s)
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.pending = nil
	o.mu.Unlock()

	for _, s := range signalers {
		s.RemoveObserver(o)
	}
}

func (o *Observer) registerSignaler(s *Signaler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.signalers[s] = struct{}{}
}

func (o *Observer) deregisterSignaler(s *Signaler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.signalers, s)
}

// Signaler owns a set of observers and wakes them all when data changes.
type Signaler struct {
	mu        sync.Mutex
	observers map[*Observer]struct{}
}

// NewSignaler returns an empty Signaler.
func NewSignaler() *Signaler {
	return &Signaler{observers: make(map[*Observer]struct{})}
}

// AddObserver registers o with the signaler and vice versa.
func (s *Signaler) AddObserver(o *Observer) {
	s.mu.Lock()
	s.observers[o] = struct{}{}
	s.mu.Unlock()
	o.registerSignaler(s)
}

// RemoveObserver deregisters o from the signaler and vice versa.
func (s *Signaler) RemoveObserver(o *Observer) {
	s.mu.Lock()
	_, had := s.observers[o]
	delete(s.observers, o)
	s.mu.Unlock()
	if had {
		o.deregisterSignaler(s)
	}
}

// HasObserver reports whether o is currently registered.
func (s *Signaler) HasObserver(o *Observer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.observers[o]
	return ok
}

// ObserverCount returns the number of observers currently registered.
func (s *Signaler) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// SignalObservers calls signal(seq) on every attached observer. The
// signaler lock is held only for the synchronous iteration, per spec.md
// §5: it is never held across a suspension point.
func (s *Signaler) SignalObservers(seq observation.Sequence) {
	s.mu.Lock()
	observers := make([]*Observer, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.signal(seq)
	}
}

// Close detaches every observer still attached to this signaler.
func (s *Signaler) Close() {
	s.mu.Lock()
	observers := make([]*Observer, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	s.observers = make(map[*Observer]struct{})
	s.mu.Unlock()

	for _, o := range observers {
		o.deregisterSignaler(s)
	}
}
