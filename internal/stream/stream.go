// Package stream implements the Async Observer streaming orchestrator
// (spec.md §4.9): the loop that drives long-poll and chunked-stream
// requests against the circular buffer, pacing emissions to interval,
// filling quiet gaps with heartbeats, and rebasing or failing when a
// client falls behind.
//
// The loop shape (wait for a wake, re-check state under a lock, invoke
// a caller handler, loop) is the same one the teacher's EventBus-backed
// SSE handlers and connector.hpp's read loop both use; here it is built
// directly on internal/buffer and internal/signal rather than a channel
// fan-out, because spec.md §4.9 requires the exact rebase/reschedule/
// too-far-behind decisions those two packages were built to support.
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/observation"
	"github.com/snarg/mtc-agent-core/internal/signal"
)

// ErrStopped is returned when the service stopped while a stream was
// still running.
var ErrStopped = errors.New("stream: service stopped")

// ErrTooFarBehind is returned when the client's next sequence predates
// everything the buffer can still answer for.
var ErrTooFarBehind = errors.New("stream: client fell too far behind")

// Handler serializes the next chunk starting at sequence and reports
// the sequence to resume from plus whether that sequence has caught up
// to the buffer's nextSequence.
type Handler func(ctx context.Context, sequence observation.Sequence) (next observation.Sequence, endOfBuffer bool, err error)

// Streamer drives one streaming request's lifecycle.
type Streamer struct {
	buf      *buffer.Buffer
	signaler *signal.Signaler
	observer *signal.Observer

	interval  time.Duration
	heartbeat time.Duration
	now       func() time.Time

	sequence    observation.Sequence
	endOfBuffer bool
	last        time.Time

	stopped atomic.Bool
	stopCh  chan struct{}
}

// New returns a Streamer that starts at sequence (already-at-end is
// signaled via endOfBuffer=true) and registers its observer with
// signaler for wake-ups on new data.
func New(buf *buffer.Buffer, signaler *signal.Signaler, sequence observation.Sequence, endOfBuffer bool, interval, heartbeat time.Duration) *Streamer {
	o := signal.NewObserver()
	signaler.AddObserver(o)
	return &Streamer{
		buf:         buf,
		signaler:    signaler,
		observer:    o,
		interval:    interval,
		heartbeat:   heartbeat,
		now:         time.Now,
		sequence:    sequence,
		endOfBuffer: endOfBuffer,
		last:        time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Stop marks the service as stopped; the next loop iteration (whether
// blocked in a wait or about to start one) returns ErrStopped.
func (s *Streamer) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
}

// Run drives the loop until handle returns an error, the service is
// stopped, or ctx is canceled. It always deregisters its observer
// before returning.
func (s *Streamer) Run(ctx context.Context, handle Handler) error {
	defer func() {
		s.signaler.RemoveObserver(s.observer)
		s.observer.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.stopped.Load() {
			return ErrStopped
		}

		if s.endOfBuffer {
			if _, err := s.wait(ctx, s.heartbeat, false); err != nil {
				return err
			}
		}

		next, eob, err := s.handleObservations(ctx, handle)
		if err != nil {
			return err
		}
		s.sequence = next
		s.endOfBuffer = eob
		s.last = s.now()
	}
}

// handleObservations implements spec.md §4.9 step 2: the
// rebase/reschedule/recorded-sequence/bounds-check sequence that
// precedes invoking handle.
func (s *Streamer) handleObservations(ctx context.Context, handle Handler) (observation.Sequence, bool, error) {
	if s.stopped.Load() {
		return 0, false, ErrStopped
	}

	if s.endOfBuffer {
		if !s.observer.WasSignaled() {
			_, next := s.buf.Bounds()
			s.sequence = next
		} else {
			elapsed := s.now().Sub(s.last)
			if elapsed < s.interval {
				if _, err := s.wait(ctx, s.interval-elapsed, true); err != nil {
					return 0, false, err
				}
			}
		}
	}

	if s.observer.WasSignaled() {
		if seq, ok := s.observer.Sequence(); ok {
			s.sequence = seq
		}
		s.observer.Reset()
	}

	first, _ := s.buf.Bounds()
	if s.sequence < first {
		return 0, false, ErrTooFarBehind
	}

	return handle(ctx, s.sequence)
}

// wait blocks for d, either cancel-on-signal (paced=false, a
// WaitForSignal arm) or full-duration (paced=true, a WaitFor arm), and
// reports whether a signal was recorded. It only returns a non-nil
// error when ctx is canceled (ctx.Err()) or the streamer is stopped
// (ErrStopped) first.
func (s *Streamer) wait(ctx context.Context, d time.Duration, paced bool) (signaled bool, err error) {
	done := make(chan error, 1)
	cb := func(e error) { done <- e }
	if paced {
		s.observer.WaitFor(d, cb)
	} else {
		s.observer.WaitForSignal(d, cb)
	}
	select {
	case e := <-done:
		return errors.Is(e, signal.ErrSignaled), nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.stopCh:
		return false, ErrStopped
	}
}
