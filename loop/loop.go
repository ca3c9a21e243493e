// Package loop implements saftbus's single-threaded cooperative event
// loop: a poll(2)-based scheduler over pluggable, composable Sources.
//
// One call to [Loop.Iteration] performs, in order: prepare (ask every
// live Source for its next timeout and its pollable descriptors),
// wait (a single poll bounded by the minimum reported timeout),
// writeback (copy the returned event masks into the descriptors the
// Sources own), dispatch (run every Source whose Check reports it is
// runnable), and commit (apply any Sources added or removed during
// dispatch). [Loop.Run] repeats Iteration until the Source set is
// empty or [Loop.Quit] is called.
//
// This is a restatement, not a transliteration, of mini-saftlib's
// poll-based Loop/Source split: the C++ original keeps an
// Impl-and-back-pointer pair per Source and a running_depth counter
// to make connect/remove safe from inside dispatch. The Go version
// keeps the same running-depth trick (see connect/remove below) but
// drops the Impl indirection in favor of plain structs, per the
// reentrancy contract described in the package-level docs.
package loop

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// noTimeout is the sentinel meaning "this source has nothing to wait
// for". It mirrors the -1ms sentinel from the original C++ Loop.
const noTimeout = -1

// A Source is a unit of work managed by a [Loop].
//
// Prepare, Check and Dispatch are only ever called from the goroutine
// running the owning Loop's Iteration; implementations do not need
// their own locking to protect these calls from each other.
type Source interface {
	// Prepare reports the source's next timeout in milliseconds
	// (noTimeout if it has none) and whether it is already runnable
	// without waiting for poll(2) (e.g. a timer whose time has come).
	Prepare() (timeoutMs int, ready bool)

	// Check is called after the loop's poll(2) call returns. It
	// reports whether Dispatch should run this iteration.
	Check() bool

	// Dispatch performs the source's work. Returning false requests
	// that the loop remove this source once the current iteration's
	// dispatch phase completes.
	Dispatch() bool

	// pollFDs returns the source's pollable descriptors, or nil for a
	// source with none (e.g. a pure timer). The returned pointers are
	// owned by the source: the loop writes polled event masks
	// directly into them during the writeback phase.
	pollFDs() []*unix.PollFd
}

// bindable is implemented by the Source types in this package so that
// [Loop.Connect] can give a Source a non-owning handle back to its
// Loop, for self-removal. It is unexported; a Source without it is
// still removed by the Loop when its Dispatch returns false, or by an
// explicit [Loop.Remove].
type bindable interface {
	bindLoop(l *Loop)
}

// Loop is a single-threaded cooperative scheduler over a set of
// Sources.
//
// The zero value is not usable; use [New]. A Loop is safe to mutate
// (via Connect/Remove) from any goroutine, including from within a
// Source's Dispatch, but Iteration/Run must only ever be called from
// one goroutine at a time.
type Loop struct {
	sources []Source
	added   []Source
	removed map[Source]bool

	runningDepth int
	quit         bool
}

// New returns an empty, ready-to-run Loop.
func New() *Loop {
	return &Loop{
		removed: make(map[Source]bool),
	}
}

// Connect adds source to the loop. If the loop is currently
// iterating (runningDepth > 0, e.g. this call came from within a
// Source's Dispatch), the addition is deferred until the outermost
// Iteration reaches its commit phase, so the Source set mid-iteration
// is never mutated while being iterated.
func (l *Loop) Connect(source Source) {
	if b, ok := source.(bindable); ok {
		b.bindLoop(l)
	}
	l.added = append(l.added, source)
	if l.runningDepth == 0 {
		l.commit()
	}
}

// Remove requests that source be removed from the loop. Like Connect,
// removal from inside a nested Dispatch is deferred to the outermost
// iteration's commit phase. Remove is idempotent: removing a Source
// more than once, or one that was never connected, is a no-op.
func (l *Loop) Remove(source Source) {
	l.removed[source] = true
	if l.runningDepth == 0 {
		l.commit()
	}
}

// commit applies pending additions and removals. It is only safe to
// call when running_depth is 0 (no Iteration in progress) or exactly
// 1 (the outermost Iteration, between its dispatch and return).
func (l *Loop) commit() {
	if len(l.removed) > 0 {
		kept := l.sources[:0]
		for _, s := range l.sources {
			if !l.removed[s] {
				kept = append(kept, s)
			}
		}
		l.sources = kept
		l.removed = make(map[Source]bool)
	}
	if len(l.added) > 0 {
		l.sources = append(l.sources, l.added...)
		l.added = nil
	}
}

// Iteration runs one pass of the loop: prepare, wait, writeback,
// dispatch, commit. It returns false iff the Source set is empty once
// the iteration completes, which [Loop.Run] takes as its signal to
// stop.
//
// If mayBlock is false, the poll(2) call is given a zero timeout
// regardless of what the Sources reported.
func (l *Loop) Iteration(mayBlock bool) bool {
	l.runningDepth++
	defer func() { l.runningDepth-- }()

	timeout := noTimeout
	pfds := make([]unix.PollFd, 0, 16)
	owners := make([]*unix.PollFd, 0, 16)

	for _, s := range l.sources {
		t, ready := s.Prepare()
		if ready {
			t = 0
		}
		if t != noTimeout && (timeout == noTimeout || t < timeout) {
			timeout = t
		}
		for _, pfd := range s.pollFDs() {
			pfds = append(pfds, *pfd)
			owners = append(owners, pfd)
		}
	}
	if !mayBlock {
		timeout = 0
	}

	if len(pfds) > 0 {
		n, err := unix.Poll(pfds, timeout)
		switch {
		case err != nil:
			log.Printf("saftbus/loop: poll error: %v", err)
		case n > 0:
			for i := range pfds {
				owners[i].Revents = pfds[i].Revents
			}
		}
	} else if timeout > 0 {
		time.Sleep(time.Duration(timeout) * time.Millisecond)
	}

	for _, s := range l.sources {
		if s.Check() {
			// Dispatch is allowed to call back into Iteration (e.g. to
			// pump a nested response); runningDepth tracks that so
			// Connect/Remove issued from here defer their effect
			// until this outermost call reaches commit, below.
			if !s.Dispatch() {
				l.Remove(s)
			}
		}
	}

	if l.runningDepth == 1 {
		l.commit()
	}

	return len(l.sources) > 0
}

// Run calls Iteration(true) until the Source set becomes empty or
// Quit is called.
func (l *Loop) Run() {
	l.quit = false
	for !l.quit {
		if !l.Iteration(true) {
			return
		}
	}
}

// Quit stops a running [Loop.Run] after its current iteration
// completes.
func (l *Loop) Quit() {
	l.quit = true
}

// QuitIn schedules the loop to quit after d has elapsed, by
// connecting a one-shot TimeoutSource.
func (l *Loop) QuitIn(d time.Duration) {
	l.Connect(NewTimeoutSource(func() bool {
		l.Quit()
		return false
	}, d))
}

// TimeoutSource calls slot every interval, starting at
// interval+offset after construction, until slot returns false.
//
// On each dispatch it advances its next-fire time by whole multiples
// of interval until that time is strictly in the future, so a slot
// that falls behind catches up without firing once per missed tick —
// mirroring mini-saftlib's TimeoutSource::dispatch.
type TimeoutSource struct {
	slot     func() bool
	interval time.Duration
	nextTime time.Time
	loop     *Loop
}

// NewTimeoutSource returns a TimeoutSource that calls slot every
// interval, first firing at interval+offset from now.
func NewTimeoutSource(slot func() bool, interval time.Duration, offset ...time.Duration) *TimeoutSource {
	var off time.Duration
	if len(offset) > 0 {
		off = offset[0]
	}
	return &TimeoutSource{
		slot:     slot,
		interval: interval,
		nextTime: time.Now().Add(interval + off),
	}
}

func (t *TimeoutSource) bindLoop(l *Loop) { t.loop = l }

func (t *TimeoutSource) Prepare() (timeoutMs int, ready bool) {
	now := time.Now()
	if !now.Before(t.nextTime) {
		return 0, true
	}
	// Round up, so a wait of less than a millisecond still blocks
	// until the timer is due instead of polling with a zero timeout.
	return int((t.nextTime.Sub(now) + time.Millisecond - 1) / time.Millisecond), false
}

func (t *TimeoutSource) Check() bool {
	return !time.Now().Before(t.nextTime)
}

func (t *TimeoutSource) Dispatch() bool {
	now := time.Now()
	for !now.Before(t.nextTime) {
		t.nextTime = t.nextTime.Add(t.interval)
	}
	keep := t.slot()
	if !keep && t.loop != nil {
		t.loop.Remove(t)
	}
	return keep
}

func (t *TimeoutSource) pollFDs() []*unix.PollFd { return nil }

// IoSource calls slot whenever fd's polled events intersect
// condition (typically unix.POLLIN, unix.POLLOUT, or unix.POLLHUP).
// The source removes itself once slot returns false.
type IoSource struct {
	slot func(fd int, revents int16) bool
	pfd  unix.PollFd
	loop *Loop
}

// NewIoSource returns an IoSource watching fd for condition.
func NewIoSource(slot func(fd int, revents int16) bool, fd int, condition int16) *IoSource {
	return &IoSource{
		slot: slot,
		pfd: unix.PollFd{
			Fd:     int32(fd),
			Events: condition,
		},
	}
}

func (s *IoSource) bindLoop(l *Loop) { s.loop = l }

func (s *IoSource) Prepare() (timeoutMs int, ready bool) {
	ready = s.pfd.Revents&s.pfd.Events != 0
	return noTimeout, ready
}

func (s *IoSource) Check() bool {
	return s.pfd.Revents&s.pfd.Events != 0
}

func (s *IoSource) Dispatch() bool {
	keep := s.slot(int(s.pfd.Fd), s.pfd.Revents)
	s.pfd.Revents = 0
	if !keep && s.loop != nil {
		s.loop.Remove(s)
	}
	return keep
}

func (s *IoSource) pollFDs() []*unix.PollFd { return []*unix.PollFd{&s.pfd} }

// Fd returns the descriptor this source is watching.
func (s *IoSource) Fd() int { return int(s.pfd.Fd) }

func (s *IoSource) String() string {
	return fmt.Sprintf("IoSource(fd=%d, events=%#x)", s.pfd.Fd, s.pfd.Events)
}
