package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registration relates a channel to a selector and an interest set. It is
// owned by the selector and removed when the channel closes or Cancel is
// called.
type Registration struct {
	// ID uniquely identifies this registration for logging and bookkeeping.
	ID uuid.UUID

	sel      *Selector
	ch       Selectable
	interest Ops
	ready    Ops
}

// Channel returns the registered channel.
func (r *Registration) Channel() Selectable { return r.ch }

// Interest returns the registered interest set.
func (r *Registration) Interest() Ops { return r.interest }

// Ready returns the readiness computed by the most recent select pass that
// returned this registration.
func (r *Registration) Ready() Ops { return r.ready }

// Cancel removes the registration from its selector.
func (r *Registration) Cancel() {
	r.sel.cancel(r)
}

// Selector multiplexes readiness across an arbitrary mixture of plain and
// secure channels and listeners. For plain channels readiness is exactly the
// transport signal; for secure channels the selector drives the handshake
// state machine on every pass and reports only application-level readiness,
// so callers never need to special-case secure entries.
//
// One goroutine owns a selector's Select loop; Wakeup and Register are safe
// to call from others.
type Selector struct {
	mu          sync.Mutex
	regs        map[uuid.UUID]*Registration
	order       []uuid.UUID
	wake        chan struct{}
	wakePending bool
	closed      bool
}

// NewSelector creates an empty selector.
func NewSelector() *Selector {
	return &Selector{
		regs: make(map[uuid.UUID]*Registration),
		wake: make(chan struct{}, 1),
	}
}

// Register adds ch with the given interest set. Registering a channel that is
// already present updates its interest and returns the existing registration.
// A blocked Select observes new registrations promptly.
func (s *Selector) Register(ch Selectable, interest Ops) (*Registration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	}
	for _, id := range s.order {
		if reg := s.regs[id]; reg.ch == ch {
			reg.interest = interest
			s.mu.Unlock()
			return reg, nil
		}
	}
	reg := &Registration{
		ID:       uuid.New(),
		sel:      s,
		ch:       ch,
		interest: interest,
	}
	s.regs[reg.ID] = reg
	s.order = append(s.order, reg.ID)
	s.mu.Unlock()

	ch.setNotify(s.signal)
	s.signal()

	logrus.WithFields(logrus.Fields{
		"registration": reg.ID.String(),
		"interest":     int(interest),
	}).Debug("Channel registered with selector")
	return reg, nil
}

func (s *Selector) cancel(reg *Registration) {
	s.mu.Lock()
	if _, ok := s.regs[reg.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.regs, reg.ID)
	for i, id := range s.order {
		if id == reg.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	reg.ch.setNotify(nil)
}

// signal is the internal readiness wakeup: a non-blocking edge trigger.
func (s *Selector) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wakeup releases a blocked Select from another goroutine. If no Select is
// blocked, the next one returns immediately with whatever is ready.
func (s *Selector) Wakeup() {
	s.mu.Lock()
	s.wakePending = true
	s.mu.Unlock()
	s.signal()
}

// Select blocks until at least one registration is ready, the timeout
// elapses, or Wakeup is called. A zero timeout blocks indefinitely; a
// negative timeout behaves like SelectNow. If the ready set is already
// non-empty at entry the call returns immediately.
func (s *Selector) Select(timeout time.Duration) ([]*Registration, error) {
	if timeout < 0 {
		return s.SelectNow()
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		ready, woken, err := s.collect()
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 || woken {
			return ready, nil
		}
		select {
		case <-s.wake:
		case <-timeoutC:
			return nil, nil
		}
	}
}

// SelectNow returns the current ready set without blocking, after one pass of
// handshake driving.
func (s *Selector) SelectNow() ([]*Registration, error) {
	ready, _, err := s.collect()
	return ready, err
}

// collect pumps every registered channel's internal state machine and
// gathers registrations whose readiness intersects their interest. A channel
// that has closed is deregistered here.
func (s *Selector) collect() ([]*Registration, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrSelectorClosed
	}
	woken := s.wakePending
	s.wakePending = false
	snapshot := make([]*Registration, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.regs[id])
	}
	s.mu.Unlock()

	var ready []*Registration
	for _, reg := range snapshot {
		if !reg.ch.isOpen() {
			s.cancel(reg)
			continue
		}
		reg.ch.pump()
		if ops := reg.ch.ReadyOps() & reg.interest; ops != 0 {
			reg.ready = ops
			ready = append(ready, reg)
		}
	}
	return ready, woken, nil
}

// Close deregisters everything and aborts a blocked Select, which returns
// ErrSelectorClosed.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	snapshot := make([]*Registration, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.regs[id])
	}
	s.regs = nil
	s.order = nil
	s.mu.Unlock()

	for _, reg := range snapshot {
		reg.ch.setNotify(nil)
	}
	s.signal()
	return nil
}
