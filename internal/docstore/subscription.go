package docstore

import "sync"

// Subscription is the handle of one live query.
//
// Delivery is latest-wins: the snapshot channel holds at most one pending
// snapshot and a newer one replaces it, so a slow consumer always reads the
// most recent result set. After Stop nothing more is delivered and both
// channels are closed.
type Subscription struct {
	mu        sync.Mutex
	snapshots chan Snapshot
	errs      chan error
	done      chan struct{}
	closed    bool
	onStop    func()
}

// NewSubscription is used by Store implementations. onStop runs once, after
// the channels are closed, to release the implementation's resources.
func NewSubscription(onStop func()) *Subscription {
	return &Subscription{
		snapshots: make(chan Snapshot, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
		onStop:    onStop,
	}
}

// Snapshots returns the channel of result sets.
func (s *Subscription) Snapshots() <-chan Snapshot { return s.snapshots }

// Errors returns query errors. They do not end the subscription.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Done is closed when the subscription is stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Deliver publishes snap, replacing any pending snapshot.
// Returns false if the subscription is stopped.
func (s *Subscription) Deliver(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.snapshots <- snap:
		return true
	default:
	}
	select {
	case <-s.snapshots:
	default:
	}
	s.snapshots <- snap
	return true
}

// Fail publishes a query error with the same latest-wins policy.
func (s *Subscription) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.errs <- err:
		return true
	default:
	}
	select {
	case <-s.errs:
	default:
	}
	s.errs <- err
	return true
}

// Stop ends the subscription. Safe to call multiple times.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	// drop anything pending so no snapshot is observed after Stop
	select {
	case <-s.snapshots:
	default:
	}
	select {
	case <-s.errs:
	default:
	}
	close(s.done)
	close(s.snapshots)
	close(s.errs)
	onStop := s.onStop
	s.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

// Stopped reports whether Stop has been called.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
