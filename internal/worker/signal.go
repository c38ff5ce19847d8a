package worker

import "sync"

// CancelSignal is a one-way cooperative cancellation flag. Once set it stays
// set; workers poll it at safe points and never abort in-flight downloads.
type CancelSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelSignal returns an unset signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

// Cancel sets the signal. Repeated calls are no-ops.
func (s *CancelSignal) Cancel() {
	s.once.Do(func() { close(s.ch) })
}

// Cancelled reports whether Cancel was called.
func (s *CancelSignal) Cancelled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the signal is set.
func (s *CancelSignal) Done() <-chan struct{} {
	return s.ch
}
