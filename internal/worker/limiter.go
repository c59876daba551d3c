package worker

import "errors"

// ErrBusy is returned when every concurrent stream slot is taken.
var ErrBusy = errors.New("all stream slots busy")

// Limiter caps the number of in-flight model streams across all users.
// Acquisition never blocks: a full limiter rejects immediately so the client
// gets a fast busy signal instead of a queued wait.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter builds a limiter with n slots. n <= 0 disables the cap.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		return &Limiter{}
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire takes a slot or fails with ErrBusy.
func (l *Limiter) Acquire() error {
	if l.slots == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// Release returns a previously acquired slot.
func (l *Limiter) Release() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}
