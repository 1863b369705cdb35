// Package semaphore provides a counting semaphore for bounding worker goroutines.
package semaphore

// Semaphore limits the number of concurrent holders.
type Semaphore struct {
	c chan struct{}
}

// New returns a Semaphore with n slots.
func New(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{c: make(chan struct{}, n)}
}

// Wait blocks until a slot is free.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// TryWait acquires a slot if one is available without blocking.
func (s *Semaphore) TryWait() bool {
	select {
	case s.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// WaitOrStop blocks until a slot is free or stopC is closed.
// Returns false if stopC is closed first.
func (s *Semaphore) WaitOrStop(stopC <-chan struct{}) bool {
	select {
	case s.c <- struct{}{}:
		return true
	case <-stopC:
		return false
	}
}

// Signal releases a slot.
func (s *Semaphore) Signal() {
	<-s.c
}

// Len returns the number of held slots.
func (s *Semaphore) Len() int {
	return len(s.c)
}
