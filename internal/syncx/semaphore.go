package syncx

import "context"

// Semaphore bounds concurrent admission to a resource — the per-adapter
// caps spec §5 calls backpressure (transcoder, STT, LLM relevance, LLM
// generator).
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a Semaphore admitting at most n concurrent
// holders. n <= 0 is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}
