// Package signal provides the counting semaphore used to wake pipeline tasks.
// Post never blocks, so it is safe to call from interrupt handlers.
package signal

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("signal: pend timed out")

type Semaphore struct {
	mu    sync.Mutex
	count uint32
	wake  chan struct{}
}

func New(initial uint32) *Semaphore {
	return &Semaphore{
		count: initial,
		wake:  make(chan struct{}, 1),
	}
}

// Post increments the count and wakes one pending task.
func (s *Semaphore) Post() {
	s.mu.Lock()
	if s.count < ^uint32(0) {
		s.count++
	}
	s.mu.Unlock()
	s.notify()
}

// Pend blocks until the count is positive or ctx is done.
func (s *Semaphore) Pend(ctx context.Context) error {
	return s.pend(ctx, nil)
}

// PendTimeout is Pend bounded by d. It returns ErrTimeout when d elapses first.
func (s *Semaphore) PendTimeout(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	return s.pend(ctx, t.C)
}

// TryPend takes one count if available without blocking.
func (s *Semaphore) TryPend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	if s.count > 0 {
		s.notify()
	}
	return true
}

// Drain discards every pending count and returns how many were dropped.
func (s *Semaphore) Drain() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count
	s.count = 0
	return n
}

func (s *Semaphore) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Semaphore) pend(ctx context.Context, timeout <-chan time.Time) error {
	for {
		if s.TryPend() {
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			// a post may have raced the timer
			if s.TryPend() {
				return nil
			}
			return ErrTimeout
		}
	}
}

func (s *Semaphore) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
