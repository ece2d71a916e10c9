package util

import (
	"context"
)

// Semaphore bounds concurrency, with Acquire operations taking a context.
type Semaphore interface {
	// Acquire blocks until a slot is free and returns true, or returns false
	// if the context is done first.
	Acquire(ctx context.Context) bool
	Release()
}

// NewSemaphore returns a Semaphore with count slots.  Zero means unlimited.
func NewSemaphore(count int) Semaphore {
	if count <= 0 {
		return unlimited{}
	}
	return make(slots, count)
}

// slots holds one element per acquired slot.
type slots chan struct{}

func (s slots) Acquire(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case s <- struct{}{}:
		return true
	}
}

func (s slots) Release() {
	<-s
}

type unlimited struct{}

func (unlimited) Acquire(context.Context) bool { return true }
func (unlimited) Release()                     {}
