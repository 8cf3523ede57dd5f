// Package resource implements admission control for concurrent agent runs.
// create_task is always allowed; start_execution asks the manager for a slot
// and fails fast if none is available within a short timeout.
package resource

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Manager caps the number of concurrently executing runs.
type Manager struct {
	sem       *semaphore.Weighted
	max       int64
	acquireTO time.Duration
}

// New creates a Manager allowing up to maxConcurrent simultaneous runs.
// acquireTimeout bounds how long Acquire will wait for a slot before giving
// up; a non-positive value defaults to 5s.
func New(maxConcurrent int, acquireTimeout time.Duration) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	return &Manager{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		max:       int64(maxConcurrent),
		acquireTO: acquireTimeout,
	}
}

// Acquire blocks until a slot is available or the admission timeout elapses.
// It returns a release function that must be called exactly once to free the
// slot, or an error if admission was denied.
func (m *Manager) Acquire(ctx context.Context) (release func(), err error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.acquireTO)
	defer cancel()

	if err := m.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, ErrAdmissionDenied
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.sem.Release(1)
	}, nil
}

// TryAcquire attempts to take a slot without blocking.
func (m *Manager) TryAcquire() (release func(), ok bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.sem.Release(1)
	}, true
}

// MaxConcurrent returns the configured capacity.
func (m *Manager) MaxConcurrent() int {
	return int(m.max)
}

// ErrAdmissionDenied is returned when no slot becomes available before the
// admission timeout elapses.
var ErrAdmissionDenied = admissionDeniedError{}

type admissionDeniedError struct{}

func (admissionDeniedError) Error() string { return "admission denied: no execution capacity available" }
