// Package dispatcher routes a subject to the handler of the first registered
// spec that matches it.
package dispatcher

import (
	"sync"

	errspkg "github.com/drblury/livewire/internal/runtime/errors"
)

// Matcher reports whether spec matches subject.
type Matcher[S any] func(spec, subject S) bool

type entry[S, H any] struct {
	spec    S
	handler H
}

// Dispatcher keeps (spec, handler) registrations in insertion order. The first
// matching registration wins, so order rather than specificity breaks ties.
type Dispatcher[S, H any] struct {
	mu      sync.RWMutex
	entries []entry[S, H]
	matcher Matcher[S]
}

// New returns a dispatcher over Object specs using ObjectContaining.
func New[H any]() *Dispatcher[Object, H] {
	return NewWithMatcher[Object, H](ObjectContaining)
}

// NewWithMatcher returns a dispatcher whose matcher fully replaces the default.
func NewWithMatcher[S, H any](matcher Matcher[S]) *Dispatcher[S, H] {
	if matcher == nil {
		panic("livewire: dispatcher matcher cannot be nil")
	}
	return &Dispatcher[S, H]{matcher: matcher}
}

// Register appends a registration and returns the dispatcher for chaining.
// Duplicate specs are allowed; the earliest one wins.
func (d *Dispatcher[S, H]) Register(spec S, handler H) *Dispatcher[S, H] {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry[S, H]{spec: spec, handler: handler})
	return d
}

// Dispatch returns the handler of the first registration matching subject, or
// a NO_MATCH error carrying the subject.
func (d *Dispatcher[S, H]) Dispatch(subject S) (H, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if d.matcher(e.spec, subject) {
			return e.handler, nil
		}
	}
	var zero H
	return zero, errspkg.NewNoMatch(subject)
}

// Len returns the number of registrations.
func (d *Dispatcher[S, H]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
