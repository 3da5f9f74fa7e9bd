package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle holds process-wide state shared across handlers: the draining
// flag used by readiness and the voice endpoint, and once-only latches for
// opening and releasing backing resources.
type Lifecycle struct {
	draining atomic.Bool

	initOnce sync.Once
	initErr  error
	inited   atomic.Bool

	teardownOnce sync.Once
	teardownErr  error
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Init runs fn at most once and returns its error on every call.
func (l *Lifecycle) Init(fn func() error) error {
	if l == nil || fn == nil {
		return nil
	}
	l.initOnce.Do(func() {
		l.initErr = fn()
		l.inited.Store(l.initErr == nil)
	})
	return l.initErr
}

func (l *Lifecycle) Initialized() bool {
	if l == nil {
		return false
	}
	return l.inited.Load()
}

// Teardown runs fn at most once. It is a no-op if Init never succeeded.
func (l *Lifecycle) Teardown(fn func() error) error {
	if l == nil || fn == nil {
		return nil
	}
	l.teardownOnce.Do(func() {
		if !l.inited.Load() {
			return
		}
		l.teardownErr = fn()
	})
	return l.teardownErr
}
