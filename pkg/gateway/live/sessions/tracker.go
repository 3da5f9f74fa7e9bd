// Package sessions tracks live relay sessions so shutdown can warn, wait for
// and finally cancel them.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker needs from a live relay.
type Handle struct {
	Cancel func()
	Warn   func(errorType, message string) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	// idle is closed whenever no session is registered.
	idle chan struct{}
}

type trackedSession struct {
	handle Handle
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.initLocked()
	return t
}

func (t *Tracker) initLocked() {
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
		close(t.idle)
	}
}

// Register adds a session. Re-registering an id replaces the previous entry,
// whose unregister func becomes a no-op.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	t.initLocked()
	if len(t.sessions) == 0 {
		t.idle = make(chan struct{})
	}
	t.sessions[sessionID] = entry
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { t.unregister(sessionID, entry) }) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[sessionID] != entry {
		return
	}
	delete(t.sessions, sessionID)
	if len(t.sessions) == 0 {
		close(t.idle)
	}
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.handle)
	}
	return out
}

// WarnAll is best effort; a failed warning still counts as sent.
func (t *Tracker) WarnAll(errorType, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(errorType, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until no session is registered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	t.initLocked()
	idle := t.idle
	t.mu.Unlock()

	if ctx == nil {
		<-idle
		return true
	}
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

type DrainResult struct {
	Warned   int
	Canceled int
	Clean    bool
}

// Drain warns every session, waits for them to leave until ctx ends, then
// cancels whatever is left.
func (t *Tracker) Drain(ctx context.Context, errorType, message string) DrainResult {
	res := DrainResult{Warned: t.WarnAll(errorType, message)}
	if t.Wait(ctx) {
		res.Clean = true
		return res
	}
	res.Canceled = t.CancelAll()
	return res
}
