package dispatch

import "sync"

// sessionLocks hands out one mutex per session id so the
// read-persona -> evaluate -> handoff -> write sequence runs exclusively per
// session while unrelated sessions proceed in parallel. Entries are
// refcounted and dropped when the last holder releases.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLockEntry
}

type sessionLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: map[string]*sessionLockEntry{}}
}

// Acquire blocks until the session's lock is held and returns the release
// function.
func (l *sessionLocks) Acquire(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLockEntry{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
