package attendance

import (
	"sync"
	"time"
)

// Gate serializes resolution per attendance record and fences event
// submission per session. Each (session, student) pair has its own
// lock, so unrelated students and sessions never contend.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]*sessionGate
	records  map[recordKey]*sync.Mutex
}

type recordKey struct {
	sessionID string
	studentID string
}

type sessionGate struct {
	mu       sync.Mutex
	closed   bool
	sealed   bool
	inflight sync.WaitGroup
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{
		sessions: make(map[string]*sessionGate),
		records:  make(map[recordKey]*sync.Mutex),
	}
}

func (g *Gate) session(sessionID string) *sessionGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	sg, ok := g.sessions[sessionID]
	if !ok {
		sg = &sessionGate{}
		g.sessions[sessionID] = sg
	}
	return sg
}

// Enter registers an in-flight submission for the session. It fails
// with ErrSessionClosed once the session has been fenced off by
// CloseAndDrain. Every successful Enter must be paired with Leave.
func (g *Gate) Enter(sessionID string) error {
	sg := g.session(sessionID)
	sg.mu.Lock()
	defer sg.mu.Unlock()
	if sg.closed {
		return ErrSessionClosed
	}
	sg.inflight.Add(1)
	return nil
}

// Leave marks one in-flight submission as finished.
func (g *Gate) Leave(sessionID string) {
	g.session(sessionID).inflight.Done()
}

// CloseAndDrain stops admitting new submissions for the session, then
// waits up to timeout for in-flight ones to finish. It reports whether
// the drain completed. Whether or not it did, the session is sealed
// before returning: a straggler still in flight past the timeout must
// not mutate the record set once the finalize sweep begins, so it
// checks Sealed under the record lock and bails out.
func (g *Gate) CloseAndDrain(sessionID string, timeout time.Duration) bool {
	sg := g.session(sessionID)
	sg.mu.Lock()
	sg.closed = true
	sg.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sg.inflight.Wait()
		close(done)
	}()
	drained := true
	select {
	case <-done:
	case <-time.After(timeout):
		drained = false
	}

	sg.mu.Lock()
	sg.sealed = true
	sg.mu.Unlock()
	return drained
}

// Sealed reports whether the session's drain window has ended. An
// in-flight submission that observes this after taking its record lock
// must abandon the write.
func (g *Gate) Sealed(sessionID string) bool {
	sg := g.session(sessionID)
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.sealed
}

// Reopen lifts the submission fence. Used when a finalize sweep aborts
// on a storage failure and the session stays Active for retry.
func (g *Gate) Reopen(sessionID string) {
	sg := g.session(sessionID)
	sg.mu.Lock()
	sg.closed = false
	sg.sealed = false
	sg.mu.Unlock()
}

// LockRecord acquires the per-record lock and returns its unlock.
func (g *Gate) LockRecord(sessionID, studentID string) func() {
	key := recordKey{sessionID: sessionID, studentID: studentID}
	g.mu.Lock()
	lock, ok := g.records[key]
	if !ok {
		lock = &sync.Mutex{}
		g.records[key] = lock
	}
	g.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
