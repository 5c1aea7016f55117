package commandbus

import (
	"sync"
	"time"
)

// pendingCall waits for the reply of one session
type pendingCall struct {
	worker   *Worker
	callback func(Reply)
	timer    *time.Timer
	once     sync.Once
}

// resolve fires the callback at most once
func (c *pendingCall) resolve(reply Reply) {
	c.once.Do(func() {
		c.callback(reply)
	})
}

// pendingTable holds the calls awaiting a reply, keyed by session id
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add stores call and arms its timer. onTimeout runs when the timer fires.
func (t *pendingTable) add(sessionID string, call *pendingCall, timeout time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls[sessionID] = call
	call.timer = time.AfterFunc(timeout, onTimeout)
}

// take removes and returns the call of a session. Only one caller gets it.
func (t *pendingTable) take(sessionID string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[sessionID]
	if !ok {
		return nil, false
	}
	delete(t.calls, sessionID)
	call.timer.Stop()
	return call, true
}

// drain removes and returns every call
func (t *pendingTable) drain() map[string]*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	for _, call := range calls {
		call.timer.Stop()
	}
	return calls
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
