package commandbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by operations on a closed bus
var ErrClosed = errors.New("command bus closed")

// State is the startup progress of a broker-backed bus
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateSubscribed
	StateRouted
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRouted:
		return "routed"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// lifecycle tracks startup of a bus running in the background
type lifecycle struct {
	state   atomic.Int32
	ready   chan struct{}
	settled chan struct{}
	once    sync.Once
	err     error
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		ready:   make(chan struct{}),
		settled: make(chan struct{}),
	}
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

func (l *lifecycle) advance(s State) {
	l.state.Store(int32(s))
}

func (l *lifecycle) markReady() {
	l.once.Do(func() {
		l.advance(StateReady)
		close(l.ready)
		close(l.settled)
	})
}

func (l *lifecycle) fail(state State, err error) {
	l.once.Do(func() {
		l.err = err
		l.advance(state)
		close(l.settled)
	})
}

func (l *lifecycle) close() {
	l.fail(StateClosed, ErrClosed)
	l.advance(StateClosed)
}

func (l *lifecycle) closed() bool {
	return l.State() == StateClosed
}

// Ready is closed once startup has completed
func (l *lifecycle) Ready() <-chan struct{} {
	return l.ready
}

// WaitReady blocks until startup completes, fails or ctx is done
func (l *lifecycle) WaitReady(ctx context.Context) error {
	select {
	case <-l.settled:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
