// Package mock provides an in-memory implementation of [transport.Transport]
// for use in unit tests.
//
// Inbound traffic is scripted with [Transport.Inject], [Transport.SetState]
// and [Transport.Fail]; outbound messages are recorded and can be inspected
// with [Transport.Sent].
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/parlance/pkg/transport"
)

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu     sync.Mutex
	state  transport.State
	events chan transport.Event
	once   sync.Once
	closed bool

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// SendErr, if non-nil, is returned by every Send on an open transport.
	SendErr error

	// OnSend, if set, is called with every message accepted by Send.
	OnSend func(transport.Message)

	// SentMessages records every message accepted by Send in order.
	SentMessages []transport.Message

	// ConnectCalls and CloseCalls count method invocations.
	ConnectCalls int
	CloseCalls   int
}

// New returns a disconnected Transport whose Events channel buffers 64 events.
func New() *Transport {
	return &Transport{events: make(chan transport.Event, 64)}
}

// Connect implements [transport.Transport].
func (m *Transport) Connect(_ context.Context) error {
	m.mu.Lock()
	m.ConnectCalls++
	err := m.ConnectErr
	m.mu.Unlock()
	if err != nil {
		m.SetState(transport.StateDisconnected)
		return err
	}
	m.SetState(transport.StateOpen)
	return nil
}

// Send implements [transport.Transport]. It fails with
// [transport.ErrNotOpen] unless the mock's state is Open.
func (m *Transport) Send(_ context.Context, msg transport.Message) error {
	m.mu.Lock()
	if m.state != transport.StateOpen {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", transport.ErrNotOpen, state)
	}
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	m.SentMessages = append(m.SentMessages, msg)
	hook := m.OnSend
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Events implements [transport.Transport].
func (m *Transport) Events() <-chan transport.Event { return m.events }

// State implements [transport.Transport].
func (m *Transport) State() transport.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close implements [transport.Transport]. Records the call; only the first
// call closes the Events channel.
func (m *Transport) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	m.once.Do(func() {
		m.mu.Lock()
		m.state = transport.StateDisconnected
		m.closed = true
		close(m.events)
		m.mu.Unlock()
	})
	return nil
}

// Inject delivers msg as an inbound message event.
func (m *Transport) Inject(msg transport.Message) {
	m.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
}

// SetState changes the mock's state and emits a state event.
func (m *Transport) SetState(s transport.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emit(transport.Event{Kind: transport.EventState, State: s})
}

// Fail emits err as an error event.
func (m *Transport) Fail(err error) {
	m.emit(transport.Event{Kind: transport.EventError, Err: err})
}

// Sent returns a copy of the recorded outbound messages.
func (m *Transport) Sent() []transport.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Message, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}

// CloseCount returns CloseCalls under the lock.
func (m *Transport) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

func (m *Transport) emit(ev transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

// Compile-time interface assertion.
var _ transport.Transport = (*Transport)(nil)
