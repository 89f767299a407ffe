package link

import (
	"context"
	"sync"

	"github.com/omochice/peerlink/internal/transport"
)

// EventKind tags an Event.
type EventKind int

const (
	EventEstablished EventKind = iota + 1
	EventFailed
	EventLost
	EventDataReceived
	EventDisconnected
	EventReconnecting
	EventReconnectFailed
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventFailed:
		return "failed"
	case EventLost:
		return "lost"
	case EventDataReceived:
		return "data"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Event is one notification from the manager. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	Peer transport.PeerAddress

	// Reason and Err are set for Failed, Lost and ReconnectFailed.
	Reason string
	Err    error

	// Data is a private copy of the bytes read, set for DataReceived.
	Data []byte

	// Attempt and MaxAttempts are set for Reconnecting.
	Attempt     int
	MaxAttempts int
}

// Handler receives manager events as callbacks.
type Handler interface {
	OnConnectionEstablished(peer transport.PeerAddress)
	OnConnectionFailed(reason string)
	OnConnectionLost(reason string)
	OnDataReceived(data []byte, length int)
}

// ReconnectHandler is implemented by handlers that show reconnection progress.
type ReconnectHandler interface {
	OnReconnecting(peer transport.PeerAddress, attempt, maxAttempts int)
	OnReconnectFailed(reason string)
}

// DisconnectHandler is implemented by handlers interested in manual disconnects.
type DisconnectHandler interface {
	OnDisconnected(peer transport.PeerAddress)
}

// Dispatch delivers events to h one at a time until the channel closes or
// ctx is done.
func Dispatch(ctx context.Context, events <-chan Event, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			deliver(ev, h)
		}
	}
}

func deliver(ev Event, h Handler) {
	switch ev.Kind {
	case EventEstablished:
		h.OnConnectionEstablished(ev.Peer)
	case EventFailed:
		h.OnConnectionFailed(ev.Reason)
	case EventLost:
		h.OnConnectionLost(ev.Reason)
	case EventDataReceived:
		h.OnDataReceived(ev.Data, len(ev.Data))
	case EventDisconnected:
		if dh, ok := h.(DisconnectHandler); ok {
			dh.OnDisconnected(ev.Peer)
		}
	case EventReconnecting:
		if rh, ok := h.(ReconnectHandler); ok {
			rh.OnReconnecting(ev.Peer, ev.Attempt, ev.MaxAttempts)
		}
	case EventReconnectFailed:
		if rh, ok := h.(ReconnectHandler); ok {
			rh.OnReconnectFailed(ev.Reason)
		}
	}
}

// eventQueue decouples producers holding the manager lock from a slow
// consumer. Events leave in the order they were pushed.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.notify()
}

// close stops accepting events; queued ones are still delivered before out closes.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
