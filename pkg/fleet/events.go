package fleet

import (
	"sync"
	"time"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventRegistered   EventType = "registered"
	EventDisconnected EventType = "disconnected"
)

// Event describes a connection lifecycle transition. Events carry no durable
// state; the record store is the source of truth for controller status.
type Event struct {
	Type         EventType
	SessionID    string
	ControllerID string
	Time         time.Time
}

// Observer receives lifecycle events. Callbacks run on the session goroutine
// and must not block.
type Observer func(Event)

type notifier struct {
	mu        sync.RWMutex
	observers []Observer
}

func (n *notifier) subscribe(o Observer) {
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

func (n *notifier) publish(evtType EventType, sess *Session) {
	n.mu.RLock()
	observers := n.observers
	n.mu.RUnlock()

	if len(observers) == 0 {
		return
	}
	evt := Event{
		Type:         evtType,
		SessionID:    sess.ID(),
		ControllerID: sess.ControllerID(),
		Time:         time.Now().UTC(),
	}
	for _, o := range observers {
		o(evt)
	}
}
