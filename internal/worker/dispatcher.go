package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// EventKind names a worker lifecycle or interception event.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventMessage  EventKind = "message"
	EventFetch    EventKind = "fetch"
)

// ErrUnhandled is returned when no handler is registered for an event kind.
var ErrUnhandled = errors.New("worker: no handler for event")

// Event carries the payload of one dispatched event. Message is set for
// EventMessage, Request for EventFetch.
type Event struct {
	Kind    EventKind
	Message *Message
	Request *http.Request
}

// Handler handles one event. Fetch handlers return a nil response to let the
// request fall through to the network.
type Handler func(ctx context.Context, ev *Event) (*http.Response, error)

// Dispatcher maps event kinds to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind]Handler)}
}

// On registers h for kind, replacing any previous handler.
func (d *Dispatcher) On(kind EventKind, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

// Dispatch runs the handler registered for ev.Kind.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (*http.Response, error) {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandled, ev.Kind)
	}
	return h(ctx, ev)
}
