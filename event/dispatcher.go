////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package event provides a typed event dispatch table with subscription
// tokens. Presentation layers subscribe here instead of threading callbacks
// through the message store and reconciler, and tokens make it possible to
// unregister cleanly across identity switches.
package event

import (
	"strconv"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// Kind enumerates the event types the client emits.
type Kind uint8

const (
	// AnyKind is a wildcard for listeners that want every event.
	AnyKind Kind = iota

	// MessageAdded fires when a new message enters the timeline.
	MessageAdded

	// MessageUpdated fires on any lifecycle or verification change of a
	// stored message, including provisional→final identifier migration.
	MessageUpdated

	// DeliveryConfirmed fires when a transport-level delivery confirmation
	// arrives. It is a best-effort hint only and never changes verification
	// state.
	DeliveryConfirmed

	// ContactUpdated fires when a contact's approval state changes.
	ContactUpdated

	// TransportStatus fires on connectivity transitions of an individual
	// transport.
	TransportStatus
)

// String satisfies the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case AnyKind:
		return "AnyKind"
	case MessageAdded:
		return "MessageAdded"
	case MessageUpdated:
		return "MessageUpdated"
	case DeliveryConfirmed:
		return "DeliveryConfirmed"
	case ContactUpdated:
		return "ContactUpdated"
	case TransportStatus:
		return "TransportStatus"
	default:
		return "UNKNOWN KIND " + strconv.Itoa(int(k))
	}
}

// Event is the value delivered to listeners. Fields are populated per Kind;
// unused fields are zero.
type Event struct {
	Kind           Kind
	MessageID      string
	ConversationID string

	// Address identifies the contact or identity the event concerns.
	Address string

	// Transport and Connected are set for TransportStatus events.
	Transport string
	Connected bool
}

// Callback receives a dispatched event. Callbacks must not block; long work
// should be handed off to another goroutine.
type Callback func(e Event)

type record struct {
	cb    Callback
	token string
}

// Dispatcher routes events to registered listeners by Kind.
type Dispatcher struct {
	listeners map[Kind][]*record
	lastID    int
	mux       sync.RWMutex
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[Kind][]*record),
	}
}

// Register adds a listener for the given kind. Use AnyKind to hear
// everything. The returned token unregisters the listener later; keep it
// around if you need to do so.
func (d *Dispatcher) Register(kind Kind, cb Callback) string {
	if cb == nil {
		jww.FATAL.Panicf("Cannot register a nil callback for kind %s.", kind)
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	d.lastID++
	r := &record{cb: cb, token: strconv.Itoa(d.lastID)}
	d.listeners[kind] = append(d.listeners[kind], r)

	return r.token
}

// Unregister removes the listener with the given token. Unknown tokens are
// ignored.
func (d *Dispatcher) Unregister(token string) {
	d.mux.Lock()
	defer d.mux.Unlock()

	for kind, records := range d.listeners {
		for i, r := range records {
			if r.token == token {
				d.listeners[kind] = append(records[:i], records[i+1:]...)
				// Tokens are unique, so the loop can end early
				return
			}
		}
	}
}

// Fire delivers the event to all listeners registered for its kind and to
// wildcard listeners. Delivery is synchronous in registration order.
func (d *Dispatcher) Fire(e Event) {
	d.mux.RLock()
	matched := make([]*record, 0,
		len(d.listeners[e.Kind])+len(d.listeners[AnyKind]))
	matched = append(matched, d.listeners[e.Kind]...)
	matched = append(matched, d.listeners[AnyKind]...)
	d.mux.RUnlock()

	jww.TRACE.Printf("Firing %s to %d listeners.", e.Kind, len(matched))

	for _, r := range matched {
		r.cb(e)
	}
}
