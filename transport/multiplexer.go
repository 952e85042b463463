////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/anchorchat/client/catalog"
	"gitlab.com/anchorchat/client/event"
)

// Multiplexer owns the set of transports as an explicit connection manager
// with open/close lifecycle. It presents a single inbound stream and a
// single best-effort outbound call, and rebinds every transport across
// identity switches so no channel traffic from a previous identity is
// attributed to the new one.
type Multiplexer struct {
	transports []Transport
	identity   string

	inbound InboundFunc
	confirm ConfirmFunc

	events *event.Dispatcher
	mux    sync.RWMutex
}

// NewMultiplexer creates a Multiplexer over the given transports. Handlers
// must be registered before Bind.
func NewMultiplexer(events *event.Dispatcher,
	transports ...Transport) *Multiplexer {
	return &Multiplexer{
		transports: transports,
		events:     events,
	}
}

// SetInboundHandler registers the sink for message payloads from all
// transports and from history backfill.
func (mx *Multiplexer) SetInboundHandler(f InboundFunc) {
	mx.mux.Lock()
	mx.inbound = f
	mx.mux.Unlock()
}

// SetConfirmHandler registers the sink for delivery confirmation hints.
func (mx *Multiplexer) SetConfirmHandler(f ConfirmFunc) {
	mx.mux.Lock()
	mx.confirm = f
	mx.mux.Unlock()
}

// Bind connects every transport for the given identity. A previous binding
// is torn down first. Individual transports failing to connect is not an
// error; they are skipped until the next bind. After connecting, each
// transport's bounded channel history is replayed through the same inbound
// path as live events, so dedupe downstream covers both.
func (mx *Multiplexer) Bind(identity string) error {
	mx.mux.Lock()
	if mx.identity != "" {
		mx.disconnectAll()
	}
	mx.identity = identity
	mx.mux.Unlock()

	for _, t := range mx.transports {
		mx.attach(t, identity)

		if err := t.Connect(identity); err != nil {
			jww.WARN.Printf("Transport %s unavailable for %s: %+v",
				t.Name(), identity, err)
			continue
		}

		go mx.backfill(t, identity)
	}

	return nil
}

// Unbind disconnects all transports and clears the bound identity.
func (mx *Multiplexer) Unbind() {
	mx.mux.Lock()
	defer mx.mux.Unlock()

	mx.disconnectAll()
	mx.identity = ""
}

// attach wires a transport's callbacks, stamped with the identity they were
// bound for. A late event for a previous identity is discarded at resolution
// time rather than merged into the new identity's state.
func (mx *Multiplexer) attach(t Transport, bound string) {
	t.SetInboundHandler(func(p *Payload) {
		handler, current := mx.handlerFor(bound)
		if handler == nil {
			if current != bound {
				jww.DEBUG.Printf("Discarding payload %s from %s: bound to "+
					"%s, active identity is %s.",
					p.MessageID, t.Name(), bound, current)
			}
			return
		}
		handler(p)
	})

	t.SetConfirmHandler(func(c *Confirmation) {
		mx.mux.RLock()
		handler, current := mx.confirm, mx.identity
		mx.mux.RUnlock()
		if current != bound || handler == nil {
			return
		}
		handler(c)
	})

	t.SetStatusCallback(func(connected bool) {
		jww.INFO.Printf("Transport %s connectivity: %t.", t.Name(), connected)
		if mx.events != nil {
			mx.events.Fire(event.Event{
				Kind:      event.TransportStatus,
				Transport: t.Name(),
				Address:   bound,
				Connected: connected,
			})
		}
	})
}

// handlerFor returns the inbound handler only while the given identity is
// still the active one.
func (mx *Multiplexer) handlerFor(bound string) (InboundFunc, string) {
	mx.mux.RLock()
	defer mx.mux.RUnlock()
	if mx.identity != bound {
		return nil, mx.identity
	}
	return mx.inbound, mx.identity
}

// backfill replays a bounded window of channel history to recover messages
// sent while offline.
func (mx *Multiplexer) backfill(t Transport, bound string) {
	ctx, cancel := context.WithTimeout(
		context.Background(), catalog.BlockPeriod)
	defer cancel()

	history, err := t.History(ctx, bound, catalog.HistoryBackfillLimit)
	if err != nil {
		jww.WARN.Printf("History backfill on %s failed: %+v", t.Name(), err)
		return
	}
	if len(history) == 0 {
		return
	}

	jww.INFO.Printf("Replaying %d historical payloads from %s.",
		len(history), t.Name())
	for _, p := range history {
		handler, _ := mx.handlerFor(bound)
		if handler == nil {
			return
		}
		handler(p)
	}
}

// Deliver publishes the payload on every transport without blocking the
// caller. Channel failures are logged and swallowed; delivery redundancy
// across the ledger and the transports tolerates individual channel loss.
func (mx *Multiplexer) Deliver(recipient string, p *Payload) {
	for _, t := range mx.transports {
		go func(t Transport) {
			ctx, cancel := context.WithTimeout(
				context.Background(), catalog.BlockPeriod)
			defer cancel()

			if err := t.Deliver(ctx, recipient, p); err != nil {
				jww.WARN.Printf("Best-effort delivery of %s on %s failed: %+v",
					p.MessageID, t.Name(), err)
			}
		}(t)
	}
}

// Confirm publishes a delivery confirmation on every transport, best-effort.
func (mx *Multiplexer) Confirm(sender string, c *Confirmation) {
	for _, t := range mx.transports {
		go func(t Transport) {
			ctx, cancel := context.WithTimeout(
				context.Background(), catalog.BlockPeriod)
			defer cancel()

			if err := t.Confirm(ctx, sender, c); err != nil {
				jww.WARN.Printf("Confirmation of %s on %s failed: %+v",
					c.MessageID, t.Name(), err)
			}
		}(t)
	}
}

// Identity returns the currently bound identity address.
func (mx *Multiplexer) Identity() string {
	mx.mux.RLock()
	defer mx.mux.RUnlock()
	return mx.identity
}

// disconnectAll must be called with the write lock held.
func (mx *Multiplexer) disconnectAll() {
	for _, t := range mx.transports {
		if err := t.Disconnect(); err != nil {
			jww.WARN.Printf("Failed to disconnect transport %s: %+v",
				t.Name(), err)
		}
	}
}
