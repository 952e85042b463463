////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package transport merges the heterogeneous best-effort delivery channels
// (the relay pub/sub and the gossip overlay) behind one inbound event stream
// and one outbound deliver call. Every transport is independently optional:
// a channel being down skips delivery on that channel silently, because the
// ledger path is authoritative.
package transport

import "context"

// InboundFunc receives a message payload from any transport or from history
// backfill.
type InboundFunc func(p *Payload)

// ConfirmFunc receives a delivery confirmation hint.
type ConfirmFunc func(c *Confirmation)

// StatusFunc receives connectivity transitions of a single transport.
type StatusFunc func(connected bool)

// Transport is one delivery channel. Implementations bind to a single
// identity at a time; Connect after Connect requires an intervening
// Disconnect.
type Transport interface {
	// Name identifies the transport in logs and status events.
	Name() string

	// Connect binds the transport to an identity and starts listening on
	// its channels.
	Connect(identity string) error

	// Disconnect tears the binding down and stops all listener goroutines.
	Disconnect() error

	// Deliver publishes the payload toward the recipient. Failures are
	// reported but never escalate past the multiplexer.
	Deliver(ctx context.Context, recipient string, p *Payload) error

	// Confirm publishes a delivery confirmation toward the original sender.
	Confirm(ctx context.Context, sender string, c *Confirmation) error

	// History returns up to limit recent payloads from the identity's
	// channel history, oldest first. Transports without history return nil.
	History(ctx context.Context, identity string, limit int) ([]*Payload, error)

	// SetInboundHandler, SetConfirmHandler, and SetStatusCallback register
	// the sinks for inbound traffic. They must be set before Connect.
	SetInboundHandler(f InboundFunc)
	SetConfirmHandler(f ConfirmFunc)
	SetStatusCallback(f StatusFunc)
}
