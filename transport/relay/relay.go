////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package relay implements the pub/sub relay transport over Redis. Each
// address owns an inbox channel and a confirmations channel; published
// payloads are additionally appended to a capped per-channel history list so
// reconnecting clients can backfill messages sent while they were offline.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/anchorchat/client/stoppable"
	"gitlab.com/anchorchat/client/transport"
)

const (
	// historyCap bounds each channel's history list on the relay.
	historyCap = 500

	historyKeyPrefix = "history-"

	connectTimeout = 15 * time.Second
)

// Relay is a transport.Transport over a Redis pub/sub relay.
type Relay struct {
	opts *redis.Options

	client *redis.Client
	pubsub *redis.PubSub
	stop   *stoppable.Single

	identity string

	inbound transport.InboundFunc
	confirm transport.ConfirmFunc
	status  transport.StatusFunc

	mux sync.Mutex
}

// New creates a Relay for the given Redis endpoint. No connection is made
// until Connect.
func New(addr, password string, db int) *Relay {
	return &Relay{
		opts: &redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		},
	}
}

// Name implements transport.Transport.
func (r *Relay) Name() string { return "relay" }

// SetInboundHandler implements transport.Transport.
func (r *Relay) SetInboundHandler(f transport.InboundFunc) {
	r.mux.Lock()
	r.inbound = f
	r.mux.Unlock()
}

// SetConfirmHandler implements transport.Transport.
func (r *Relay) SetConfirmHandler(f transport.ConfirmFunc) {
	r.mux.Lock()
	r.confirm = f
	r.mux.Unlock()
}

// SetStatusCallback implements transport.Transport.
func (r *Relay) SetStatusCallback(f transport.StatusFunc) {
	r.mux.Lock()
	r.status = f
	r.mux.Unlock()
}

// Connect dials the relay and subscribes to the identity's inbox and
// confirmation channels. The initial dial retries with exponential backoff
// inside a bounded window; after that, failure means the relay is skipped
// until the next bind.
func (r *Relay) Connect(identity string) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.client != nil {
		return errors.Errorf(
			"relay already connected for identity %s", r.identity)
	}

	client := redis.NewClient(r.opts)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(
			context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}, bo)
	if err != nil {
		_ = client.Close()
		return errors.WithMessagef(err,
			"failed to reach relay at %s", r.opts.Addr)
	}

	pubsub := client.Subscribe(context.Background(),
		transport.InboxChannel(identity),
		transport.ConfirmationChannel(identity))

	r.client = client
	r.pubsub = pubsub
	r.identity = identity
	r.stop = stoppable.NewSingle("relayListener-" + identity)

	go r.listen(r.stop, pubsub,
		transport.InboxChannel(identity),
		transport.ConfirmationChannel(identity))

	r.notifyStatus(true)
	jww.INFO.Printf("Relay connected for %s at %s.", identity, r.opts.Addr)
	return nil
}

// Disconnect implements transport.Transport.
func (r *Relay) Disconnect() error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.client == nil {
		return nil
	}

	if err := r.stop.Close(); err != nil {
		jww.WARN.Printf("Failed to stop relay listener: %+v", err)
	}
	if err := r.pubsub.Close(); err != nil {
		jww.WARN.Printf("Failed to close relay subscription: %+v", err)
	}
	if err := r.client.Close(); err != nil {
		jww.WARN.Printf("Failed to close relay client: %+v", err)
	}

	r.client, r.pubsub, r.identity = nil, nil, ""
	r.notifyStatus(false)
	return nil
}

// listen routes subscribed traffic until the stoppable closes or the
// subscription channel drains.
func (r *Relay) listen(stop *stoppable.Single, pubsub *redis.PubSub,
	inboxChannel, confirmationChannel string) {
	ch := pubsub.Channel()
	for {
		select {
		case <-stop.Quit():
			stop.ToStopped()
			return
		case msg, ok := <-ch:
			if !ok {
				jww.INFO.Print("Relay subscription channel closed.")
				return
			}
			r.route(msg, inboxChannel, confirmationChannel)
		}
	}
}

func (r *Relay) route(msg *redis.Message, inboxChannel,
	confirmationChannel string) {
	r.mux.Lock()
	inbound, confirm := r.inbound, r.confirm
	r.mux.Unlock()

	switch msg.Channel {
	case inboxChannel:
		p := &transport.Payload{}
		if err := json.Unmarshal([]byte(msg.Payload), p); err != nil {
			jww.WARN.Printf("Dropping malformed relay payload: %+v", err)
			return
		}
		if inbound != nil {
			inbound(p)
		}
	case confirmationChannel:
		c := &transport.Confirmation{}
		if err := json.Unmarshal([]byte(msg.Payload), c); err != nil {
			jww.WARN.Printf("Dropping malformed relay confirmation: %+v", err)
			return
		}
		if confirm != nil {
			confirm(c)
		}
	default:
		jww.TRACE.Printf("Ignoring relay traffic on %s.", msg.Channel)
	}
}

// Deliver publishes the payload on the recipient's inbox channel and appends
// it to the channel's capped history list in one transaction.
func (r *Relay) Deliver(ctx context.Context, recipient string,
	p *transport.Payload) error {
	client := r.connectedClient()
	if client == nil {
		return errors.New("relay is not connected")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal payload")
	}

	channel := transport.InboxChannel(recipient)
	pipe := client.TxPipeline()
	pipe.Publish(ctx, channel, data)
	pipe.RPush(ctx, historyKeyPrefix+channel, data)
	pipe.LTrim(ctx, historyKeyPrefix+channel, -historyCap, -1)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.WithMessagef(err,
			"failed to publish to relay channel %s", channel)
	}
	return nil
}

// Confirm publishes a delivery confirmation on the sender's confirmation
// channel. Confirmations are transient hints and keep no history.
func (r *Relay) Confirm(ctx context.Context, sender string,
	c *transport.Confirmation) error {
	client := r.connectedClient()
	if client == nil {
		return errors.New("relay is not connected")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal confirmation")
	}

	channel := transport.ConfirmationChannel(sender)
	return errors.WithMessagef(client.Publish(ctx, channel, data).Err(),
		"failed to publish confirmation to %s", channel)
}

// History returns up to limit recent payloads from the identity's inbox
// history, oldest first.
func (r *Relay) History(ctx context.Context, identity string, limit int) (
	[]*transport.Payload, error) {
	client := r.connectedClient()
	if client == nil {
		return nil, errors.New("relay is not connected")
	}

	key := historyKeyPrefix + transport.InboxChannel(identity)
	entries, err := client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to read relay history %s", key)
	}

	payloads := make([]*transport.Payload, 0, len(entries))
	for _, entry := range entries {
		p := &transport.Payload{}
		if err = json.Unmarshal([]byte(entry), p); err != nil {
			jww.WARN.Printf("Skipping malformed history entry: %+v", err)
			continue
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func (r *Relay) connectedClient() *redis.Client {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.client
}

func (r *Relay) notifyStatus(connected bool) {
	if r.status != nil {
		go r.status(connected)
	}
}
