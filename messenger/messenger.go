////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package messenger orchestrates the send and receive flows: encryption,
// provisional storage, the ledger hash commit, best-effort transport
// delivery, and the merge of redundantly delivered inbound copies into the
// store. It owns no message state itself beyond the wiring.
package messenger

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/anchorchat/client/crypto"
	"gitlab.com/anchorchat/client/event"
	"gitlab.com/anchorchat/client/ledger"
	"gitlab.com/anchorchat/client/storage/versioned"
	"gitlab.com/anchorchat/client/store"
	"gitlab.com/anchorchat/client/transport"
	"gitlab.com/anchorchat/client/verify"
)

// Placeholder content markers stored when decryption cannot produce
// plaintext. The message record and its hash are preserved either way so
// verification still works.
const (
	PlaceholderMissingKey    = "[Sender public key not found]"
	PlaceholderUndecryptable = "[Unable to decrypt message]"
)

// Messenger wires the crypto envelope, the message store, the ledger
// gateway, and the transport multiplexer into the client's send/receive
// flows.
type Messenger struct {
	keys       *crypto.KeyRing
	msgs       *store.Store
	gateway    ledger.Gateway
	transports *transport.Multiplexer
	engine     *verify.Engine
	events     *event.Dispatcher

	identity string

	// profiles caches fetched sender public keys per identity session.
	profiles map[string]string

	mux sync.Mutex
}

// New creates a Messenger over the given collaborators. Call Login before
// sending or receiving.
func New(kv *versioned.KV, gateway ledger.Gateway,
	transports *transport.Multiplexer,
	events *event.Dispatcher) *Messenger {
	msgs := store.NewStore(kv, events)

	m := &Messenger{
		keys:       crypto.NewKeyRing(kv),
		msgs:       msgs,
		gateway:    gateway,
		transports: transports,
		engine:     verify.NewEngine(gateway, msgs),
		events:     events,
		profiles:   make(map[string]string),
	}

	transports.SetInboundHandler(m.handleInbound)
	transports.SetConfirmHandler(m.handleConfirmation)
	return m
}

// Store exposes the message store for presentation layers.
func (m *Messenger) Store() *store.Store { return m.msgs }

// Engine exposes the verification engine.
func (m *Messenger) Engine() *verify.Engine { return m.engine }

// Events exposes the event dispatcher for presentation layers.
func (m *Messenger) Events() *event.Dispatcher { return m.events }

// Identity returns the active identity address, or empty when logged out.
func (m *Messenger) Identity() string {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.identity
}

// PublicKey returns the active identity's encryption public key, for profile
// registration. Empty when no identity is logged in.
func (m *Messenger) PublicKey() string {
	if pair := m.keys.Active(); pair != nil {
		return pair.PublicKey
	}
	return ""
}

// Login activates an identity: loads (or creates) its key pair, swaps the
// message store to its collection, and rebinds every transport. Any previous
// identity's bindings are torn down first so none of its channel traffic can
// be attributed to the new identity.
func (m *Messenger) Login(address string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.identity != "" {
		m.transports.Unbind()
		m.profiles = make(map[string]string)
	}

	if _, err := m.keys.Load(address); err != nil {
		return errors.WithMessagef(err,
			"failed to load keys for identity %s", address)
	}
	if err := m.msgs.ActivateIdentity(address); err != nil {
		return errors.WithMessagef(err,
			"failed to activate message store for %s", address)
	}

	m.identity = address
	if err := m.transports.Bind(address); err != nil {
		// Transports are a latency optimization; login still succeeds
		jww.WARN.Printf("Transport binding for %s failed: %+v", address, err)
	}

	jww.INFO.Printf("Identity %s logged in.", address)
	return nil
}

// Logout tears down the active identity's transport bindings and drops its
// key material from memory.
func (m *Messenger) Logout() {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.identity == "" {
		return
	}

	m.transports.Unbind()
	m.keys.Clear()
	m.profiles = make(map[string]string)
	jww.INFO.Printf("Identity %s logged out.", m.identity)
	m.identity = ""
}

// Send encrypts the plaintext for the recipient, stores a provisional entry,
// commits the content hash to the ledger, and best-effort delivers the
// envelope over the transports in parallel with the commit. The returned
// message reflects the final state: Sent with the ledger identifier on
// success, Failed (retained, retryable) on rejection.
func (m *Messenger) Send(ctx context.Context, recipient, plaintext string) (
	store.Message, error) {
	identity, keys := m.session()
	if identity == "" {
		return store.Message{}, errors.New("no identity is logged in")
	}

	recipientKey, err := m.profileFor(ctx, recipient)
	if err != nil {
		return store.Message{}, errors.WithMessagef(err,
			"cannot send: no profile for %s", recipient)
	}

	env, err := crypto.Encrypt(plaintext, recipientKey, keys.SecretKey)
	if err != nil {
		return store.Message{}, errors.WithMessage(err, "encryption failed")
	}
	hash := crypto.HashEnvelope(env)

	msg := store.NewOutgoing(identity, recipient, env, hash)
	msg.DecryptedContent = plaintext
	if !m.msgs.AddIfAbsent(msg) {
		return store.Message{}, errors.Errorf(
			"duplicate outbound message %s", msg.ID)
	}

	// Best-effort payload delivery runs in parallel with the commit; the
	// ledger remains the durability path
	m.transports.Deliver(recipient, payloadFor(msg))

	return m.commit(ctx, msg.ID, recipient, hash)
}

// Retry resubmits the hash commit of a failed outbound message.
func (m *Messenger) Retry(ctx context.Context, messageID string) (
	store.Message, error) {
	msg, exists := m.msgs.Get(messageID)
	if !exists {
		return store.Message{}, errors.Errorf(
			"no stored message with identifier %s", messageID)
	}
	if msg.Direction != store.Outgoing || msg.Status != store.Failed {
		return store.Message{}, errors.Errorf(
			"message %s is not a failed outbound message", messageID)
	}

	if err := m.msgs.UpdateStatus(messageID, store.Sending, nil); err != nil {
		return store.Message{}, err
	}
	return m.commit(ctx, messageID, msg.Recipient, msg.Hash)
}

// commit submits the hash and applies the outcome: identifier migration and
// Sent on success, Failed (entry retained for visibility and retry) on
// rejection.
func (m *Messenger) commit(ctx context.Context, provisionalID, recipient,
	hash string) (store.Message, error) {
	receipt, err := m.gateway.SubmitMessageHash(ctx, recipient, hash)
	if err != nil {
		if updateErr := m.msgs.UpdateStatus(
			provisionalID, store.Failed, nil); updateErr != nil {
			jww.ERROR.Printf("Failed to mark %s failed: %+v",
				provisionalID, updateErr)
		}
		msg, _ := m.msgs.Get(provisionalID)
		return msg, errors.WithMessage(err, "ledger rejected the hash commit")
	}

	canonical := strconv.FormatUint(receipt.MessageID, 10)
	err = m.msgs.UpdateStatus(provisionalID, store.Sent, &store.Patch{
		NewID:       canonical,
		BlockNumber: receipt.BlockNumber,
	})
	if err != nil {
		return store.Message{}, err
	}

	msg, _ := m.msgs.Get(canonical)
	jww.INFO.Printf("Message %s committed in block %d.",
		canonical, receipt.BlockNumber)
	return msg, nil
}

// handleInbound merges one inbound payload copy, from any transport or from
// history backfill, into the store: recipient check, dedupe, decrypt (or
// placeholder), confirm.
func (m *Messenger) handleInbound(p *transport.Payload) {
	identity, keys := m.session()
	if identity == "" {
		return
	}
	if p.Recipient != identity {
		jww.DEBUG.Printf(
			"Discarding payload %s addressed to %s, active identity is %s.",
			p.MessageID, p.Recipient, identity)
		return
	}

	msg := &store.Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Recipient:      p.Recipient,
		Payload:        p.EncryptedData,
		Hash:           p.MessageHash,
		Timestamp:      p.Timestamp,
		Status:         store.Sent,
		BlockNumber:    p.BlockNumber,
		Direction:      store.Incoming,
	}
	if msg.ConversationID == "" {
		msg.ConversationID = store.ConversationID(p.Sender, p.Recipient)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = netTime.Now()
	}

	msg.DecryptedContent = m.decryptInbound(p, keys)

	if !m.msgs.AddIfAbsent(msg) {
		jww.DEBUG.Printf("Deduplicated inbound copy of %s.", p.MessageID)
		return
	}

	// Best-effort delivery confirmation back to the sender
	m.transports.Confirm(p.Sender, &transport.Confirmation{
		MessageID: p.MessageID,
		Recipient: identity,
		Timestamp: netTime.Now(),
	})
}

// decryptInbound produces the plaintext or a placeholder marker. The
// encrypted record is preserved regardless, keeping the hash verifiable
// even when the content is unrecoverable.
func (m *Messenger) decryptInbound(p *transport.Payload,
	keys *crypto.KeyPair) string {
	senderKey, err := m.profileFor(context.Background(), p.Sender)
	if err != nil {
		jww.WARN.Printf("No registered public key for sender %s: %+v",
			p.Sender, err)
		return PlaceholderMissingKey
	}

	plaintext, err := crypto.Decrypt(p.EncryptedData, senderKey,
		keys.SecretKey)
	if err != nil {
		jww.WARN.Printf("Failed to decrypt message %s: %+v",
			p.MessageID, err)
		return PlaceholderUndecryptable
	}
	return plaintext
}

// handleConfirmation surfaces a transport-level delivery hint. It never
// touches verification state; the ledger drives that.
func (m *Messenger) handleConfirmation(c *transport.Confirmation) {
	jww.DEBUG.Printf("Delivery of %s confirmed by %s.",
		c.MessageID, c.Recipient)
	if m.events != nil {
		m.events.Fire(event.Event{
			Kind:      event.DeliveryConfirmed,
			MessageID: c.MessageID,
			Address:   c.Recipient,
		})
	}
}

// Conversation lists the active identity's conversation with the partner,
// sorted by timestamp.
func (m *Messenger) Conversation(partner string,
	f store.Filter) []*store.Message {
	identity, _ := m.session()
	return m.msgs.ListByConversation(
		store.ConversationID(identity, partner), f)
}

// session snapshots the active identity and key pair.
func (m *Messenger) session() (string, *crypto.KeyPair) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.identity, m.keys.Active()
}

// profileFor fetches and caches a registered encryption public key.
func (m *Messenger) profileFor(ctx context.Context, address string) (
	string, error) {
	m.mux.Lock()
	if key, ok := m.profiles[address]; ok {
		m.mux.Unlock()
		return key, nil
	}
	m.mux.Unlock()

	key, err := m.gateway.FetchProfile(ctx, address)
	if err != nil {
		return "", err
	}

	m.mux.Lock()
	m.profiles[address] = key
	m.mux.Unlock()
	return key, nil
}

func payloadFor(msg *store.Message) *transport.Payload {
	return &transport.Payload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Recipient:      msg.Recipient,
		EncryptedData:  msg.Payload,
		MessageHash:    msg.Hash,
		BlockNumber:    msg.BlockNumber,
		Timestamp:      msg.Timestamp,
	}
}
