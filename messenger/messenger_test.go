////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/anchorchat/client/event"
	"gitlab.com/anchorchat/client/ledger"
	"gitlab.com/anchorchat/client/storage/versioned"
	"gitlab.com/anchorchat/client/store"
	"gitlab.com/anchorchat/client/transport"
)

// pipeBus connects pipe transports in-process: payloads addressed to a bound
// identity are handed straight to its registered handlers.
type pipeBus struct {
	inboxes  map[string]transport.InboundFunc
	confirms map[string]transport.ConfirmFunc
	mux      sync.Mutex
}

func newPipeBus() *pipeBus {
	return &pipeBus{
		inboxes:  make(map[string]transport.InboundFunc),
		confirms: make(map[string]transport.ConfirmFunc),
	}
}

type pipeTransport struct {
	bus      *pipeBus
	inbound  transport.InboundFunc
	confirm  transport.ConfirmFunc
	identity string
}

func (p *pipeTransport) Name() string { return "pipe" }

func (p *pipeTransport) Connect(identity string) error {
	p.identity = identity
	p.bus.mux.Lock()
	p.bus.inboxes[identity] = func(pl *transport.Payload) { p.inbound(pl) }
	p.bus.confirms[identity] = func(c *transport.Confirmation) { p.confirm(c) }
	p.bus.mux.Unlock()
	return nil
}

func (p *pipeTransport) Disconnect() error {
	p.bus.mux.Lock()
	delete(p.bus.inboxes, p.identity)
	delete(p.bus.confirms, p.identity)
	p.bus.mux.Unlock()
	p.identity = ""
	return nil
}

func (p *pipeTransport) Deliver(_ context.Context, recipient string,
	pl *transport.Payload) error {
	p.bus.mux.Lock()
	sink := p.bus.inboxes[recipient]
	p.bus.mux.Unlock()
	if sink != nil {
		sink(pl)
	}
	return nil
}

func (p *pipeTransport) Confirm(_ context.Context, sender string,
	c *transport.Confirmation) error {
	p.bus.mux.Lock()
	sink := p.bus.confirms[sender]
	p.bus.mux.Unlock()
	if sink != nil {
		sink(c)
	}
	return nil
}

func (p *pipeTransport) History(context.Context, string, int) (
	[]*transport.Payload, error) {
	return nil, nil
}

func (p *pipeTransport) SetInboundHandler(f transport.InboundFunc) { p.inbound = f }
func (p *pipeTransport) SetConfirmHandler(f transport.ConfirmFunc) { p.confirm = f }
func (p *pipeTransport) SetStatusCallback(transport.StatusFunc)    {}

// newTestMessenger builds a Messenger over a fresh in-memory KV with the
// given number of pipe transports into the shared bus.
func newTestMessenger(t *testing.T, chain *ledger.MemLedger, bus *pipeBus,
	pipes int) *Messenger {
	t.Helper()

	transports := make([]transport.Transport, pipes)
	for i := range transports {
		transports[i] = &pipeTransport{bus: bus}
	}

	kv := versioned.NewKV(ekv.MakeMemstore())
	events := event.NewDispatcher()
	return New(kv, chain, transport.NewMultiplexer(events, transports...),
		events)
}

func loginAndRegister(t *testing.T, m *Messenger, chain *ledger.MemLedger,
	address string) {
	t.Helper()
	require.NoError(t, m.Login(address))
	chain.RegisterProfile(address, m.PublicKey())
}

// waitFor polls until the condition holds; inbound delivery crosses
// goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// Tests the full loop: encrypt, commit, deliver, decrypt, confirm.
func TestMessenger_SendReceive(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	alice := newTestMessenger(t, chain, bus, 1)
	bob := newTestMessenger(t, chain, bus, 1)

	loginAndRegister(t, alice, chain, "5GrAlice")
	loginAndRegister(t, bob, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	sent, err := alice.Send(context.Background(), "5GrBob", "hello bob")
	require.NoError(t, err)

	require.Equal(t, store.Sent, sent.Status)
	require.Equal(t, "1", sent.ID)
	require.Equal(t, uint64(1), sent.BlockNumber)
	require.Equal(t, "hello bob", sent.DecryptedContent)
	require.Equal(t, store.ConversationID("5GrAlice", "5GrBob"),
		sent.ConversationID)

	// The ledger identifier replaced the provisional one in the store
	_, err = strconv.ParseUint(sent.ID, 10, 64)
	require.NoError(t, err)

	var received store.Message
	waitFor(t, func() bool {
		msgs := bob.Conversation("5GrAlice", store.All)
		if len(msgs) != 1 {
			return false
		}
		received = *msgs[0]
		return true
	})

	require.Equal(t, "hello bob", received.DecryptedContent)
	require.Equal(t, store.Incoming, received.Direction)
	require.Equal(t, "5GrAlice", received.Sender)
	require.Equal(t, sent.Hash, received.Hash)
}

// Redundant transports deliver the same payload more than once; the store
// must end up with exactly one copy.
func TestMessenger_DedupeRedundantDelivery(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	// Two pipes into the same bus on each side doubles every delivery
	alice := newTestMessenger(t, chain, bus, 2)
	bob := newTestMessenger(t, chain, bus, 2)

	loginAndRegister(t, alice, chain, "5GrAlice")
	loginAndRegister(t, bob, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	_, err := alice.Send(context.Background(), "5GrBob", "once only")
	require.NoError(t, err)

	waitFor(t, func() bool {
		return len(bob.Conversation("5GrAlice", store.All)) >= 1
	})

	// Give the duplicate copies time to arrive and be discarded
	time.Sleep(50 * time.Millisecond)
	require.Len(t, bob.Conversation("5GrAlice", store.All), 1)
}

// A sender without a registered profile yields a placeholder, with the
// encrypted record preserved for verification.
func TestMessenger_MissingSenderKeyPlaceholder(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	alice := newTestMessenger(t, chain, bus, 1)
	bob := newTestMessenger(t, chain, bus, 1)

	// Bob's profile is registered so Alice can encrypt; Alice's is not, so
	// Bob cannot resolve her public key on receipt
	require.NoError(t, alice.Login("5GrAlice"))
	loginAndRegister(t, bob, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	sent, err := alice.Send(context.Background(), "5GrBob", "secret")
	require.NoError(t, err)

	var received store.Message
	waitFor(t, func() bool {
		msgs := bob.Conversation("5GrAlice", store.All)
		if len(msgs) != 1 {
			return false
		}
		received = *msgs[0]
		return true
	})

	require.Equal(t, PlaceholderMissingKey, received.DecryptedContent)
	require.Equal(t, sent.Payload, received.Payload)
	require.Equal(t, sent.Hash, received.Hash)
	require.True(t, received.CanVerify())
}

// A rejected commit leaves a retained, retryable Failed entry under its
// provisional identifier.
func TestMessenger_FailedSubmitAndRetry(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	alice := newTestMessenger(t, chain, bus, 1)
	bob := newTestMessenger(t, chain, bus, 1)
	loginAndRegister(t, alice, chain, "5GrAlice")
	loginAndRegister(t, bob, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	chain.FailSubmissions("recipient has not approved sender")

	failed, err := alice.Send(context.Background(), "5GrBob", "rejected")
	require.Error(t, err)
	require.Equal(t, store.Failed, failed.Status)

	// Still provisional: not a numeric ledger identifier
	_, parseErr := strconv.ParseUint(failed.ID, 10, 64)
	require.Error(t, parseErr)

	stored, exists := alice.Store().Get(failed.ID)
	require.True(t, exists)
	require.Equal(t, store.Failed, stored.Status)

	chain.FailSubmissions("")
	retried, err := alice.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	require.Equal(t, store.Sent, retried.Status)
	require.Equal(t, "1", retried.ID)

	// The provisional entry was migrated, not duplicated
	_, exists = alice.Store().Get(failed.ID)
	require.False(t, exists)
	require.Len(t, alice.Conversation("5GrBob", store.All), 1)
}

// Receipt triggers a best-effort confirmation back to the sender, surfaced
// as an event hint only.
func TestMessenger_DeliveryConfirmationEvent(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	events := event.NewDispatcher()
	kv := versioned.NewKV(ekv.MakeMemstore())
	alice := New(kv, chain,
		transport.NewMultiplexer(events, &pipeTransport{bus: bus}), events)
	bob := newTestMessenger(t, chain, bus, 1)

	var confirmedID string
	var mux sync.Mutex
	events.Register(event.DeliveryConfirmed, func(e event.Event) {
		mux.Lock()
		confirmedID = e.MessageID
		mux.Unlock()
	})

	loginAndRegister(t, alice, chain, "5GrAlice")
	loginAndRegister(t, bob, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	sent, err := alice.Send(context.Background(), "5GrBob", "confirm me")
	require.NoError(t, err)

	waitFor(t, func() bool {
		mux.Lock()
		defer mux.Unlock()
		return confirmedID != ""
	})

	// The transports carry the provisional identifier the payload was
	// published under
	mux.Lock()
	got := confirmedID
	mux.Unlock()
	require.NotEmpty(t, got)

	// The confirmation never flips verification state
	stored, _ := alice.Store().Get(sent.ID)
	require.Equal(t, store.Sent, stored.Status)
}

// Switching identities swaps the visible timeline and discards traffic bound
// for the previous identity.
func TestMessenger_IdentitySwitch(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	m := newTestMessenger(t, chain, bus, 1)
	peer := newTestMessenger(t, chain, bus, 1)

	loginAndRegister(t, m, chain, "5GrAlice")
	loginAndRegister(t, peer, chain, "5GrBob")

	chain.SetSigner("5GrAlice")
	_, err := m.Send(context.Background(), "5GrBob", "from alice")
	require.NoError(t, err)
	require.Len(t, m.Conversation("5GrBob", store.All), 1)

	aliceKey := m.PublicKey()
	loginAndRegister(t, m, chain, "5GrCharlie")
	require.Equal(t, "5GrCharlie", m.Identity())
	require.NotEqual(t, aliceKey, m.PublicKey())

	// Charlie's timeline is empty; Alice's history did not leak across
	require.Empty(t, m.Conversation("5GrBob", store.All))

	// Traffic to the previous identity is no longer routed here
	chain.SetSigner("5GrBob")
	_, err = peer.Send(context.Background(), "5GrAlice", "too late")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, m.Conversation("5GrBob", store.All))

	// Logging Alice back in restores her persisted timeline
	loginAndRegister(t, m, chain, "5GrAlice")
	require.Equal(t, aliceKey, m.PublicKey())
	require.Len(t, m.Conversation("5GrBob", store.All), 1)
}

func TestMessenger_Contacts(t *testing.T) {
	chain := ledger.NewMemLedger()
	bus := newPipeBus()

	alice := newTestMessenger(t, chain, bus, 1)
	bob := newTestMessenger(t, chain, bus, 1)
	loginAndRegister(t, alice, chain, "5GrAlice")
	loginAndRegister(t, bob, chain, "5GrBob")

	c, err := alice.Approve(context.Background(), "5GrBob")
	require.NoError(t, err)
	require.True(t, c.ApprovedByMe)
	require.False(t, c.ApprovedByThem)
	require.Equal(t, "pending", c.Status)

	_, err = bob.Approve(context.Background(), "5GrAlice")
	require.NoError(t, err)

	c, err = alice.Contact(context.Background(), "5GrBob")
	require.NoError(t, err)
	require.True(t, c.ApprovedByMe)
	require.True(t, c.ApprovedByThem)
	require.Equal(t, "active", c.Status)

	_, err = alice.Approve(context.Background(), "5GrAlice")
	require.Error(t, err)
}

func TestMessenger_SendRequiresLogin(t *testing.T) {
	chain := ledger.NewMemLedger()
	m := newTestMessenger(t, chain, newPipeBus(), 1)

	_, err := m.Send(context.Background(), "5GrBob", "hello")
	require.Error(t, err)
}

func TestMessenger_SendUnknownRecipient(t *testing.T) {
	chain := ledger.NewMemLedger()
	m := newTestMessenger(t, chain, newPipeBus(), 1)
	require.NoError(t, m.Login("5GrAlice"))

	_, err := m.Send(context.Background(), "5GrNobody", "hello")
	require.Error(t, err)
	require.True(t, ledger.IsNotFound(err))

	// Nothing was stored for the aborted send
	require.Empty(t, m.Store().Snapshot())
}
