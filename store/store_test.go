////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/anchorchat/client/crypto"
	"gitlab.com/anchorchat/client/storage/versioned"
)

const (
	alice = "5GrAlice"
	bob   = "5GrBob"
)

func newTestStore(t *testing.T) (*Store, *versioned.KV) {
	t.Helper()
	kv := versioned.NewKV(ekv.MakeMemstore())
	s := NewStore(kv, nil)
	require.NoError(t, s.ActivateIdentity(alice))
	return s, kv
}

func testMessage(id, sender, recipient string, ts time.Time) *Message {
	env := crypto.Envelope{Ciphertext: "ct-" + id, Nonce: "n-" + id}
	return &Message{
		ID:             id,
		ConversationID: ConversationID(sender, recipient),
		Sender:         sender,
		Recipient:      recipient,
		Payload:        env,
		Hash:           crypto.HashEnvelope(env),
		Timestamp:      ts,
		Status:         Sent,
		Direction:      Incoming,
	}
}

// Tests that the conversation key is identical regardless of participant
// order.
func TestConversationID_Deterministic(t *testing.T) {
	require.Equal(t, ConversationID(alice, bob), ConversationID(bob, alice))
}

// Tests that applying the same inbound message twice stores exactly one
// entry, both for identical identifiers and for differing identifiers with
// identical content.
func TestStore_AddIfAbsent_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	now := netTime.Now()

	m := testMessage("m1", bob, alice, now)
	require.True(t, s.AddIfAbsent(m))
	require.False(t, s.AddIfAbsent(m))
	require.Equal(t, 1, s.Len())

	// Same content under a different (provisional) identifier: the
	// commit-ID-replacement flow makes this the same logical message
	dup := testMessage("m1", bob, alice, now)
	dup.ID = "provisional-uuid"
	require.False(t, s.AddIfAbsent(dup))
	require.Equal(t, 1, s.Len())
}

// Tests ordering: arrival order [300, 100, 200] must list as
// [100, 200, 300].
func TestStore_ListByConversation_Ordering(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Unix(0, 0)

	for _, offset := range []int{300, 100, 200} {
		m := testMessage("m"+strconv.Itoa(offset), bob, alice,
			base.Add(time.Duration(offset)*time.Second))
		require.True(t, s.AddIfAbsent(m))
	}

	listed := s.ListByConversation(ConversationID(alice, bob), All)
	require.Len(t, listed, 3)
	for i := 1; i < len(listed); i++ {
		require.True(t, listed[i-1].Timestamp.Before(listed[i].Timestamp),
			"messages out of order at index %d", i)
	}
}

// Tests the provisional→final identifier migration: the entry is re-keyed,
// not duplicated, and keeps its place in the timeline.
func TestStore_UpdateStatus_IDMigration(t *testing.T) {
	s, _ := newTestStore(t)

	m := testMessage("provisional", alice, bob, netTime.Now())
	m.Direction = Outgoing
	m.Status = Sending
	require.True(t, s.AddIfAbsent(m))

	err := s.UpdateStatus("provisional", Sent,
		&Patch{NewID: "42", BlockNumber: 1000})
	require.NoError(t, err)

	_, found := s.Get("provisional")
	require.False(t, found)

	migrated, found := s.Get("42")
	require.True(t, found)
	require.Equal(t, Sent, migrated.Status)
	require.Equal(t, uint64(1000), migrated.BlockNumber)
	require.Equal(t, m.Timestamp, migrated.Timestamp)
	require.Equal(t, 1, s.Len())

	// The content index must follow the migration
	dup := testMessage("other-id", alice, bob, netTime.Now())
	dup.Payload = m.Payload
	dup.Hash = m.Hash
	require.False(t, s.AddIfAbsent(dup))
}

// Tests that UpdateStatus on an unknown identifier errors.
func TestStore_UpdateStatus_Unknown(t *testing.T) {
	s, _ := newTestStore(t)
	require.Error(t, s.UpdateStatus("nope", Sent, nil))
}

// Tests verification field patching and filters.
func TestStore_Filters(t *testing.T) {
	s, _ := newTestStore(t)
	conv := ConversationID(alice, bob)
	now := netTime.Now()

	verified := testMessage("v", bob, alice, now)
	unverified := testMessage("u", bob, alice, now.Add(time.Second))
	expired := testMessage("e", bob, alice, now.Add(2*time.Second))
	for _, m := range []*Message{verified, unverified, expired} {
		require.True(t, s.AddIfAbsent(m))
	}

	tru := true
	require.NoError(t, s.UpdateStatus("v", Verified, &Patch{Verified: &tru}))
	require.NoError(t, s.UpdateStatus("e", Sent, &Patch{Expired: &tru}))

	require.Len(t, s.ListByConversation(conv, All), 3)
	require.Len(t, s.ListByConversation(conv, VerifiedOnly), 1)
	require.Len(t, s.ListByConversation(conv, UnverifiedOnly), 1)
	require.Len(t, s.ListByConversation(conv, ExpiredOnly), 1)
}

// Tests that the collection is persisted and reloaded wholesale across
// activations.
func TestStore_PersistReload(t *testing.T) {
	s, kv := newTestStore(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		m := testMessage(id, bob, alice,
			netTime.Now().Add(time.Duration(i)*time.Second))
		require.True(t, s.AddIfAbsent(m))
	}

	fresh := NewStore(kv, nil)
	require.NoError(t, fresh.ActivateIdentity(alice))
	require.Equal(t, 3, fresh.Len())
}

// Tests identity-switch safety: switching from an identity with stored
// messages to an empty one and back must never leave the first identity's
// persisted store empty.
func TestStore_IdentitySwitch_NoEmptyOverwrite(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		m := testMessage("m"+string(rune('0'+i)), bob, alice,
			netTime.Now().Add(time.Duration(i)*time.Second))
		require.True(t, s.AddIfAbsent(m))
	}
	require.Equal(t, 5, s.Len())

	// Switch to an empty identity and immediately back, as a user flipping
	// accounts before the first load settles
	carol := "5GrCarol"
	require.NoError(t, s.ActivateIdentity(carol))
	require.Equal(t, 0, s.Len())
	require.NoError(t, s.ActivateIdentity(alice))
	require.Equal(t, 5, s.Len())
}

// Tests that the legacy shared, un-namespaced collection is split per
// identity on activation.
func TestStore_LegacyMigration(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())

	legacy := []*Message{
		testMessage("a1", bob, alice, netTime.Now()),
		testMessage("a2", alice, bob, netTime.Now().Add(time.Second)),
		testMessage("c1", "5GrCarol", "5GrDave",
			netTime.Now().Add(2*time.Second)),
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, kv.Set(timelineStorageKey, &versioned.Object{
		Version:   timelineStorageVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	}))

	s := NewStore(kv, nil)
	require.NoError(t, s.ActivateIdentity(alice))
	require.Equal(t, 2, s.Len())

	// Carol's subset is still available from the same source
	require.NoError(t, s.ActivateIdentity("5GrCarol"))
	require.Equal(t, 1, s.Len())
}
