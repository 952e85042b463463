////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package store holds the authoritative local message timeline for the
// active identity. Messages arrive redundantly from the ledger, the relay,
// the gossip overlay, and history backfill; the store merges them into one
// de-duplicated per-conversation sequence and persists the whole collection
// on every mutation.
package store

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/anchorchat/client/crypto"
	"gitlab.com/anchorchat/client/event"
	"gitlab.com/anchorchat/client/storage/versioned"
)

const (
	timelineStorageKey     = "messageTimeline"
	timelineStorageVersion = 0
)

// contentKey is the secondary dedupe key used when identifiers mismatch
// because one copy of a message carries a provisional id and another the
// ledger-assigned one.
type contentKey struct {
	sender       string
	hash         string
	conversation string
}

func makeContentKey(m *Message) contentKey {
	return contentKey{
		sender:       m.Sender,
		hash:         crypto.NormalizeHash(m.Hash),
		conversation: m.ConversationID,
	}
}

// Patch optionally rewrites fields of a stored message during UpdateStatus.
// Nil pointer fields leave the stored value untouched.
type Patch struct {
	// NewID migrates the entry to the ledger-assigned identifier. The entry
	// keeps its position in timestamp ordering.
	NewID string

	// BlockNumber is applied when nonzero.
	BlockNumber uint64

	Verified         *bool
	Expired          *bool
	DecryptedContent *string
}

// Store is the per-identity message collection. All mutations persist the
// entire collection to the identity's slice of the key-value store, except
// while an identity switch is in flight.
type Store struct {
	messages  map[string]*Message
	byContent map[contentKey]string

	address string
	kv      *versioned.KV
	ikv     *versioned.KV

	// switching suppresses saves during an identity switch so a transiently
	// cleared in-memory collection can never overwrite durable storage with
	// emptiness.
	switching atomic.Bool

	events *event.Dispatcher
	mux    sync.RWMutex
}

// NewStore creates a Store over the root storage KV. No identity is active
// until ActivateIdentity is called; mutations before that are rejected.
func NewStore(kv *versioned.KV, events *event.Dispatcher) *Store {
	return &Store{
		messages:  make(map[string]*Message),
		byContent: make(map[contentKey]string),
		kv:        kv,
		events:    events,
	}
}

// ActivateIdentity swaps the owned collection to the given identity's,
// reloading it wholesale from storage. A legacy layout that kept a single
// shared collection for all identities is used as a migration source: the
// entries belonging to this identity are adopted into its namespace. Saves
// are suppressed for the whole transition window.
func (s *Store) ActivateIdentity(address string) error {
	s.switching.Store(true)
	defer s.switching.Store(false)

	s.mux.Lock()
	defer s.mux.Unlock()

	s.messages = make(map[string]*Message)
	s.byContent = make(map[contentKey]string)
	s.address = address
	s.ikv = s.kv.Prefix(versioned.MakeIdentityPrefix(address))

	obj, err := s.ikv.Get(timelineStorageKey, timelineStorageVersion)
	if err != nil {
		if s.ikv.Exists(err) {
			return errors.WithMessagef(err,
				"failed to load message timeline for %s", address)
		}
		return s.migrateLegacy(address)
	}

	return s.index(obj.Data, address)
}

// migrateLegacy adopts this identity's messages out of the old shared,
// un-namespaced collection. The legacy slot is left in place because other
// identities may still need their subsets out of it.
func (s *Store) migrateLegacy(address string) error {
	obj, err := s.kv.Get(timelineStorageKey, timelineStorageVersion)
	if err != nil {
		if s.kv.Exists(err) {
			return errors.WithMessage(err, "failed to read legacy timeline")
		}
		// Nothing stored anywhere; fresh identity
		return nil
	}

	var all []*Message
	if err = json.Unmarshal(obj.Data, &all); err != nil {
		return errors.WithMessage(err, "corrupt legacy timeline")
	}

	adopted := 0
	for _, m := range all {
		if m.Sender != address && m.Recipient != address {
			continue
		}
		s.messages[m.ID] = m
		s.byContent[makeContentKey(m)] = m.ID
		adopted++
	}

	if adopted > 0 {
		jww.INFO.Printf("Adopted %d legacy messages for identity %s.",
			adopted, address)
		// Persist under the identity prefix; the switch flag is still set,
		// so write directly rather than through save
		if err = s.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) index(data []byte, address string) error {
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return errors.WithMessagef(err,
			"corrupt message timeline for %s", address)
	}

	for _, m := range msgs {
		s.messages[m.ID] = m
		s.byContent[makeContentKey(m)] = m.ID
	}

	jww.INFO.Printf("Loaded %d messages for identity %s.", len(msgs), address)
	return nil
}

// Address returns the active identity address.
func (s *Store) Address() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.address
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.messages)
}

// AddIfAbsent inserts the message unless an entry with the same identifier,
// or the same (sender, hash, conversation) content, already exists. Returns
// true when the message was added. The operation is idempotent and
// commutative: the same logical message arriving twice, over any transports
// in any order, yields exactly one stored entry.
func (s *Store) AddIfAbsent(m *Message) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.address == "" {
		jww.WARN.Printf("Dropping message %s: no active identity.", m.ID)
		return false
	}

	if _, exists := s.messages[m.ID]; exists {
		return false
	}
	if existingID, exists := s.byContent[makeContentKey(m)]; exists {
		jww.DEBUG.Printf("Message %s deduped against %s by content key.",
			m.ID, existingID)
		return false
	}

	cp := *m
	s.messages[cp.ID] = &cp
	s.byContent[makeContentKey(&cp)] = cp.ID
	s.save()

	s.fire(event.Event{
		Kind:           event.MessageAdded,
		MessageID:      cp.ID,
		ConversationID: cp.ConversationID,
		Address:        cp.Sender,
	})
	return true
}

// UpdateStatus mutates an existing entry. A Patch with NewID performs the
// provisional→final identifier migration: the entry is re-keyed, not
// re-added, so its position in timestamp ordering is preserved.
func (s *Store) UpdateStatus(id string, status Status, p *Patch) error {
	s.mux.Lock()

	m, exists := s.messages[id]
	if !exists {
		s.mux.Unlock()
		return errors.Errorf("no stored message with identifier %s", id)
	}

	m.Status = status
	if p != nil {
		if p.BlockNumber != 0 {
			m.BlockNumber = p.BlockNumber
		}
		if p.Verified != nil {
			m.Verified = *p.Verified
		}
		if p.Expired != nil {
			m.Expired = *p.Expired
		}
		if p.DecryptedContent != nil {
			m.DecryptedContent = *p.DecryptedContent
		}
		if p.NewID != "" && p.NewID != id {
			delete(s.messages, id)
			m.ID = p.NewID
			s.messages[m.ID] = m
			s.byContent[makeContentKey(m)] = m.ID
			jww.DEBUG.Printf("Migrated message identifier %s -> %s.",
				id, m.ID)
		}
	}

	s.save()
	s.fire(event.Event{
		Kind:           event.MessageUpdated,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	})
	s.mux.Unlock()

	return nil
}

// Get returns a copy of the stored message with the given identifier.
func (s *Store) Get(id string) (Message, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	m, exists := s.messages[id]
	if !exists {
		return Message{}, false
	}
	return *m, true
}

// ListByConversation returns copies of the conversation's messages matching
// the filter, ordered by timestamp ascending. The slice is recomputed on
// each call; it is not a live view.
func (s *Store) ListByConversation(conversationID string,
	f Filter) []*Message {
	s.mux.RLock()
	out := make([]*Message, 0)
	for _, m := range s.messages {
		if m.ConversationID != conversationID || !f.matches(m) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	s.mux.RUnlock()

	sortByTimestamp(out)
	return out
}

// Snapshot returns copies of every stored message in timestamp order.
func (s *Store) Snapshot() []*Message {
	s.mux.RLock()
	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		cp := *m
		out = append(out, &cp)
	}
	s.mux.RUnlock()

	sortByTimestamp(out)
	return out
}

// save persists the whole collection under the active identity. Must be
// called with the write lock held. Saves are dropped while an identity
// switch is in flight.
func (s *Store) save() {
	if s.switching.Load() {
		jww.DEBUG.Print("Skipping save: identity switch in flight.")
		return
	}
	if err := s.persistLocked(); err != nil {
		jww.FATAL.Panicf("Failed to persist message timeline for %s: %+v",
			s.address, err)
	}
}

func (s *Store) persistLocked() error {
	msgs := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}
	sortByTimestamp(msgs)

	data, err := json.Marshal(msgs)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal message timeline")
	}

	return s.ikv.Set(timelineStorageKey, &versioned.Object{
		Version:   timelineStorageVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

// fire dispatches asynchronously so listeners never run under the store
// lock.
func (s *Store) fire(e event.Event) {
	if s.events != nil {
		go s.events.Fire(e)
	}
}
