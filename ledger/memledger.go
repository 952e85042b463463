////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package ledger

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/anchorchat/client/crypto"
)

// MemLedger is an in-memory Gateway. Submissions finalize instantly: each
// commit lands in its own new block with a sequential message identifier.
// Tests and the CLI's local mode run against it; a chain adapter replaces it
// in production wiring.
type MemLedger struct {
	profiles  map[string]string
	records   map[uint64]*Record
	approvals map[string]map[string]bool
	nextID    uint64
	feed      *HeightFeed

	signer     string
	connected  bool
	failReason string

	mux sync.RWMutex
}

// NewMemLedger creates a connected, empty in-memory ledger at height zero.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		profiles:  make(map[string]string),
		records:   make(map[uint64]*Record),
		approvals: make(map[string]map[string]bool),
		nextID:    1,
		feed:      NewHeightFeed(),
		connected: true,
	}
}

// RegisterProfile stores an address's encryption public key.
func (m *MemLedger) RegisterProfile(address, publicKey string) {
	m.mux.Lock()
	m.profiles[address] = publicKey
	m.mux.Unlock()
}

// SetHeight advances the chain to the given height, driving the height feed.
func (m *MemLedger) SetHeight(height uint64) {
	m.feed.Update(height)
}

// AdvanceBlocks moves the chain forward by n blocks.
func (m *MemLedger) AdvanceBlocks(n uint64) {
	m.feed.Update(m.feed.Current() + n)
}

// SetSigner sets the identity whose key signs subsequent submissions. A real
// chain adapter derives the record's sender from the signed extrinsic; the
// in-memory ledger takes it here.
func (m *MemLedger) SetSigner(address string) {
	m.mux.Lock()
	m.signer = address
	m.mux.Unlock()
}

// SetConnected toggles the simulated connection state. While disconnected,
// every call returns ErrNotConnected.
func (m *MemLedger) SetConnected(connected bool) {
	m.mux.Lock()
	m.connected = connected
	m.mux.Unlock()
}

// FailSubmissions makes subsequent submissions fail with the given rejection
// reason. An empty reason restores normal behavior.
func (m *MemLedger) FailSubmissions(reason string) {
	m.mux.Lock()
	m.failReason = reason
	m.mux.Unlock()
}

// FetchProfile implements Gateway.
func (m *MemLedger) FetchProfile(_ context.Context, address string) (
	string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if !m.connected {
		return "", ErrNotConnected
	}
	key, ok := m.profiles[address]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

// SubmitMessageHash implements Gateway. The commit finalizes in a fresh
// block.
func (m *MemLedger) SubmitMessageHash(_ context.Context, recipient,
	hash string) (Receipt, error) {
	m.mux.Lock()

	if !m.connected {
		m.mux.Unlock()
		return Receipt{}, ErrNotConnected
	}
	if m.failReason != "" {
		reason := m.failReason
		m.mux.Unlock()
		return Receipt{}, &SubmissionError{Reason: reason}
	}

	id := m.nextID
	m.nextID++
	block := m.feed.Current() + 1

	rec := &Record{
		Hash:        crypto.NormalizeHash(hash),
		BlockNumber: block,
		Sender:      m.signer,
		Recipient:   recipient,
	}
	m.records[id] = rec
	m.mux.Unlock()

	m.feed.Update(block)

	jww.DEBUG.Printf("MemLedger committed hash %s as message %d in block %d.",
		hash, id, block)
	return Receipt{MessageID: id, BlockNumber: block}, nil
}

// QueryMessageHash implements Gateway.
func (m *MemLedger) QueryMessageHash(_ context.Context, messageID uint64) (
	*Record, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	rec, ok := m.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

// SearchMessageHash implements Gateway.
func (m *MemLedger) SearchMessageHash(_ context.Context, hash,
	sender string) (uint64, *Record, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if !m.connected {
		return 0, nil, ErrNotConnected
	}

	want := crypto.NormalizeHash(hash)
	for id, rec := range m.records {
		if rec.Sender == sender && crypto.NormalizeHash(rec.Hash) == want {
			cp := *rec
			return id, &cp, nil
		}
	}
	return 0, nil, ErrNotFound
}

// ApproveContact implements Gateway.
func (m *MemLedger) ApproveContact(_ context.Context, owner,
	contact string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.approvals[owner] == nil {
		m.approvals[owner] = make(map[string]bool)
	}
	m.approvals[owner][contact] = true
	return nil
}

// IsApproved implements Gateway.
func (m *MemLedger) IsApproved(_ context.Context, owner, contact string) (
	bool, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	if !m.connected {
		return false, ErrNotConnected
	}
	return m.approvals[owner][contact], nil
}

// CurrentBlockHeight implements Gateway.
func (m *MemLedger) CurrentBlockHeight() uint64 {
	return m.feed.Current()
}

// Heights implements Gateway.
func (m *MemLedger) Heights() *HeightFeed {
	return m.feed
}
