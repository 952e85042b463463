////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/anchorchat/client/crypto"
)

// Status is the delivery/commit lifecycle of a message. It is independent of
// the Verified flag, which records the hash-reconciliation outcome.
type Status uint8

const (
	// Sending - the hash commit is in flight; the identifier is provisional.
	Sending Status = iota

	// Sent - the ledger commit finalized (outbound) or the payload arrived
	// over a transport (inbound).
	Sent

	// Verified - the verification engine confirmed the on-chain hash.
	Verified

	// Failed - the ledger rejected the commit. Terminal, but the entry is
	// retained so the user can see and retry it.
	Failed
)

// String satisfies the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "INVALID STATUS"
	}
}

// Direction marks which side of the conversation authored the message. Only
// the non-author may verify; the author's own message is trivially
// self-consistent.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

// String satisfies the fmt.Stringer interface.
func (d Direction) String() string {
	if d == Incoming {
		return "received"
	}
	return "sent"
}

// Message is one entry in a conversation timeline.
type Message struct {
	// ID starts as a locally generated provisional value and is replaced by
	// the ledger-assigned identifier once the commit finalizes.
	ID string `json:"id"`

	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`

	// Payload is the encrypted envelope as delivered on the wire.
	Payload crypto.Envelope `json:"encryptedData"`

	// Hash is the content hash committed to the ledger, hex-encoded.
	Hash string `json:"messageHash"`

	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`

	// Verified and Expired record the verification outcome. Expired takes
	// precedence: an expired record is never reported verified.
	Verified bool `json:"verified"`
	Expired  bool `json:"expired"`

	// BlockNumber is set once the hash commit finalizes.
	BlockNumber uint64 `json:"blockNumber,omitempty"`

	// DecryptedContent exists only locally and is never transmitted. On
	// decryption failure it holds a placeholder marker instead of plaintext.
	DecryptedContent string `json:"decryptedContent,omitempty"`

	Direction Direction `json:"direction"`
}

// ConversationID computes the deterministic pairwise conversation key: the
// sorted join of the two participant addresses. Both participants compute
// the identical key regardless of who sends.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// NewOutgoing builds a provisional outbound message. The sender trusts its
// own plaintext, so the entry is born verified; CanVerify still reports
// false for it.
func NewOutgoing(sender, recipient string, env crypto.Envelope,
	hash string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: ConversationID(sender, recipient),
		Sender:         sender,
		Recipient:      recipient,
		Payload:        env,
		Hash:           hash,
		Timestamp:      netTime.Now(),
		Status:         Sending,
		Verified:       true,
		Direction:      Outgoing,
	}
}

// CanVerify reports whether the verification engine may act on this message:
// only received, unexpired messages outside the transient sending/failed
// states qualify.
func (m *Message) CanVerify() bool {
	return m.Direction == Incoming && !m.Expired &&
		m.Status != Sending && m.Status != Failed
}

// Filter selects a subset of a conversation's timeline.
type Filter uint8

const (
	All Filter = iota
	VerifiedOnly
	UnverifiedOnly
	ExpiredOnly
)

// ParseFilter maps a filter name to a Filter, for CLI and config use.
func ParseFilter(name string) (Filter, error) {
	switch strings.ToLower(name) {
	case "", "all":
		return All, nil
	case "verified":
		return VerifiedOnly, nil
	case "unverified":
		return UnverifiedOnly, nil
	case "expired":
		return ExpiredOnly, nil
	default:
		return All, errors.Errorf("unknown message filter %q", name)
	}
}

func (f Filter) matches(m *Message) bool {
	switch f {
	case VerifiedOnly:
		return m.Verified && !m.Expired
	case UnverifiedOnly:
		return !m.Verified && !m.Expired
	case ExpiredOnly:
		return m.Expired
	default:
		return true
	}
}

// sortByTimestamp orders messages by timestamp ascending, breaking ties by
// identifier so the order is stable across reloads.
func sortByTimestamp(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
