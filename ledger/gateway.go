////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package ledger defines the client's view of the chain: the queries and
// extrinsics the messaging core consumes. The actual RPC plumbing lives in an
// external chain adapter; this package carries the interface, the record
// formats, and an in-memory implementation used by tests and local mode.
package ledger

import "context"

// Record is the on-chain message-hash record, keyed by a chain-assigned
// integer message identifier. The field set is a read/write contract with the
// verifying chain logic.
type Record struct {
	// Hash is the committed content hash as a hex string. Comparison against
	// local hashes is case-insensitive and 0x-prefix-tolerant.
	Hash string

	// BlockNumber is the block in which the commit finalized. The validity
	// window is counted from here.
	BlockNumber uint64

	Sender    string
	Recipient string
}

// Receipt is returned once a hash-commit extrinsic finalizes.
type Receipt struct {
	// MessageID is the ledger-assigned identifier that replaces the client's
	// provisional one.
	MessageID uint64

	BlockNumber uint64
}

// Gateway is the chain interface the messaging core depends on. All blocking
// calls take a context and suspend until finalization, failure, or
// cancellation.
type Gateway interface {
	// FetchProfile returns the registered encryption public key for an
	// address, or ErrNotFound when the address has no profile.
	FetchProfile(ctx context.Context, address string) (string, error)

	// SubmitMessageHash commits a content hash addressed to the recipient and
	// blocks until the transaction finalizes or is rejected.
	SubmitMessageHash(ctx context.Context, recipient, hash string) (
		Receipt, error)

	// QueryMessageHash reads the record for a ledger-assigned identifier.
	// Returns ErrNotFound when no record exists.
	QueryMessageHash(ctx context.Context, messageID uint64) (*Record, error)

	// SearchMessageHash scans the committed-hash index for a record matching
	// the (hash, sender) pair. It resolves provisional identifiers for
	// messages whose commit receipt was never observed. Returns ErrNotFound
	// when no match exists, which is retryable.
	SearchMessageHash(ctx context.Context, hash, sender string) (
		uint64, *Record, error)

	// ApproveContact records the caller's approval of the given address in
	// the chain's bidirectional approval mapping.
	ApproveContact(ctx context.Context, owner, contact string) error

	// IsApproved reads one direction of the approval mapping.
	IsApproved(ctx context.Context, owner, contact string) (bool, error)

	// CurrentBlockHeight returns the latest known block height, fed by the
	// adapter's push subscription.
	CurrentBlockHeight() uint64

	// Heights returns the shared block-height feed. There is one subscription
	// per connection; verification callers fan out from it read-only.
	Heights() *HeightFeed
}
