////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package verify reconciles stored messages against their on-chain hash
// records. A record proves integrity only within the expiry window counted
// from its commit block; past the window the record is expired and never
// reported verified, even on a hash match.
package verify

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"gitlab.com/anchorchat/client/catalog"
	"gitlab.com/anchorchat/client/crypto"
	"gitlab.com/anchorchat/client/ledger"
	"gitlab.com/anchorchat/client/store"
)

// ErrInvalidIdentifier is returned when a provisional identifier cannot be
// resolved because the sender is unknown; there is nothing to search the
// committed-hash index by.
var ErrInvalidIdentifier = errors.New(
	"message identifier is provisional and the sender is unknown")

// ErrUnresolved is returned when a provisional identifier has no match on
// the committed-hash index yet. Retryable; the commit may not have
// finalized.
var ErrUnresolved = errors.New(
	"message identifier is not resolvable on the ledger yet")

// Result is the outcome of one verification. It is ephemeral; on success its
// fields are folded into the stored message.
type Result struct {
	Verified bool `json:"verified"`
	Expired  bool `json:"expired"`

	BlockchainHash string `json:"blockchainHash,omitempty"`
	ComputedHash   string `json:"computedHash,omitempty"`

	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	BlocksRemaining uint64 `json:"blocksRemaining,omitempty"`

	Error string `json:"error,omitempty"`
}

// Summary aggregates a batch verification pass.
type Summary struct {
	Verified int
	Expired  int
	Failed   int
	Skipped  int
}

// Engine verifies messages against the ledger. Ledger queries are paced by a
// rate limiter so batch passes do not hammer the node.
type Engine struct {
	gateway ledger.Gateway
	msgs    *store.Store

	window  uint64
	limiter ratelimit.Limiter
}

// queriesPerSecond paces ledger reads during batch verification.
const queriesPerSecond = 10

// NewEngine creates an Engine with the default expiry window.
func NewEngine(gateway ledger.Gateway, msgs *store.Store) *Engine {
	return NewEngineWithWindow(gateway, msgs, catalog.ExpiryWindowBlocks)
}

// NewEngineWithWindow creates an Engine with an explicit expiry window in
// blocks.
func NewEngineWithWindow(gateway ledger.Gateway, msgs *store.Store,
	window uint64) *Engine {
	return &Engine{
		gateway: gateway,
		msgs:    msgs,
		window:  window,
		limiter: ratelimit.New(queriesPerSecond, ratelimit.WithoutSlack),
	}
}

// Verify checks a single message hash against the ledger.
//
// When messageID is not the ledger's numeric identifier form, the engine
// attempts resolution by searching the committed-hash index for
// (localHash, sender); a match migrates the stored message to the canonical
// identifier. ErrUnresolved and ErrInvalidIdentifier report the two
// resolution failure modes; neither is terminal for the message.
//
// A hash mismatch is a legitimate negative result, not an error: it signals
// tampering or corruption and is reported through Result.Verified.
func (e *Engine) Verify(ctx context.Context, messageID, localHash,
	sender string) (Result, error) {
	id, err := strconv.ParseUint(messageID, 10, 64)
	if err != nil {
		id, err = e.resolve(ctx, messageID, localHash, sender)
		if err != nil {
			return Result{}, err
		}
	}

	rec, err := e.gateway.QueryMessageHash(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return Result{Error: "not found"}, nil
		}
		return Result{}, errors.WithMessagef(err,
			"failed to query record %d", id)
	}

	expiryBlock := rec.BlockNumber + e.window
	height := e.gateway.CurrentBlockHeight()
	if height >= expiryBlock {
		// Expiry takes precedence over hash comparison: liveness must be
		// provable within the window
		return Result{
			Expired:     true,
			BlockNumber: rec.BlockNumber,
		}, nil
	}

	return Result{
		Verified: crypto.NormalizeHash(rec.Hash) ==
			crypto.NormalizeHash(localHash),
		BlockchainHash:  rec.Hash,
		ComputedHash:    localHash,
		BlockNumber:     rec.BlockNumber,
		BlocksRemaining: expiryBlock - height,
	}, nil
}

// resolve maps a provisional identifier to the ledger's identifier via the
// committed-hash index and migrates the stored entry when one exists.
func (e *Engine) resolve(ctx context.Context, provisionalID, localHash,
	sender string) (uint64, error) {
	if sender == "" {
		return 0, ErrInvalidIdentifier
	}

	id, rec, err := e.gateway.SearchMessageHash(ctx,
		crypto.NormalizeHash(localHash), sender)
	if err != nil {
		if ledger.IsNotFound(err) {
			return 0, ErrUnresolved
		}
		return 0, errors.WithMessage(err, "committed-hash search failed")
	}

	canonical := strconv.FormatUint(id, 10)
	jww.DEBUG.Printf("Resolved provisional identifier %s to %s.",
		provisionalID, canonical)

	if m, exists := e.msgs.Get(provisionalID); exists {
		err = e.msgs.UpdateStatus(provisionalID, m.Status, &store.Patch{
			NewID:       canonical,
			BlockNumber: rec.BlockNumber,
		})
		if err != nil {
			jww.WARN.Printf("Identifier migration for %s failed: %+v",
				provisionalID, err)
		}
	}

	return id, nil
}

// VerifyStored runs Verify for a stored message and folds the outcome back
// into the store.
func (e *Engine) VerifyStored(ctx context.Context, messageID string) (
	Result, error) {
	m, exists := e.msgs.Get(messageID)
	if !exists {
		return Result{}, errors.Errorf(
			"no stored message with identifier %s", messageID)
	}
	if !m.CanVerify() {
		return Result{}, errors.Errorf(
			"message %s is not eligible for verification", messageID)
	}

	res, err := e.Verify(ctx, m.ID, m.Hash, m.Sender)
	if err != nil {
		return res, err
	}

	// The message may have been migrated to a canonical identifier during
	// resolution
	id := m.ID
	if _, ok := e.msgs.Get(id); !ok {
		migrated, found := e.findByHash(m.Hash, m.ConversationID)
		if !found {
			return res, nil
		}
		id = migrated
	}

	status := m.Status
	if res.Verified {
		status = store.Verified
	}
	err = e.msgs.UpdateStatus(id, status, &store.Patch{
		Verified:    &res.Verified,
		Expired:     &res.Expired,
		BlockNumber: res.BlockNumber,
	})
	return res, err
}

// findByHash locates a message by content after an identifier migration.
func (e *Engine) findByHash(hash, conversationID string) (string, bool) {
	want := crypto.NormalizeHash(hash)
	for _, m := range e.msgs.Snapshot() {
		if m.ConversationID == conversationID &&
			crypto.NormalizeHash(m.Hash) == want {
			return m.ID, true
		}
	}
	return "", false
}

// BatchVerify verifies every eligible received message, pacing ledger reads
// through the rate limiter. Individual failures are counted and do not abort
// the batch.
func (e *Engine) BatchVerify(ctx context.Context) Summary {
	var summary Summary

	for _, m := range e.msgs.Snapshot() {
		if !m.CanVerify() {
			summary.Skipped++
			continue
		}

		e.limiter.Take()
		res, err := e.VerifyStored(ctx, m.ID)
		switch {
		case err != nil || res.Error != "":
			summary.Failed++
			if err != nil {
				jww.WARN.Printf("Batch verification of %s failed: %+v",
					m.ID, err)
			}
		case res.Expired:
			summary.Expired++
		case res.Verified:
			summary.Verified++
		default:
			summary.Failed++
		}
	}

	jww.INFO.Printf("Batch verification: %d verified, %d expired, %d "+
		"failed, %d skipped.",
		summary.Verified, summary.Expired, summary.Failed, summary.Skipped)
	return summary
}
