////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package transport

import (
	"time"

	"gitlab.com/anchorchat/client/crypto"
)

// Payload is the wire format carried by the auxiliary transports. It is a
// latency optimization only; the ledger commit remains the source of truth
// for durability and verification.
type Payload struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	EncryptedData  crypto.Envelope `json:"encryptedData"`
	MessageHash    string          `json:"messageHash"`
	BlockNumber    uint64          `json:"blockNumber,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Confirmation is the best-effort delivery receipt published back to the
// sender's confirmation channel. It is a transport-level hint and never
// authoritative over ledger-driven verification state.
type Confirmation struct {
	MessageID string    `json:"messageId"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

// InboxChannel names the relay channel a given address receives messages on.
func InboxChannel(address string) string {
	return "inbox-" + address
}

// ConfirmationChannel names the relay channel a given address receives
// delivery confirmations on.
func ConfirmationChannel(address string) string {
	return "confirmations-" + address
}

// GossipTopic names the gossip-overlay topic for a given address within a
// namespace.
func GossipTopic(namespace, address string) string {
	return namespace + "/inbox/" + address
}
