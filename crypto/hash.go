////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashContent computes the BLAKE2b-256 content hash committed to the ledger.
// The input is the concatenation ciphertext ++ nonce, both in their base64
// string forms, in exactly that order. The ordering is a wire-format contract
// with the on-chain verifier and must match bit-for-bit.
func HashContent(ciphertext, nonce string) string {
	digest := blake2b.Sum256([]byte(ciphertext + nonce))
	return hex.EncodeToString(digest[:])
}

// HashEnvelope computes the content hash of an Envelope.
func HashEnvelope(env Envelope) string {
	return HashContent(env.Ciphertext, env.Nonce)
}

// NormalizeHash lowercases a hex hash and strips an optional 0x prefix so
// that hashes from different sources compare equal. Comparison of ledger
// records against locally computed hashes is always done on normalized
// values.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "0x")
}
