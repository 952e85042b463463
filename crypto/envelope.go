////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package crypto implements the authenticated public-key envelope used for
// message payloads and the content hash committed to the ledger. Each message
// is individually sealed for one recipient with the sender's secret key and a
// fresh random nonce (box-style authenticated encryption).
package crypto

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

// KeyLength is the length of public and secret encryption keys in bytes.
const KeyLength = 32

// NonceLength is the length of the per-message nonce in bytes. 24 bytes gives
// a 192-bit nonce space, so random generation never repeats in practice.
const NonceLength = 24

// ErrDecryptionFailed is returned when the authentication tag check fails:
// tampering, wrong keys, or a corrupted nonce. No partial plaintext is ever
// returned.
var ErrDecryptionFailed = errors.New(
	"decryption failed: authentication check rejected the envelope")

// Envelope is the {ciphertext, nonce} pair produced by Encrypt. Both fields
// are base64 strings, which is the form they take on the wire and the form
// the content hash is computed over.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Encrypt seals the plaintext for the holder of recipientPublicKey,
// authenticated by senderSecretKey. A fresh random nonce is generated on
// every call. Keys are base64 strings as stored in profiles and the key ring.
func Encrypt(plaintext, recipientPublicKey, senderSecretKey string) (
	Envelope, error) {
	pub, err := decodeKey(recipientPublicKey)
	if err != nil {
		return Envelope{}, errors.WithMessage(err,
			"invalid recipient public key")
	}
	sec, err := decodeKey(senderSecretKey)
	if err != nil {
		return Envelope{}, errors.WithMessage(err, "invalid sender secret key")
	}

	var nonce [NonceLength]byte
	if _, err = rand.Read(nonce[:]); err != nil {
		// Entropy source failure is not recoverable
		return Envelope{}, errors.WithMessage(err,
			"failed to generate envelope nonce")
	}

	sealed := box.Seal(nil, []byte(plaintext), &nonce, pub, sec)

	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// Decrypt opens the envelope sealed by the holder of senderPublicKey for the
// holder of recipientSecretKey. Returns ErrDecryptionFailed if the
// authentication check fails.
func Decrypt(env Envelope, senderPublicKey, recipientSecretKey string) (
	string, error) {
	pub, err := decodeKey(senderPublicKey)
	if err != nil {
		return "", errors.WithMessage(err, "invalid sender public key")
	}
	sec, err := decodeKey(recipientSecretKey)
	if err != nil {
		return "", errors.WithMessage(err, "invalid recipient secret key")
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", errors.WithMessage(err, "malformed envelope ciphertext")
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceBytes) != NonceLength {
		return "", ErrDecryptionFailed
	}

	var nonce [NonceLength]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := box.Open(nil, sealed, &nonce, pub, sec)
	if !ok {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

func decodeKey(key string) (*[KeyLength]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.WithMessage(err, "key is not valid base64")
	}
	if len(raw) != KeyLength {
		return nil, errors.Errorf("key is %d bytes; expected %d",
			len(raw), KeyLength)
	}

	var k [KeyLength]byte
	copy(k[:], raw)
	return &k, nil
}
