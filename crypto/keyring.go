////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/anchorchat/client/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
	"golang.org/x/crypto/nacl/box"
)

const (
	keyPairStorageKey     = "encryptionKeyPair"
	keyPairStorageVersion = 0
)

// KeyPair holds one identity's encryption key pair, base64-encoded. The
// secret key never leaves local storage; regenerating a pair makes prior
// history undecryptable under the new key.
type KeyPair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// GenerateKeyPair produces a fresh key pair for the box encryption scheme.
// It fails only on entropy-source failure, which is fatal for the caller.
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate key pair")
	}

	return &KeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(pub[:]),
		SecretKey: base64.StdEncoding.EncodeToString(sec[:]),
	}, nil
}

// KeyRing owns the active identity's key pair and its persistence. One pair
// is stored per identity address, namespaced under the identity's storage
// prefix. A legacy layout that kept a single shared pair for all identities
// is adopted by the first identity to load and then removed so later
// identities generate their own pairs.
type KeyRing struct {
	kv      *versioned.KV
	active  *KeyPair
	address string
	mux     sync.RWMutex
}

// NewKeyRing creates a KeyRing over the root storage KV. No identity is
// active until Load is called.
func NewKeyRing(kv *versioned.KV) *KeyRing {
	return &KeyRing{kv: kv}
}

// Load activates the key pair for the given identity address, generating and
// persisting a fresh pair on first use.
func (kr *KeyRing) Load(address string) (*KeyPair, error) {
	kr.mux.Lock()
	defer kr.mux.Unlock()

	ikv := kr.kv.Prefix(versioned.MakeIdentityPrefix(address))

	pair, err := loadKeyPair(ikv)
	if err == nil {
		kr.active, kr.address = pair, address
		return pair, nil
	}
	if ikv.Exists(err) {
		return nil, errors.WithMessagef(err,
			"failed to load key pair for %s", address)
	}

	// No namespaced pair; adopt the legacy shared pair if one exists
	if pair, err = loadKeyPair(kr.kv); err == nil {
		jww.INFO.Printf("Migrating legacy shared key pair to identity %s.",
			address)
		if err = saveKeyPair(ikv, pair); err != nil {
			return nil, errors.WithMessage(err,
				"failed to store migrated key pair")
		}
		if err = kr.kv.Delete(
			keyPairStorageKey, keyPairStorageVersion); err != nil {
			jww.WARN.Printf("Failed to remove legacy key pair: %+v", err)
		}
		kr.active, kr.address = pair, address
		return pair, nil
	}

	pair, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err = saveKeyPair(ikv, pair); err != nil {
		return nil, errors.WithMessagef(err,
			"failed to store new key pair for %s", address)
	}

	jww.INFO.Printf("Generated new encryption key pair for identity %s.",
		address)
	kr.active, kr.address = pair, address
	return pair, nil
}

// Active returns the active key pair, or nil when no identity is loaded.
func (kr *KeyRing) Active() *KeyPair {
	kr.mux.RLock()
	defer kr.mux.RUnlock()
	return kr.active
}

// Address returns the identity address the active pair belongs to.
func (kr *KeyRing) Address() string {
	kr.mux.RLock()
	defer kr.mux.RUnlock()
	return kr.address
}

// Clear drops the active pair from memory. Stored pairs are untouched.
func (kr *KeyRing) Clear() {
	kr.mux.Lock()
	kr.active, kr.address = nil, ""
	kr.mux.Unlock()
}

func loadKeyPair(kv *versioned.KV) (*KeyPair, error) {
	obj, err := kv.Get(keyPairStorageKey, keyPairStorageVersion)
	if err != nil {
		return nil, err
	}

	pair := &KeyPair{}
	if err = json.Unmarshal(obj.Data, pair); err != nil {
		return nil, errors.WithMessage(err, "corrupt stored key pair")
	}
	return pair, nil
}

func saveKeyPair(kv *versioned.KV, pair *KeyPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return err
	}

	return kv.Set(keyPairStorageKey, &versioned.Object{
		Version:   keyPairStorageVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}
