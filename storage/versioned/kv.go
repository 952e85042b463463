////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"fmt"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

// PrefixSeparator separates nested prefixes in a fully qualified key.
const PrefixSeparator = "/"

// MakeIdentityPrefix creates the string prefix that namespaces all state
// belonging to one identity address. Everything an identity owns (key pair,
// message timeline) lives under its prefix so that switching identities swaps
// storage wholesale.
func MakeIdentityPrefix(address string) string {
	return fmt.Sprintf("Identity:%s", address)
}

// KV stores Objects under string keys with a version suffix, layered over an
// ekv.KeyValue backend. Prefixed views share the same backend.
type KV struct {
	data   ekv.KeyValue
	prefix string
}

// NewKV creates a versioned key-value store backed by anything implementing
// ekv.KeyValue.
func NewKV(data ekv.KeyValue) *KV {
	return &KV{data: data}
}

// Get returns the Object stored at the given key and version.
func (v *KV) Get(key string, version uint64) (*Object, error) {
	key = v.makeKey(key, version)
	jww.TRACE.Printf("get %p with key %v", v.data, key)
	result := Object{}
	if err := v.data.Get(key, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Set upserts the Object at the given key, using the Object's own version in
// the stored key.
func (v *KV) Set(key string, object *Object) error {
	key = v.makeKey(key, object.Version)
	jww.TRACE.Printf("set %p with key %v", v.data, key)
	return v.data.Set(key, object)
}

// Delete removes the given key and version from the data store.
func (v *KV) Delete(key string, version uint64) error {
	key = v.makeKey(key, version)
	jww.TRACE.Printf("delete %p with key %v", v.data, key)
	return v.data.Delete(key)
}

// Prefix returns a view of the KV with the given prefix appended. The view
// shares the backend with its parent.
func (v *KV) Prefix(prefix string) *KV {
	return &KV{
		data:   v.data,
		prefix: v.prefix + prefix + PrefixSeparator,
	}
}

// GetPrefix returns the accumulated prefix of the KV.
func (v *KV) GetPrefix() string {
	return v.prefix
}

// IsMemStore returns true if the underlying backend is an in-memory store.
func (v *KV) IsMemStore() bool {
	_, success := v.data.(*ekv.Memstore)
	return success
}

// GetFullKey returns the key with all prefixes and the version suffix
// applied, as it appears in the backend.
func (v *KV) GetFullKey(key string, version uint64) string {
	return v.makeKey(key, version)
}

func (v *KV) makeKey(key string, version uint64) string {
	return fmt.Sprintf("%s%s_%d", v.prefix, key, version)
}

// Exists returns false if the error indicates the element does not exist.
func (v *KV) Exists(err error) bool {
	return ekv.Exists(err)
}
