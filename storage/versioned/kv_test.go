////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"bytes"
	"testing"

	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/primitives/netTime"
)

// Tests that a stored object can be loaded back unchanged.
func TestKV_SetGet(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())
	original := &Object{
		Version:   0,
		Timestamp: netTime.Now(),
		Data:      []byte("arbitrary data"),
	}

	if err := kv.Set("test", original); err != nil {
		t.Fatalf("Failed to set: %+v", err)
	}

	loaded, err := kv.Get("test", 0)
	if err != nil {
		t.Fatalf("Failed to get: %+v", err)
	}
	if !bytes.Equal(loaded.Data, original.Data) {
		t.Errorf("Loaded data does not match stored."+
			"\nexpected: %q\nreceived: %q", original.Data, loaded.Data)
	}
}

// Tests that a missing key is reported as not existing.
func TestKV_Get_Missing(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())

	_, err := kv.Get("missing", 0)
	if err == nil {
		t.Fatal("Expected an error for a missing key.")
	}
	if kv.Exists(err) {
		t.Errorf("Exists reported true for a missing key: %+v", err)
	}
}

// Tests that prefixed views do not collide and share the backend.
func TestKV_Prefix(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())
	a := kv.Prefix(MakeIdentityPrefix("5Gr..A"))
	b := kv.Prefix(MakeIdentityPrefix("5Gr..B"))

	obj := &Object{Version: 0, Timestamp: netTime.Now(), Data: []byte("a")}
	if err := a.Set("key", obj); err != nil {
		t.Fatalf("Failed to set: %+v", err)
	}

	if _, err := b.Get("key", 0); err == nil {
		t.Error("Key stored under prefix A is visible under prefix B.")
	}

	if a.GetFullKey("key", 0) == b.GetFullKey("key", 0) {
		t.Error("Full keys under different prefixes collide.")
	}
}

// Tests that Delete removes the key.
func TestKV_Delete(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())
	obj := &Object{Version: 0, Timestamp: netTime.Now(), Data: []byte("a")}

	if err := kv.Set("key", obj); err != nil {
		t.Fatalf("Failed to set: %+v", err)
	}
	if err := kv.Delete("key", 0); err != nil {
		t.Fatalf("Failed to delete: %+v", err)
	}
	if _, err := kv.Get("key", 0); err == nil {
		t.Error("Key still present after Delete.")
	}
}
