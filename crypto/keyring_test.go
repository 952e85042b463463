////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/anchorchat/client/storage/versioned"
)

// Tests that a generated pair is persisted and loaded back on the next Load
// for the same identity.
func TestKeyRing_LoadPersists(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())

	kr := NewKeyRing(kv)
	first, err := kr.Load("5GrAlice")
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.SecretKey)

	// A fresh key ring over the same backend must load the same pair
	reloaded, err := NewKeyRing(kv).Load("5GrAlice")
	require.NoError(t, err)
	require.Equal(t, first, reloaded)
}

// Tests that different identities get different pairs.
func TestKeyRing_PerIdentity(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	kr := NewKeyRing(kv)

	alice, err := kr.Load("5GrAlice")
	require.NoError(t, err)
	bob, err := kr.Load("5GrBob")
	require.NoError(t, err)

	require.NotEqual(t, alice.PublicKey, bob.PublicKey)
	require.Equal(t, "5GrBob", kr.Address())
}

// Tests that a legacy un-namespaced pair is adopted by the first identity to
// load and that a second identity then generates its own pair instead of
// sharing it.
func TestKeyRing_LegacyMigration(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())

	legacy, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, saveKeyPair(kv, legacy))

	kr := NewKeyRing(kv)
	adopted, err := kr.Load("5GrAlice")
	require.NoError(t, err)
	require.Equal(t, legacy, adopted)

	// The legacy slot must be gone after adoption
	_, err = loadKeyPair(kv)
	require.Error(t, err)

	second, err := kr.Load("5GrBob")
	require.NoError(t, err)
	require.NotEqual(t, legacy.PublicKey, second.PublicKey)
}
