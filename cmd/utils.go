////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/anchorchat/client/event"
	"gitlab.com/anchorchat/client/ledger"
	"gitlab.com/anchorchat/client/messenger"
	"gitlab.com/anchorchat/client/storage/versioned"
	"gitlab.com/anchorchat/client/transport"
	"gitlab.com/anchorchat/client/transport/gossip"
	"gitlab.com/anchorchat/client/transport/relay"
)

// initMessenger builds the full client stack from the bound flags: session
// storage, the ledger gateway, the configured transports, and the logged-in
// identity. The returned cleanup logs the identity out.
func initMessenger() (*messenger.Messenger, func()) {
	initLog(viper.GetUint("logLevel"), viper.GetString("log"))
	jww.INFO.Printf("%s", Version())

	identity := viper.GetString("identity")
	if identity == "" {
		jww.FATAL.Panicf("No identity specified; use --identity.")
	}

	kv := openStorage(
		viper.GetString("session"), viper.GetString("password"))
	events := event.NewDispatcher()
	mux := transport.NewMultiplexer(events, buildTransports()...)

	// The in-memory ledger serves local and demo runs; a chain RPC adapter
	// takes its place when one is configured.
	chain := ledger.NewMemLedger()
	chain.SetSigner(identity)

	m := messenger.New(kv, chain, mux, events)
	if err := m.Login(identity); err != nil {
		jww.FATAL.Panicf("Failed to log in as %s: %+v", identity, err)
	}
	chain.RegisterProfile(identity, m.PublicKey())

	return m, m.Logout
}

// openStorage opens the encrypted session store, falling back to a volatile
// in-memory store when no session directory is configured.
func openStorage(baseDir, password string) *versioned.KV {
	if baseDir == "" {
		jww.WARN.Printf("No session directory set; state will not persist.")
		return versioned.NewKV(ekv.MakeMemstore())
	}

	fs, err := ekv.NewFilestore(baseDir, password)
	if err != nil {
		jww.FATAL.Panicf("Failed to open session storage at %s: %+v",
			baseDir, err)
	}
	return versioned.NewKV(fs)
}

// buildTransports assembles the optional delivery channels from the flags.
// Running with no transports at all is valid; delivery then rides on the
// ledger alone.
func buildTransports() []transport.Transport {
	var transports []transport.Transport

	if addr := viper.GetString("relay"); addr != "" {
		transports = append(transports, relay.New(addr, "", 0))
	}
	if listen := viper.GetString("gossip-listen"); listen != "" {
		transports = append(transports, gossip.New(listen,
			viper.GetString("namespace"),
			viper.GetStringSlice("gossip-peers")))
	}

	if len(transports) == 0 {
		jww.INFO.Printf("No transports configured; running ledger-only.")
	}
	return transports
}
