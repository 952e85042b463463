////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package catalog

import "time"

// BlockPeriod is the ledger's fixed block time. All calendar conversions of
// block counts assume this value.
const BlockPeriod = 6 * time.Second

const (
	// BlocksPerHour and BlocksPerDay convert the expiry window into calendar
	// time for display purposes.
	BlocksPerHour = uint64(time.Hour / BlockPeriod)
	BlocksPerDay  = 24 * BlocksPerHour

	// ExpiryWindowBlocks is the number of blocks after the commit block for
	// which an on-chain hash record is accepted as valid proof. Past this
	// window a record is expired and never reported verified, even on a hash
	// match.
	ExpiryWindowBlocks = BlocksPerDay
)

// HistoryBackfillLimit bounds how many entries a transport pulls from channel
// history on (re)connect to recover messages sent while offline.
const HistoryBackfillLimit = 100
