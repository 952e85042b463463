////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// verifyCmd reconciles stored message hashes against the ledger: one message
// when an identifier is given, the whole timeline otherwise.
var verifyCmd = &cobra.Command{
	Use:   "verify [messageID]",
	Short: "Verify stored message hashes against the ledger",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, cleanup := initMessenger()
		defer cleanup()

		if len(args) == 1 {
			result, err := m.Engine().VerifyStored(
				context.Background(), args[0])
			if err != nil {
				jww.FATAL.Panicf("Verification of %s failed: %+v",
					args[0], err)
			}

			switch {
			case result.Expired:
				fmt.Printf("Message %s: EXPIRED (window elapsed at "+
					"block %d)\n", args[0],
					result.BlockNumber)
			case result.Verified:
				fmt.Printf("Message %s: VERIFIED in block %d, %d block(s) "+
					"before expiry\n", args[0], result.BlockNumber,
					result.BlocksRemaining)
			default:
				fmt.Printf("Message %s: FAILED (%s)\n", args[0], result.Error)
			}
			return
		}

		summary := m.Engine().BatchVerify(context.Background())
		fmt.Printf("Verified %d, failed %d, expired %d, skipped %d\n",
			summary.Verified, summary.Failed, summary.Expired,
			summary.Skipped)
	},
}
