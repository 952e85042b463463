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
	"github.com/spf13/viper"
)

func init() {
	contactsCmd.Flags().BoolP("approve", "a", false,
		"Record approval of the given address on the ledger")
	viper.BindPFlag("approve", contactsCmd.Flags().Lookup("approve"))

	rootCmd.AddCommand(contactsCmd)
}

// contactsCmd reads or updates the on-chain approval relationship with
// another address.
var contactsCmd = &cobra.Command{
	Use:   "contacts <address>",
	Short: "Show or approve a contact relationship",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, cleanup := initMessenger()
		defer cleanup()

		address := args[0]
		var err error
		if viper.GetBool("approve") {
			_, err = m.Approve(context.Background(), address)
			if err != nil {
				jww.FATAL.Panicf("Failed to approve %s: %+v", address, err)
			}
		}

		c, err := m.Contact(context.Background(), address)
		if err != nil {
			jww.FATAL.Panicf("Failed to look up contact %s: %+v",
				address, err)
		}

		fmt.Printf("Contact %s: %s (approved by me: %t, by them: %t)\n",
			c.Address, c.Status, c.ApprovedByMe, c.ApprovedByThem)
	},
}
