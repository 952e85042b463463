////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/anchorchat/client/store"
)

func init() {
	messagesCmd.Flags().StringP("filter", "f", "all",
		"Timeline filter: all, verified, unverified, or expired")
	viper.BindPFlag("filter", messagesCmd.Flags().Lookup("filter"))

	rootCmd.AddCommand(messagesCmd)
}

// messagesCmd prints the conversation timeline with another address.
var messagesCmd = &cobra.Command{
	Use:   "messages <address>",
	Short: "List the conversation with an address",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, cleanup := initMessenger()
		defer cleanup()

		filter, err := store.ParseFilter(viper.GetString("filter"))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}

		msgs := m.Conversation(args[0], filter)
		for _, msg := range msgs {
			marker := " "
			switch {
			case msg.Expired:
				marker = "x"
			case msg.Verified && msg.Direction == store.Incoming:
				marker = "*"
			}
			fmt.Printf("[%s] %s %s %s: %s\n", marker,
				msg.Timestamp.Format("2006-01-02 15:04:05"),
				msg.Direction, msg.Sender, msg.DecryptedContent)
		}
		fmt.Printf("%d message(s)\n", len(msgs))
	},
}
