////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/anchorchat/client/event"
	"gitlab.com/anchorchat/client/store"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands.
// It logs in the configured identity, optionally sends a message, and then
// waits for inbound messages.
var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "Runs a ledger-anchored encrypted messaging client",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if profileOut := viper.GetString("profile-cpu"); profileOut != "" {
			defer profile.Start(profile.CPUProfile,
				profile.ProfilePath(profileOut)).Stop()
		}

		m, cleanup := initMessenger()
		defer cleanup()

		var received int64
		m.Events().Register(event.MessageAdded, func(e event.Event) {
			msg, ok := m.Store().Get(e.MessageID)
			if !ok || msg.Direction != store.Incoming {
				return
			}
			atomic.AddInt64(&received, 1)
			fmt.Printf("Message received from %s: %s\n",
				msg.Sender, msg.DecryptedContent)
		})

		if msgBody := viper.GetString("message"); msgBody != "" {
			recipient := viper.GetString("destination")
			if recipient == "" {
				jww.FATAL.Panicf("No destination specified for message %q.",
					msgBody)
			}

			sendDelay := time.Duration(viper.GetUint("sendDelay"))
			for i := uint(0); i < viper.GetUint("sendCount"); i++ {
				sent, err := m.Send(context.Background(), recipient, msgBody)
				if err != nil {
					jww.ERROR.Printf("Send to %s failed: %+v", recipient, err)
					continue
				}
				jww.INFO.Printf("Sent message %s in block %d",
					sent.ID, sent.BlockNumber)
				time.Sleep(sendDelay * time.Millisecond)
			}
		}

		// Wait for the requested number of messages or the timeout
		expected := int64(viper.GetUint("receiveCount"))
		waitTimeout := time.Duration(viper.GetUint("waitTimeout")) *
			time.Second
		deadline := time.After(waitTimeout)
		for atomic.LoadInt64(&received) < expected {
			select {
			case <-deadline:
				jww.WARN.Printf("Timed out after %s waiting for %d "+
					"message(s); received %d.", waitTimeout, expected,
					atomic.LoadInt64(&received))
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	},
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	// NOTE: The point of init() is to be declarative.
	// There is one init in each sub command. Do not put variable declarations
	// here, and ensure all the Flags are of the *P variety, unless there's a
	// very good reason not to have them as local params to sub command."
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.PersistentFlags().StringP("session", "s", "",
		"Sets the initial storage directory for client session data")
	viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))

	rootCmd.PersistentFlags().StringP("password", "p", "",
		"Password to the session file")
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))

	rootCmd.PersistentFlags().StringP("identity", "i", "",
		"Address of the identity to log in as")
	viper.BindPFlag("identity", rootCmd.PersistentFlags().Lookup("identity"))

	rootCmd.PersistentFlags().StringP("relay", "r", "",
		"Address of the relay server (empty disables the relay transport)")
	viper.BindPFlag("relay", rootCmd.PersistentFlags().Lookup("relay"))

	rootCmd.PersistentFlags().String("gossip-listen", "",
		"Listen address for the gossip overlay (empty disables gossip)")
	viper.BindPFlag("gossip-listen",
		rootCmd.PersistentFlags().Lookup("gossip-listen"))

	rootCmd.PersistentFlags().StringSlice("gossip-peers", nil,
		"Static peer addresses for the gossip overlay")
	viper.BindPFlag("gossip-peers",
		rootCmd.PersistentFlags().Lookup("gossip-peers"))

	rootCmd.PersistentFlags().String("namespace", "anchorchat",
		"Gossip topic namespace")
	viper.BindPFlag("namespace",
		rootCmd.PersistentFlags().Lookup("namespace"))

	rootCmd.PersistentFlags().StringP("message", "m", "",
		"Message to send")
	viper.BindPFlag("message", rootCmd.PersistentFlags().Lookup("message"))

	rootCmd.PersistentFlags().StringP("destination", "d", "",
		"Address to send the message to")
	viper.BindPFlag("destination",
		rootCmd.PersistentFlags().Lookup("destination"))

	rootCmd.Flags().UintP("sendCount", "", 1,
		"The number of times to send the message")
	viper.BindPFlag("sendCount", rootCmd.Flags().Lookup("sendCount"))

	rootCmd.Flags().UintP("sendDelay", "", 500,
		"The delay between sending the messages in ms")
	viper.BindPFlag("sendDelay", rootCmd.Flags().Lookup("sendDelay"))

	rootCmd.Flags().UintP("receiveCount", "", 1,
		"How many messages we should wait for before quitting")
	viper.BindPFlag("receiveCount", rootCmd.Flags().Lookup("receiveCount"))

	rootCmd.Flags().UintP("waitTimeout", "", 15,
		"The number of seconds to wait for messages to arrive")
	viper.BindPFlag("waitTimeout", rootCmd.Flags().Lookup("waitTimeout"))

	rootCmd.Flags().String("profile-cpu", "",
		"Enable cpu profiling to this directory")
	viper.BindPFlag("profile-cpu", rootCmd.Flags().Lookup("profile-cpu"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {}
