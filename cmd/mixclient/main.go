// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command mixclient is a standalone mixnet client.
package main

import (
	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/common"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "mixclient",
		Short: "Mixnet client",
		Long: `mixclient sends and receives messages over a Sphinx mix network.

Every message is split into fixed size packets that travel a random route
through the mix layers to the recipient's gateway.  Each packet carries an
acknowledgement, and unacknowledged packets are retransmitted.  A stream of
loop cover traffic and Poisson paced sending hide when real messages are
being sent.`,
		Example: `  # Generate key material and print the client's address
  mixclient init -c client.toml

  # Run the client, printing every received message
  mixclient run -c client.toml

  # Send a message read from stdin and wait for a reply
  echo hello | mixclient send -c client.toml --to <address> --reply`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to the client configuration file (TOML format)")

	cmd.AddCommand(
		newInitCommand(&configFile),
		newAddressCommand(&configFile),
		newRunCommand(&configFile),
		newSendCommand(&configFile),
	)
	return cmd
}

func main() {
	common.Execute(newRootCommand())
}
