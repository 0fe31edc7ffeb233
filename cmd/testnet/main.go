// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command testnet runs an in process mixnet behind a QUIC gateway and an
// HTTP directory, for local mixclient deployments.
package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/common"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/testnet"
	"github.com/katzenpost/mixclient/topology"
)

type options struct {
	layers        int
	nodesPerLayer int
	gatewayAddr   string
	directoryAddr string
	logLevel      string
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "testnet",
		Short: "Run a local test mixnet",
		Long: `testnet runs every mix and the gateway of a small mix network in one
process.  Clients connect to the gateway over QUIC and fetch the topology
from the HTTP directory.  Packets are not delayed.`,
		Example: `  # Three layers of two mixes, gateway on 4433, directory on 8080
  testnet --gateway 127.0.0.1:4433 --directory 127.0.0.1:8080`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.layers, "layers", 3, "number of mix layers")
	cmd.Flags().IntVar(&opts.nodesPerLayer, "nodes", 2, "number of mixes per layer")
	cmd.Flags().StringVar(&opts.gatewayAddr, "gateway", "127.0.0.1:4433", "QUIC gateway listen address")
	cmd.Flags().StringVar(&opts.directoryAddr, "directory", "127.0.0.1:8080", "HTTP directory listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "NOTICE", "log level")
	return cmd
}

func main() {
	common.Execute(newRootCommand())
}

func run(cmd *cobra.Command, opts options) error {
	logBackend, err := log.New("", opts.logLevel, false)
	if err != nil {
		return fmt.Errorf("invalid argument: %v", err)
	}
	logger := logBackend.GetLogger("testnet")

	n, err := testnet.New(opts.layers, opts.nodesPerLayer, 1, logBackend)
	if err != nil {
		return err
	}
	defer n.Close()

	tlsConf, err := gateway.GenerateTLSConfig()
	if err != nil {
		return err
	}
	l, err := n.Serve(opts.gatewayAddr, tlsConf)
	if err != nil {
		return err
	}
	defer l.Close()

	ln, err := net.Listen("tcp", opts.directoryAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           topology.Handler(n.Topology),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Directory failed: %v", err)
		}
	}()
	defer srv.Close()

	gw := n.Gateway(0)
	fmt.Fprintf(cmd.OutOrStdout(), `[Gateway]
  Address = %q
  ID = %q

[Directory]
  URL = %q
`, l.Addr().String(), base64.RawURLEncoding.EncodeToString(gw[:]), "http://"+ln.Addr().String()+"/")

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	logger.Notice("Shutting down.")
	return nil
}
