// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/client"
	"github.com/katzenpost/mixclient/client/config"
	"github.com/katzenpost/mixclient/common"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
	"github.com/katzenpost/mixclient/internal/profiling"
	"github.com/katzenpost/mixclient/topology"
)

func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return nil, common.ErrConfigRequired
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	return cfg, nil
}

func newInitCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the client's key material",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if err = os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
				return err
			}
			keys, err := client.NewKeys(rand.Reader)
			if err != nil {
				return err
			}
			if err = keys.Save(cfg.Storage.KeysPath()); err != nil {
				return fmt.Errorf("failed to write keys: %v", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), keys.Address(cfg.Gateway.NodeID()))
			return err
		},
	}
}

func newAddressCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address other clients send to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			keys, err := client.LoadKeys(cfg.Storage.KeysPath())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), keys.Address(cfg.Gateway.NodeID()))
			return err
		},
	}
}

// session is a running client with its ambient services.
type session struct {
	client  *client.Client
	metrics interface{ Close() error }
}

func (s *session) close() {
	s.client.Shutdown()
	s.client.Wait()
	if s.metrics != nil {
		s.metrics.Close()
	}
}

func startClient(ctx context.Context, cfg *config.Config) (*session, error) {
	keys, err := client.LoadKeys(cfg.Storage.KeysPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load keys, run init first: %v", err)
	}

	var fetcher topology.Fetcher
	if cfg.Directory.URL != "" {
		fetcher = topology.NewHTTPFetcher(cfg.Directory.URL, time.Duration(cfg.Directory.FetchTimeout)*time.Millisecond)
	} else {
		fetcher = topology.NewFileFetcher(cfg.Directory.File)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	logger := logBackend.GetLogger("mixclient")

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Gateway.DialTimeout)*time.Millisecond)
	defer cancel()
	gw, err := gateway.Dial(dialCtx, &gateway.DialConfig{
		Address:           cfg.Gateway.Address,
		ServerName:        cfg.Gateway.ServerName,
		VerifyCertificate: cfg.Gateway.VerifyCertificate,
		ClientID:          keys.ClientID,
	}, logBackend)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg, logBackend, gw, fetcher, keys)
	if err != nil {
		gw.Close()
		return nil, err
	}
	if err = c.Start(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}

	s := &session{client: c}
	if cfg.Metrics.Address != "" {
		srv, err := instrument.StartPrometheusListener(cfg.Metrics.Address, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.metrics = srv
	}
	if cfg.Debug.PyroscopeAddress != "" {
		if err = profiling.Start(logger, cfg.Debug.PyroscopeAddress, c.Address().String()); err != nil {
			logger.Warningf("Profiling disabled: %v", err)
		}
	}
	return s, nil
}

func newRunCommand(configFile *string) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client and print received messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := startClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to start client: %v", err)
			}
			defer s.close()
			go rotateOnHUP(ctx, s.client)

			fmt.Fprintf(cmd.ErrOrStderr(), "Listening as %v\n", s.client.Address())
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case f := <-s.client.DeliveryFailures():
						fmt.Fprintf(cmd.ErrOrStderr(), "Message %x to %v failed: %v\n", f.MessageID, f.Recipient, f.Reason)
					}
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				select {
				case <-ctx.Done():
				case err := <-s.client.FatalErrCh():
					errCh <- err
					stop()
				}
			}()

			out := cmd.OutOrStdout()
			for {
				m, err := s.client.NextReceived(ctx)
				if err != nil {
					select {
					case err = <-errCh:
						return err
					default:
					}
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if err = printMessage(out, m, raw); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write message bodies without framing")
	return cmd
}

func printMessage(w io.Writer, m *client.ReconstructedMessage, raw bool) error {
	if raw {
		_, err := w.Write(m.Data)
		return err
	}
	kind := "message"
	if m.IsReply {
		kind = "reply"
	}
	surb := "-"
	if m.ReplySURB != nil {
		surb = base64.RawURLEncoding.EncodeToString(m.ReplySURB.SURB)
	}
	_, err := fmt.Fprintf(w, "%s %s %s\n", kind, surb, base64.StdEncoding.EncodeToString(m.Data))
	return err
}

func rotateOnHUP(ctx context.Context, c *client.Client) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hupCh:
			c.RotateLog()
		}
	}
}

func newSendCommand(configFile *string) *cobra.Command {
	var (
		to      string
		surb    string
		reply   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (to == "") == (surb == "") {
				return errors.New("invalid argument: exactly one of --to and --surb is required")
			}
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}

			var m *client.InputMessage
			if to != "" {
				recipient, err := client.ParseRecipient(to)
				if err != nil {
					return fmt.Errorf("invalid argument: %v", err)
				}
				m = client.NewFreshMessage(recipient, data, reply)
			} else {
				b, err := base64.RawURLEncoding.DecodeString(surb)
				if err != nil {
					return fmt.Errorf("invalid argument: bad SURB: %v", err)
				}
				m = client.NewReplyMessage(&client.ReplySURB{SURB: b}, data)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			s, err := startClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to start client: %v", err)
			}
			defer s.close()

			if err = s.client.Submit(m); err != nil {
				return err
			}
			if err = waitSent(ctx, s.client); err != nil {
				return err
			}
			if !reply || to == "" {
				return nil
			}
			r, err := s.client.NextReceived(ctx)
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), r, false)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&surb, "surb", "", "reply on this SURB instead of sending a fresh message")
	cmd.Flags().BoolVar(&reply, "reply", false, "attach a reply SURB and wait for the reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

// waitSent blocks until the client is idle, failing if the message was
// given up on.
func waitSent(ctx context.Context, c *client.Client) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.FatalErrCh():
			return err
		case f := <-c.DeliveryFailures():
			return fmt.Errorf("message %x was not delivered: %w", f.MessageID, f.Reason)
		case <-ticker.C:
			if c.Idle() {
				return nil
			}
		}
	}
}
