// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import (
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// StartPrometheusListener does nothing
func StartPrometheusListener(address string, log *logging.Logger) (*http.Server, error) {
	log.Notice("Prometheus support is disabled")
	return nil, nil
}

// TopologyRefresh does nothing
func TopologyRefresh(ok bool) {}

// TopologyAge does nothing
func TopologyAge(d time.Duration) {}

// PacketSent does nothing
func PacketSent(kind string) {}

// SenderQueueLength does nothing
func SenderQueueLength(n int) {}

// AckReceived does nothing
func AckReceived(matched bool) {}

// Retransmission does nothing
func Retransmission() {}

// PendingAcks does nothing
func PendingAcks(n int) {}

// MessageFailed does nothing
func MessageFailed() {}

// PacketReceived does nothing
func PacketReceived(kind string) {}

// PacketDropped does nothing
func PacketDropped(reason string) {}

// MessageReassembled does nothing
func MessageReassembled() {}

// ReassemblyEvicted does nothing
func ReassemblyEvicted(n int) {}

// ReassemblyPending does nothing
func ReassemblyPending(n int) {}

// MessagesBuffered does nothing
func MessagesBuffered(n int) {}
