// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import "errors"

var (
	// ErrShutdown is returned by operations on a client that is halting.
	ErrShutdown = errors.New("client: shutdown requested")

	// ErrReceiverBusy is returned by NextReceived when another caller is
	// already waiting for messages.
	ErrReceiverBusy = errors.New("client: a receiver is already registered")

	// ErrReplyTooLarge is returned by Submit for a reply that does not fit
	// in a single packet.
	ErrReplyTooLarge = errors.New("client: reply does not fit in a single packet")

	// ErrMessageTooLarge is returned by Submit for a message that needs
	// more fragments than can be numbered.
	ErrMessageTooLarge = errors.New("client: message too large")

	// ErrInvalidMessage is returned by Submit for a malformed message.
	ErrInvalidMessage = errors.New("client: invalid message")

	// ErrRetransmissionsExhausted is the reason carried by a DeliveryFailure
	// when a fragment was never acknowledged.
	ErrRetransmissionsExhausted = errors.New("client: retransmission budget exhausted")

	errInvalidRecipient = errors.New("client: invalid recipient address")
	errInvalidFragment  = errors.New("client: invalid fragment")
	errInvalidFraming   = errors.New("client: invalid message framing")
	errInvalidAck       = errors.New("client: invalid acknowledgement")
	errUnsealFailed     = errors.New("client: failed to unseal payload")
)
