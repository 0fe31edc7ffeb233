// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/katzenpost/mixclient/sphinx"
)

const flagReplySURB = 1 << 0

// ReplySURB is a single use reply block that lets its holder answer the
// message it came with without learning the sender's address.
type ReplySURB struct {
	SURB []byte
}

// InputMessage is an application message handed to Submit.  It is either
// a fresh message to a Recipient or a reply on a ReplySURB.
type InputMessage struct {
	recipient     Recipient
	replySURB     *ReplySURB
	data          []byte
	withReplySURB bool
}

// NewFreshMessage returns a message addressed to recipient.  If
// withReplySURB is set a reply block to this client is attached.
func NewFreshMessage(recipient Recipient, data []byte, withReplySURB bool) *InputMessage {
	return &InputMessage{
		recipient:     recipient,
		data:          data,
		withReplySURB: withReplySURB,
	}
}

// NewReplyMessage returns a reply sent on surb.
func NewReplyMessage(surb *ReplySURB, data []byte) *InputMessage {
	return &InputMessage{
		replySURB: surb,
		data:      data,
	}
}

// IsReply returns true for messages created by NewReplyMessage.
func (m *InputMessage) IsReply() bool {
	return m.replySURB != nil
}

func (m *InputMessage) validate() error {
	if m.IsReply() && len(m.replySURB.SURB) != sphinx.SURBLength {
		return ErrInvalidMessage
	}
	return nil
}

// ReconstructedMessage is a message delivered to the application.
type ReconstructedMessage struct {
	// Data is the message body.
	Data []byte

	// ReplySURB is set if the sender attached a reply block.
	ReplySURB *ReplySURB

	// IsReply is set if the message arrived on one of our reply blocks.
	IsReply bool
}

// DeliveryFailure reports a message that was given up on.
type DeliveryFailure struct {
	MessageID uint64
	Recipient Recipient
	Reason    error
}

func encodeMessage(data []byte, surb *ReplySURB) []byte {
	n := 1 + len(data)
	if surb != nil {
		n += sphinx.SURBLength
	}
	b := make([]byte, 1, n)
	if surb != nil {
		b[0] |= flagReplySURB
		b = append(b, surb.SURB...)
	}
	return append(b, data...)
}

func decodeMessage(b []byte) (*ReconstructedMessage, error) {
	if len(b) < 1 {
		return nil, errInvalidFraming
	}
	flags, b := b[0], b[1:]
	if flags&^flagReplySURB != 0 {
		return nil, errInvalidFraming
	}
	m := new(ReconstructedMessage)
	if flags&flagReplySURB != 0 {
		if len(b) < sphinx.SURBLength {
			return nil, errInvalidFraming
		}
		m.ReplySURB = &ReplySURB{SURB: append([]byte{}, b[:sphinx.SURBLength]...)}
		b = b[sphinx.SURBLength:]
	}
	m.Data = b
	return m, nil
}
