// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/katzenpost/mixclient/sphinx"
)

// Recipient is the address of a mixnet client.
type Recipient struct {
	// ClientID is the identifier the gateway delivers to.
	ClientID [sphinx.NodeIDLength]byte

	// EncryptionKey is the client's x25519 payload key.
	EncryptionKey [32]byte

	// Gateway is the node identifier of the client's gateway.
	Gateway [sphinx.NodeIDLength]byte
}

var b64 = base64.RawURLEncoding

// String returns the textual address, clientID.encryptionKey@gateway.
func (r Recipient) String() string {
	return b64.EncodeToString(r.ClientID[:]) + "." + b64.EncodeToString(r.EncryptionKey[:]) +
		"@" + b64.EncodeToString(r.Gateway[:])
}

// ParseRecipient parses the textual form produced by Recipient.String.
func ParseRecipient(s string) (Recipient, error) {
	var r Recipient

	user, gw, ok := strings.Cut(s, "@")
	if !ok {
		return r, fmt.Errorf("%w: missing gateway", errInvalidRecipient)
	}
	id, key, ok := strings.Cut(user, ".")
	if !ok {
		return r, fmt.Errorf("%w: missing encryption key", errInvalidRecipient)
	}
	for _, f := range []struct {
		s   string
		dst []byte
	}{
		{id, r.ClientID[:]},
		{key, r.EncryptionKey[:]},
		{gw, r.Gateway[:]},
	} {
		b, err := b64.DecodeString(f.s)
		if err != nil || len(b) != len(f.dst) {
			return Recipient{}, errInvalidRecipient
		}
		copy(f.dst, b)
	}
	return r, nil
}
