// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"crypto/sha256"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/mixclient/sphinx"
)

const (
	payloadKDFInfo = "katzenpost-mixclient-payload-v1"

	ephemeralKeyLength = 32

	// sealOverhead is the ephemeral public key and the AEAD tag.
	sealOverhead = ephemeralKeyLength + chacha20poly1305.Overhead

	ackCiphertextLength = chacha20poly1305.NonceSize + fragmentIDLength + chacha20poly1305.Overhead
)

func payloadKey(sharedSecret, ephemeral []byte) []byte {
	k := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, sharedSecret, ephemeral, []byte(payloadKDFInfo))
	if _, err := io.ReadFull(r, k); err != nil {
		panic("client: BUG: hkdf output exhausted: " + err.Error())
	}
	return k
}

// seal encrypts plaintext to the recipient's x25519 key under a fresh
// ephemeral key.  The key is single use so the nonce is fixed.
func seal(rng io.Reader, recipientKey, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := sphinx.NewKeypair(rng)
	if err != nil {
		return nil, err
	}
	defer wipe(ephPriv)
	ss, err := sphinx.SharedSecret(ephPriv, recipientKey)
	if err != nil {
		return nil, err
	}
	defer wipe(ss)

	aead, err := chacha20poly1305.New(payloadKey(ss, ephPub))
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	var nonce [chacha20poly1305.NonceSize]byte
	out := make([]byte, 0, len(ephPub)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, ephPub...)
	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

func unseal(privateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, errUnsealFailed
	}
	ephPub := sealed[:ephemeralKeyLength]
	ss, err := sphinx.SharedSecret(privateKey, ephPub)
	if err != nil {
		return nil, errUnsealFailed
	}
	defer wipe(ss)

	aead, err := chacha20poly1305.New(payloadKey(ss, ephPub))
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], sealed[ephemeralKeyLength:], nil)
	if err != nil {
		return nil, errUnsealFailed
	}
	return pt, nil
}

// sealAck encrypts a fragment identifier so that only this client can
// recognize its own acknowledgements.
func sealAck(rng io.Reader, key *[32]byte, id FragmentID) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	nonce := make([]byte, chacha20poly1305.NonceSize, ackCiphertextLength)
	if _, err = io.ReadFull(rng, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, id.bytes(), nil), nil
}

func openAck(key *[32]byte, payload []byte) (FragmentID, error) {
	if len(payload) < ackCiphertextLength {
		return FragmentID{}, errInvalidAck
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return FragmentID{}, err
	}
	defer aead.Reset()
	nonce := payload[:chacha20poly1305.NonceSize]
	pt, err := aead.Open(nil, nonce, payload[chacha20poly1305.NonceSize:ackCiphertextLength], nil)
	if err != nil {
		return FragmentID{}, errInvalidAck
	}
	return fragmentIDFromBytes(pt)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
