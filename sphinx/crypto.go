// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/aez.git"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	kdfInfo = "katzenpost-mixclient-sphinx-v1"

	streamKeyLength   = chacha20.KeySize
	streamNonceLength = chacha20.NonceSize
)

var (
	nikeScheme = ecdh.Scheme(rand.Reader)
	zeroNonce  [chacha20poly1305.NonceSize]byte
)

type hopKeys struct {
	headerKey   [chacha20poly1305.KeySize]byte
	streamKey   [streamKeyLength]byte
	streamNonce [streamNonceLength]byte
	sprpKey     [sprpKeyLength]byte
	sprpIV      [sprpIVLength]byte
}

func deriveHopKeys(sharedSecret []byte) *hopKeys {
	k := new(hopKeys)
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(kdfInfo))
	for _, dst := range [][]byte{k.headerKey[:], k.streamKey[:], k.streamNonce[:], k.sprpKey[:], k.sprpIV[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			panic("sphinx: BUG: hkdf output exhausted: " + err.Error())
		}
	}
	return k
}

func (k *hopKeys) Reset() {
	for _, b := range [][]byte{k.headerKey[:], k.streamKey[:], k.streamNonce[:], k.sprpKey[:], k.sprpIV[:]} {
		explicitBzero(b)
	}
}

func (k *hopKeys) keyStream(n int) []byte {
	c, err := chacha20.NewUnauthenticatedCipher(k.streamKey[:], k.streamNonce[:])
	if err != nil {
		panic("sphinx: BUG: " + err.Error())
	}
	b := make([]byte, n)
	c.XORKeyStream(b, b)
	return b
}

func (k *hopKeys) sealCommand(cmd []byte) []byte {
	aead, err := chacha20poly1305.New(k.headerKey[:])
	if err != nil {
		panic("sphinx: BUG: " + err.Error())
	}
	return aead.Seal(nil, zeroNonce[:], cmd, nil)
}

func (k *hopKeys) openCommand(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.headerKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce[:], sealed, nil)
}

func sprpEncrypt(key []byte, iv []byte, msg []byte) []byte {
	return aez.Encrypt(key, iv, nil, 0, msg, nil)
}

func sprpDecrypt(key []byte, iv []byte, msg []byte) []byte {
	dst, ok := aez.Decrypt(key, iv, nil, 0, msg, nil)
	if !ok {
		// aez.Decrypt can only fail on tag mismatch, and tau is 0.
		panic("sphinx: BUG: aez.Decrypt failed with tau = 0")
	}
	return dst
}

func xorBytes(dst, a, b []byte) {
	subtle.XORBytes(dst, a, b)
}

func isZero(b []byte) bool {
	var v byte
	for _, c := range b {
		v |= c
	}
	return subtle.ConstantTimeByteEq(v, 0) == 1
}

func explicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewKeypair generates a node or client x25519 keypair, returned as raw
// public and private key bytes.
func NewKeypair(rng io.Reader) (publicKey []byte, privateKey []byte, err error) {
	pub, priv, err := nikeScheme.GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, nil, err
	}
	return pub.Bytes(), priv.Bytes(), nil
}

// SharedSecret computes the x25519 shared secret of the raw private and
// public keys.
func SharedSecret(privateKey, publicKey []byte) ([]byte, error) {
	priv, err := nikeScheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	pub, err := nikeScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return nikeScheme.DeriveSecret(priv, pub), nil
}
