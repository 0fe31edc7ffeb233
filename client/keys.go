// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/mixclient/sphinx"
)

// Keys is the long term key material of a client.
type Keys struct {
	ClientID             [sphinx.NodeIDLength]byte
	EncryptionPublicKey  []byte
	EncryptionPrivateKey []byte
	AckKey               [32]byte
}

// NewKeys generates fresh key material.
func NewKeys(rng io.Reader) (*Keys, error) {
	k := new(Keys)
	if _, err := io.ReadFull(rng, k.ClientID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rng, k.AckKey[:]); err != nil {
		return nil, err
	}
	var err error
	if k.EncryptionPublicKey, k.EncryptionPrivateKey, err = sphinx.NewKeypair(rng); err != nil {
		return nil, err
	}
	return k, nil
}

// Address returns the client's address behind gateway.
func (k *Keys) Address(gateway [sphinx.NodeIDLength]byte) Recipient {
	r := Recipient{ClientID: k.ClientID, Gateway: gateway}
	copy(r.EncryptionKey[:], k.EncryptionPublicKey)
	return r
}

func (k *Keys) validate() error {
	if len(k.EncryptionPublicKey) != 32 || len(k.EncryptionPrivateKey) != 32 {
		return errors.New("client: malformed key material")
	}
	return nil
}

// LoadKeys reads key material written by Save.
func LoadKeys(path string) (*Keys, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k := new(Keys)
	if err = cbor.Unmarshal(b, k); err != nil {
		return nil, err
	}
	if err = k.validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Save writes the key material to path, which must not exist.
func (k *Keys) Save(path string) error {
	b, err := cbor.Marshal(k)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err = f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
