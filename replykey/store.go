// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package replykey implements the persistent store of SURB decryption keys,
// keyed by SURB ID, with a simple boltdb based backend.
package replykey

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/mixclient/sphinx"
)

const (
	metadataBucket = "metadata"
	keysBucket     = "reply_keys"
	versionKey     = "version"

	storeVersion = 0
)

var (
	// ErrNotFound is returned by Take when no record exists for the ID,
	// either because it was never issued or because it was already used.
	ErrNotFound = errors.New("replykey: no record for SURB ID")

	// ErrExists is returned by Insert if the ID is already in use.
	ErrExists = errors.New("replykey: SURB ID already in use")
)

// SURBID is a SURB identifier.
type SURBID = [sphinx.SURBIDLength]byte

// Record is the reply key material for one issued SURB.
type Record struct {
	// Keys are the SURB decryption keys.
	Keys []byte

	// CreatedAt is the unix time at which the SURB was issued.
	CreatedAt int64
}

// Store is the reply key store.  It is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open creates (or loads) the store in the file f.  An unreadable or
// incompatible file is an error, the caller can not safely operate without
// the store.
func Open(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("replykey: failed to open '%s': %w", f, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Loaded as opposed to created.
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("replykey: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// Insert persists the keys for a newly issued SURB.
func (s *Store) Insert(id *SURBID, keys []byte) error {
	if id == nil || len(keys) == 0 {
		return errors.New("replykey: invalid record")
	}
	b, err := cbor.Marshal(&Record{
		Keys:      keys,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		if bkt.Get(id[:]) != nil {
			return ErrExists
		}
		return bkt.Put(id[:], b)
	})
}

// Take returns the record for id and deletes it in the same transaction,
// so that a SURB's keys can be used at most once even under concurrent
// replies.
func (s *Store) Take(id *SURBID) (*Record, error) {
	r := new(Record)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		b := bkt.Get(id[:])
		if b == nil {
			return ErrNotFound
		}
		// b is only valid for the life of the transaction.
		if err := cbor.Unmarshal(b, r); err != nil {
			return fmt.Errorf("replykey: corrupt record: %w", err)
		}
		return bkt.Delete(id[:])
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Len returns the number of outstanding records.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(keysBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes records issued before t, whose SURBs can no longer be
// expected to be used, along with any undecodable record.  It returns the
// number of records deleted.
func (s *Store) Prune(t time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))

		// Deleting while iterating with a cursor skips keys, so collect
		// first.
		var stale [][]byte
		r := new(Record)
		if err := bkt.ForEach(func(k, v []byte) error {
			if err := cbor.Unmarshal(v, r); err != nil || r.CreatedAt < t.Unix() {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
