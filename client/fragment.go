// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/binary"
	"math"
	"sort"
)

const (
	// MessageID(8) | Total(2) | Index(2) | DataLength(2)
	fragmentHeaderLength = 8 + 2 + 2 + 2

	fragmentIDLength = 8 + 2

	maxFragments = math.MaxUint16
)

// FragmentID identifies a fragment of a message.
type FragmentID struct {
	MessageID uint64
	Index     uint16
}

func (id FragmentID) bytes() []byte {
	b := make([]byte, fragmentIDLength)
	binary.BigEndian.PutUint64(b, id.MessageID)
	binary.BigEndian.PutUint16(b[8:], id.Index)
	return b
}

func fragmentIDFromBytes(b []byte) (FragmentID, error) {
	if len(b) != fragmentIDLength {
		return FragmentID{}, errInvalidAck
	}
	return FragmentID{
		MessageID: binary.BigEndian.Uint64(b),
		Index:     binary.BigEndian.Uint16(b[8:]),
	}, nil
}

// Fragment is one packet sized piece of a message.
type Fragment struct {
	MessageID uint64
	Index     uint16
	Total     uint16
	Data      []byte
}

// ID returns the fragment's identifier.
func (f *Fragment) ID() FragmentID {
	return FragmentID{MessageID: f.MessageID, Index: f.Index}
}

// marshal serializes the fragment, zero padding the data to capacity.
func (f *Fragment) marshal(capacity int) []byte {
	b := make([]byte, fragmentHeaderLength+capacity)
	binary.BigEndian.PutUint64(b, f.MessageID)
	binary.BigEndian.PutUint16(b[8:], f.Total)
	binary.BigEndian.PutUint16(b[10:], f.Index)
	binary.BigEndian.PutUint16(b[12:], uint16(len(f.Data)))
	copy(b[fragmentHeaderLength:], f.Data)
	return b
}

func unmarshalFragment(b []byte) (*Fragment, error) {
	if len(b) < fragmentHeaderLength {
		return nil, errInvalidFragment
	}
	f := &Fragment{
		MessageID: binary.BigEndian.Uint64(b),
		Total:     binary.BigEndian.Uint16(b[8:]),
		Index:     binary.BigEndian.Uint16(b[10:]),
	}
	n := int(binary.BigEndian.Uint16(b[12:]))
	b = b[fragmentHeaderLength:]
	if f.Total == 0 || f.Index >= f.Total || n > len(b) {
		return nil, errInvalidFragment
	}
	f.Data = append([]byte{}, b[:n]...)
	return f, nil
}

// fragmentMessage splits msg into fragments carrying at most capacity
// bytes each.  An empty message yields a single empty fragment.
func fragmentMessage(id uint64, msg []byte, capacity int) ([]*Fragment, error) {
	n := (len(msg) + capacity - 1) / capacity
	if n == 0 {
		n = 1
	}
	if n > maxFragments {
		return nil, ErrMessageTooLarge
	}
	frags := make([]*Fragment, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * capacity
		if end > len(msg) {
			end = len(msg)
		}
		frags = append(frags, &Fragment{
			MessageID: id,
			Index:     uint16(i),
			Total:     uint16(n),
			Data:      msg[i*capacity : end],
		})
	}
	return frags, nil
}

// reassemble concatenates a complete set of fragments in index order.
func reassemble(frags []*Fragment) []byte {
	sorted := make([]*Fragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	var n int
	for _, f := range sorted {
		n += len(f.Data)
	}
	b := make([]byte, 0, n)
	for _, f := range sorted {
		b = append(b, f.Data...)
	}
	return b
}
