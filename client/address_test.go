// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestRecipientString(t *testing.T) {
	require := require.New(t)

	keys, err := NewKeys(rand.Reader)
	require.NoError(err)
	r := keys.Address([32]byte{1, 2, 3})

	s := r.String()
	require.Equal(1, strings.Count(s, "@"))
	parsed, err := ParseRecipient(s)
	require.NoError(err)
	require.Equal(r, parsed)

	for _, bad := range []string{
		"",
		"no-gateway",
		"noKey@" + strings.Split(s, "@")[1],
		strings.Replace(s, ".", ".AA", 1),
		s + "A",
		"!!." + strings.SplitN(s, ".", 2)[1],
	} {
		_, err := ParseRecipient(bad)
		require.Error(err, bad)
	}
}

func TestKeysPersistence(t *testing.T) {
	require := require.New(t)

	keys, err := NewKeys(rand.Reader)
	require.NoError(err)
	path := filepath.Join(t.TempDir(), "keys.cbor")
	require.NoError(keys.Save(path))

	loaded, err := LoadKeys(path)
	require.NoError(err)
	require.Equal(keys, loaded)

	// Existing key material is never overwritten.
	require.Error(keys.Save(path))
}
