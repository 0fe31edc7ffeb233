package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	for _, err := range []error{
		errors.New(`unknown flag: --bogus`),
		errors.New(`accepts 1 arg(s), received 2`),
		fmt.Errorf("failed to load config file 'x.toml': %w", errors.New("no such file")),
		fmt.Errorf("run: %w", ErrConfigRequired),
	} {
		require.True(IsUsageError(err), err.Error())
	}

	for _, err := range []error{
		errors.New("gateway: dial 127.0.0.1:4433: timeout"),
		errors.New("topology: not routable"),
	} {
		require.False(IsUsageError(err), err.Error())
	}
}
