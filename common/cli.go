// Package common provides the shared command line plumbing of the
// mixclient tools.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ErrConfigRequired is returned by commands that were not given a
// configuration file.
var ErrConfigRequired = errors.New("config file must be specified")

// Execute runs cmd under fang and exits the process with status 1 if the
// command fails.
func Execute(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(errorHandler(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// errorHandler prints err, followed by the usage of cmd when the error
// came from a malformed invocation.
func errorHandler(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if IsUsageError(err) {
			if helpFunc := cmd.HelpFunc(); helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

var usageErrorMarkers = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
}

// IsUsageError returns true if err was caused by the way the command was
// invoked rather than by what it did.
func IsUsageError(err error) bool {
	if errors.Is(err, ErrConfigRequired) {
		return true
	}
	s := err.Error()
	for _, m := range usageErrorMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
