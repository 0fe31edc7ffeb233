// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a dummy function that does nothing.
func Start(log *logging.Logger, serverAddress string, clientID string) error {
	if serverAddress != "" {
		log.Warning("Profiling requested but this binary was built without pyroscope support")
	}
	return nil
}
