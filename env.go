/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Process environment
 */

package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Environment represents environment variables, ippd cares about
type Environment struct {
	ListenPID int    `env:"LISTEN_PID"`    // Socket activation: target pid
	ListenFDs *int   `env:"LISTEN_FDS"`    // Socket activation: fds passed
	ConfDir   string `env:"IPPD_CONF_DIR"` // Overrides PathConfDir
}

// EnvLoad parses the process environment
func EnvLoad() (Environment, error) {
	e, err := env.ParseAs[Environment]()
	if err != nil {
		return e, fmt.Errorf("environment: %w", err)
	}

	return e, nil
}

// SocketActivated tells if listening socket is passed to
// the process by the service manager.
//
// LISTEN_PID matching our pid is enough to use fd 3; only
// explicit LISTEN_FDS=0 disables socket activation
func (e Environment) SocketActivated() bool {
	if e.ListenPID != os.Getpid() {
		return false
	}
	return e.ListenFDs == nil || *e.ListenFDs >= 1
}
