/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Process environment tests
 */

package main

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnvLoad tests environment parsing
func TestEnvLoad(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "1")
	t.Setenv("IPPD_CONF_DIR", "/tmp/ippd")

	e, err := EnvLoad()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ippd", e.ConfDir)
	assert.True(t, e.SocketActivated())

	// Sockets passed to other process
	e.ListenPID++
	assert.False(t, e.SocketActivated())

	// LISTEN_PID alone means fd 3
	e = Environment{ListenPID: os.Getpid()}
	assert.True(t, e.SocketActivated())

	// Explicitly no sockets passed
	zero := 0
	e = Environment{ListenPID: os.Getpid(), ListenFDs: &zero}
	assert.False(t, e.SocketActivated())
}

// TestEnvLoadListenPID tests socket activation without LISTEN_FDS
func TestEnvLoadListenPID(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "")
	os.Unsetenv("LISTEN_FDS")

	e, err := EnvLoad()
	require.NoError(t, err)

	assert.Nil(t, e.ListenFDs)
	assert.True(t, e.SocketActivated())

	t.Setenv("LISTEN_FDS", "0")
	e, err = EnvLoad()
	require.NoError(t, err)

	if assert.NotNil(t, e.ListenFDs) {
		assert.Equal(t, 0, *e.ListenFDs)
	}
	assert.False(t, e.SocketActivated())
}

// TestEnvLoadInvalid tests environment parsing errors
func TestEnvLoadInvalid(t *testing.T) {
	t.Setenv("LISTEN_FDS", "many")

	_, err := EnvLoad()
	assert.Error(t, err)
}
