/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Common test setup
 */

package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMain keeps tests off the system log file
func TestMain(m *testing.M) {
	Log.ToNowhere()
	Console.ToNowhere()
	AddrSetServer("localhost", HTTPUnprivilegedPort)

	os.Exit(m.Run())
}

// TestParseArgv tests command line parsing
func TestParseArgv(t *testing.T) {
	type testData struct {
		args   []string
		params RunParameters
	}

	tests := []testData{
		{nil, RunParameters{Mode: RunDebug}},
		{[]string{"standalone"}, RunParameters{Mode: RunStandalone}},
		{[]string{"check"}, RunParameters{Mode: RunCheck}},
		{[]string{"status", "-json"}, RunParameters{Mode: RunStatus, JSON: true}},
	}

	for _, test := range tests {
		assert.Equal(t, test.params, parseArgv(test.args),
			"parseArgv(%q)", test.args)
	}
}
