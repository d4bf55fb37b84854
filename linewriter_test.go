/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * LineWriter tests
 */

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// testLineWriter creates LineWriter that collects lines
func testLineWriter(lines *[]string) *LineWriter {
	return &LineWriter{
		Func: func(line []byte) {
			*lines = append(*lines, string(line))
		},
	}
}

// TestLineWriter tests line splitting
func TestLineWriter(t *testing.T) {
	var lines []string
	lw := testLineWriter(&lines)

	n, err := lw.Write([]byte("hello, "))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Empty(t, lines)

	lw.Write([]byte("world\nsecond\n\nthi"))
	assert.Equal(t, []string{"hello, world", "second", ""}, lines)

	lw.Write([]byte("rd"))
	lw.Close()
	assert.Equal(t, []string{"hello, world", "second", "", "third"}, lines)

	// Close is idempotent
	lw.Close()
	assert.Len(t, lines, 4)
}

// TestLineWriterLong tests splitting of very long lines
func TestLineWriterLong(t *testing.T) {
	var lines []string
	lw := testLineWriter(&lines)

	long := strings.Repeat("x", lineWriterMax*2+10)
	lw.Write([]byte(long))

	assert.Len(t, lines, 2)
	lw.Write([]byte("\n"))

	if assert.Len(t, lines, 3) {
		assert.Equal(t, lineWriterMax, len(lines[0]))
		assert.Equal(t, lineWriterMax, len(lines[1]))
		assert.Equal(t, 10, len(lines[2]))
	}
}
