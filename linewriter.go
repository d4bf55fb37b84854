/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * io.WriteCloser that feeds a logger line by line
 */

package main

import (
	"bytes"
)

// lineWriterMax is the maximum length of buffered incomplete line.
// Longer lines are split
const lineWriterMax = 4096

// LineWriter splits a byte stream into lines and passes each
// line, without trailing '\n', to Func.
//
// It is used to redirect stdlib loggers (i.e., http.Server.ErrorLog)
// into the ippd Logger
type LineWriter struct {
	Func    func([]byte) // Called for each line
	pending []byte       // Incomplete line
}

// Write implements io.Writer interface
func (lw *LineWriter) Write(text []byte) (int, error) {
	n := len(text)

	for {
		line, rest, found := bytes.Cut(text, []byte{'\n'})
		if !found {
			break
		}

		if len(lw.pending) != 0 {
			line = append(lw.pending, line...)
			lw.pending = lw.pending[:0]
		}

		lw.Func(line)
		text = rest
	}

	lw.pending = append(lw.pending, text...)
	for len(lw.pending) >= lineWriterMax {
		lw.Func(lw.pending[:lineWriterMax])
		lw.pending = append(lw.pending[:0], lw.pending[lineWriterMax:]...)
	}

	return n, nil
}

// Close implements io.Closer interface. It flushes
// incomplete line, if any
func (lw *LineWriter) Close() error {
	if len(lw.pending) != 0 {
		lw.Func(lw.pending)
		lw.pending = nil
	}
	return nil
}
