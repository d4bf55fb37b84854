/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Logging
 */

package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/mattn/go-isatty"
)

var (
	logMessagePool = sync.Pool{New: func() interface{} { return &LogMessage{} }}
	logBufferPool  = sync.Pool{New: func() interface{} { return &bytes.Buffer{} }}
)

// LogLevel enumerates possible log levels. Levels are bits,
// Logger filters messages against the mask of enabled levels
type LogLevel int

const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceIPP
	LogTraceHTTP
	LogTraceDBus

	LogTraceAll = LogTraceIPP | LogTraceHTTP | LogTraceDBus
	LogAll      = LogError | LogInfo | LogDebug | LogTraceAll
)

// logMode enumerates Logger destinations
type logMode int

const (
	logModeDisabled logMode = iota
	logModeConsole
	logModeColorConsole
	logModeFile
)

// Logger implements logging facilities
type Logger struct {
	lock    sync.Mutex   // Write lock
	mode    logMode      // Logger destination
	levels  LogLevel     // Enabled levels
	path    string       // Path to log file
	time    bytes.Buffer // Time prefix buffer
	out     io.Writer    // Output stream
	file    *os.File     // Output file, logModeFile
	cc      *Logger      // Carbon copy logger
	fatal   bool         // Check() terminates the program
	maxSize int64        // Rotate when file grows above
	backups uint         // Count of backups kept on rotation
}

// Predefined loggers
var (
	// Log is the main program log
	Log = NewLogger().ToMainFile()

	// Console logs to stdout
	Console = NewLogger().ToConsole()

	// InitLog is used on initialization; its errors are fatal
	InitLog = newInitLogger()
)

// NewLogger creates a new disabled logger
func NewLogger() *Logger {
	return &Logger{
		mode:    logModeDisabled,
		levels:  LogError | LogInfo | LogDebug,
		out:     io.Discard,
		maxSize: 256 * 1024,
		backups: 5,
	}
}

// newInitLogger creates the InitLog logger
func newInitLogger() *Logger {
	l := NewLogger().ToConsole()
	l.levels = LogError | LogInfo
	l.fatal = true
	return l
}

// ToNowhere redirects log to nowhere
func (l *Logger) ToNowhere() *Logger {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.closeFile()
	l.mode = logModeDisabled
	l.out = io.Discard
	return l
}

// ToConsole redirects log to the stdout
func (l *Logger) ToConsole() *Logger {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.closeFile()
	l.mode = logModeConsole
	l.out = os.Stdout
	return l
}

// ToColorConsole redirects log to the stdout, with ANSI
// colors, if stdout is a terminal
func (l *Logger) ToColorConsole() *Logger {
	l.ToConsole()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		l.lock.Lock()
		l.mode = logModeColorConsole
		l.lock.Unlock()
	}

	return l
}

// ToFile redirects log to the file. File is opened on demand
func (l *Logger) ToFile(path string) *Logger {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.closeFile()
	l.mode = logModeFile
	l.path = path
	l.out = nil
	return l
}

// ToMainFile redirects log to the main log file
func (l *Logger) ToMainFile() *Logger {
	return l.ToFile(PathLogFile)
}

// ToWriter redirects log to an arbitrary io.Writer
func (l *Logger) ToWriter(out io.Writer) *Logger {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.closeFile()
	l.mode = logModeConsole
	l.out = out
	return l
}

// SetLevels sets mask of enabled log levels
func (l *Logger) SetLevels(levels LogLevel) {
	l.lock.Lock()
	l.levels = levels
	l.lock.Unlock()
}

// SetRotation sets log file rotation parameters
func (l *Logger) SetRotation(maxSize int64, backups uint) {
	l.lock.Lock()
	l.maxSize = maxSize
	l.backups = backups
	l.lock.Unlock()
}

// Cc adds a carbon copy logger. All messages written to l
// are also written to cc
func (l *Logger) Cc(cc *Logger) {
	l.lock.Lock()
	l.cc = cc
	l.lock.Unlock()
}

// Close the logger
func (l *Logger) Close() {
	l.lock.Lock()
	l.closeFile()
	l.lock.Unlock()
}

// closeFile closes the log file, if opened. Must be called under lock
func (l *Logger) closeFile() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// Begin new log message
func (l *Logger) Begin() *LogMessage {
	msg := logMessagePool.Get().(*LogMessage)
	msg.logger = l
	return msg
}

// Debug writes a LogDebug message
func (l *Logger) Debug(prefix byte, format string, args ...interface{}) {
	l.Begin().Debug(prefix, format, args...).Commit()
}

// Info writes a LogInfo message
func (l *Logger) Info(prefix byte, format string, args ...interface{}) {
	l.Begin().Info(prefix, format, args...).Commit()
}

// Error writes a LogError message
func (l *Logger) Error(prefix byte, format string, args ...interface{}) {
	l.Begin().Error(prefix, format, args...).Commit()
}

// Exit writes a LogError message and terminates the program
func (l *Logger) Exit(prefix byte, format string, args ...interface{}) {
	l.Error(prefix, format, args...)
	os.Exit(1)
}

// Check writes an error message if err is not nil. On a fatal
// logger (InitLog) it also terminates the program
func (l *Logger) Check(err error) {
	if err == nil {
		return
	}

	if l.fatal {
		l.Exit(0, "%s", err)
	}

	l.Error('!', "%s", err)
}

// Panic writes a panic message with the stack trace and
// terminates the program
func (l *Logger) Panic(v interface{}) {
	l.Begin().
		Error('!', "panic: %v", v).
		Error('!', "%s", debug.Stack()).
		Commit()
	os.Exit(1)
}

// Dump writes a HEX dump at the specified level
func (l *Logger) Dump(level LogLevel, prefix byte, data []byte) {
	l.Begin().Dump(level, prefix, data).Commit()
}

// LineWriter creates a LineWriter that writes to the Logger,
// using specified LogLevel and prefix
func (l *Logger) LineWriter(level LogLevel, prefix byte) *LineWriter {
	return &LineWriter{
		Func: func(line []byte) {
			l.Begin().addBytes(level, prefix, line).Commit()
		},
	}
}

// hasLevels tells if any of specified levels is enabled on the
// logger or its carbon copy
func (l *Logger) hasLevels(levels LogLevel) bool {
	l.lock.Lock()
	enabled := l.mode != logModeDisabled && (l.levels&levels) != 0
	cc := l.cc
	l.lock.Unlock()

	if !enabled && cc != nil {
		enabled = cc.hasLevels(levels)
	}

	return enabled
}

// fmtTime formats a time prefix. Console output has no time
func (l *Logger) fmtTime() {
	l.time.Reset()
	if l.mode != logModeFile {
		return
	}

	now := time.Now()

	year, month, day := now.Date()
	fmt.Fprintf(&l.time, "%2.2d-%2.2d-%4.4d ", day, month, year)

	hour, min, sec := now.Clock()
	fmt.Fprintf(&l.time, "%2.2d:%2.2d:%2.2d", hour, min, sec)

	l.time.WriteString(": ")
}

// rotate performs log rotation, if the file grew too large.
// Must be called under lock
func (l *Logger) rotate() {
	if l.maxSize <= 0 {
		return
	}

	stat, err := l.file.Stat()
	if err != nil || stat.Size() <= l.maxSize {
		return
	}

	// No backups: the live file is just truncated
	if l.backups == 0 {
		l.file.Truncate(0)
		l.file.Seek(0, io.SeekStart)
		return
	}

	prevpath := ""
	for i := int(l.backups); i >= 0; i-- {
		nextpath := l.path
		if i > 0 {
			nextpath += fmt.Sprintf(".%d.gz", i-1)
		}

		switch {
		case i == int(l.backups):
			os.Remove(nextpath)
		case i == 0:
			err := l.gzip(nextpath, prevpath)
			if err == nil {
				l.file.Truncate(0)
				l.file.Seek(0, io.SeekStart)
			}
		default:
			os.Rename(nextpath, prevpath)
		}

		prevpath = nextpath
	}
}

// gzip the log file
func (l *Logger) gzip(ipath, opath string) error {
	ifile, err := os.Open(ipath)
	if err != nil {
		return err
	}

	defer ifile.Close()

	ofile, err := os.OpenFile(opath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	w := gzip.NewWriter(ofile)
	_, err = io.Copy(w, ifile)
	err2 := w.Close()
	err3 := ofile.Close()

	switch {
	case err == nil && err2 != nil:
		err = err2
	case err == nil && err3 != nil:
		err = err3
	}

	if err != nil {
		os.Remove(opath)
	}

	return err
}

// write writes message lines, filtered by level. Must be called
// under lock
func (l *Logger) write(lines []logLine) {
	if l.mode == logModeDisabled {
		return
	}

	// Open log file on demand
	if l.mode == logModeFile {
		if l.file == nil {
			os.MkdirAll(filepath.Dir(l.path), 0755)
			l.file, _ = os.OpenFile(l.path,
				os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if l.file == nil {
				return
			}
			l.out = l.file
		}

		l.rotate()
	}

	l.fmtTime()
	for _, line := range lines {
		if (line.level & l.levels) == 0 {
			continue
		}

		if l.mode == logModeColorConsole {
			logColorConsoleWrite(l.out, line.level, line.buf.Bytes())
		} else {
			l.out.Write(l.time.Bytes())
			l.out.Write(line.buf.Bytes())
		}
	}
}

// logColorConsoleWrite writes a colorized line to console
func logColorConsoleWrite(out io.Writer, level LogLevel, line []byte) {
	var beg, end string

	switch {
	case (level & LogError) != 0:
		beg, end = "\033[31;1m", "\033[0m" // Red
	case (level & LogInfo) != 0:
		beg, end = "\033[32;1m", "\033[0m" // Green
	case (level & LogDebug) != 0:
		beg, end = "\033[37;1m", "\033[0m" // White
	case (level & LogTraceAll) != 0:
		beg, end = "\033[37m", "\033[0m" // Gray
	}

	out.Write([]byte(beg))
	out.Write(bytes.TrimSuffix(line, []byte("\n")))
	out.Write([]byte(end))
	out.Write([]byte("\n"))
}

// logLine is a single line of the LogMessage
type logLine struct {
	level LogLevel      // Line level
	buf   *bytes.Buffer // Line text, '\n'-terminated
}

// LogMessage represents a single (possible multi line) log
// message, which will appear in the output log atomically,
// and will not be interrupted in the middle by other log activity
type LogMessage struct {
	logger *Logger   // Underlying logger
	lines  []logLine // One entry per line
}

// add formats a next line of log message, with level and prefix char
func (msg *LogMessage) add(level LogLevel, prefix byte,
	format string, args ...interface{}) *LogMessage {

	buf := logBufAlloc()
	if prefix != 0 {
		buf.Write([]byte{prefix, ' '})
	}
	fmt.Fprintf(buf, format, args...)
	if !logBufTerminated(buf) {
		buf.WriteByte('\n')
	}

	msg.lines = append(msg.lines, logLine{level, buf})
	return msg
}

// addBytes adds a line of raw bytes
func (msg *LogMessage) addBytes(level LogLevel, prefix byte,
	line []byte) *LogMessage {
	return msg.add(level, prefix, "%s", line)
}

// Debug appends a LogDebug line to the message
func (msg *LogMessage) Debug(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.add(LogDebug, prefix, format, args...)
}

// Info appends a LogInfo line to the message
func (msg *LogMessage) Info(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.add(LogInfo, prefix, format, args...)
}

// Error appends a LogError line to the message
func (msg *LogMessage) Error(prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.add(LogError, prefix, format, args...)
}

// Trace appends a line of the specified trace level
func (msg *LogMessage) Trace(level LogLevel, prefix byte, format string, args ...interface{}) *LogMessage {
	return msg.add(level, prefix, format, args...)
}

// IppRequest appends a pretty-printed IPP request
func (msg *LogMessage) IppRequest(level LogLevel, prefix byte, m *goipp.Message) *LogMessage {
	return msg.ippMessage(level, prefix, m, true)
}

// IppResponse appends a pretty-printed IPP response
func (msg *LogMessage) IppResponse(level LogLevel, prefix byte, m *goipp.Message) *LogMessage {
	return msg.ippMessage(level, prefix, m, false)
}

// ippMessage does the actual work of IppRequest/IppResponse
func (msg *LogMessage) ippMessage(level LogLevel, prefix byte,
	m *goipp.Message, request bool) *LogMessage {

	if !msg.logger.hasLevels(level) {
		return msg
	}

	buf := logBufAlloc()
	defer logBufFree(buf)

	m.Print(buf, request)
	for _, line := range bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n")) {
		msg.addBytes(level, prefix, line)
	}

	return msg
}

// Dump appends a HEX dump of data
func (msg *LogMessage) Dump(level LogLevel, prefix byte, data []byte) *LogMessage {
	hex := logBufAlloc()
	chr := logBufAlloc()

	defer logBufFree(hex)
	defer logBufFree(chr)

	off := 0

	for len(data) > 0 {
		hex.Reset()
		chr.Reset()

		sz := len(data)
		if sz > 16 {
			sz = 16
		}

		i := 0
		for ; i < sz; i++ {
			c := data[i]
			fmt.Fprintf(hex, "%2.2x", data[i])
			if i%4 == 3 {
				hex.Write([]byte(":"))
			} else {
				hex.Write([]byte(" "))
			}

			if 0x20 <= c && c < 0x80 {
				chr.WriteByte(c)
			} else {
				chr.WriteByte('.')
			}
		}

		for ; i < 16; i++ {
			hex.WriteString("   ")
		}

		msg.add(level, prefix, "%4.4x: %s %s", off, hex, chr)

		off += sz
		data = data[sz:]
	}

	return msg
}

// Commit message to the log
func (msg *LogMessage) Commit() {
	defer msg.free()

	if len(msg.lines) == 0 {
		return
	}

	for l := msg.logger; l != nil; {
		l.lock.Lock()
		l.write(msg.lines)
		next := l.cc
		l.lock.Unlock()
		l = next
	}
}

// Return message to the logMessagePool
func (msg *LogMessage) free() {
	for _, l := range msg.lines {
		logBufFree(l.buf)
	}

	if len(msg.lines) < 16 {
		msg.lines = msg.lines[:0]
	} else {
		msg.lines = nil
	}

	msg.logger = nil
	logMessagePool.Put(msg)
}

// Check if line buffer is '\n'-terminated
func logBufTerminated(buf *bytes.Buffer) bool {
	if l := buf.Len(); l > 0 {
		return buf.Bytes()[l-1] == '\n'
	}
	return false
}

// Allocate a buffer
func logBufAlloc() *bytes.Buffer {
	return logBufferPool.Get().(*bytes.Buffer)
}

// Free a buffer
func logBufFree(buf *bytes.Buffer) {
	if buf.Cap() <= 256 {
		buf.Reset()
		logBufferPool.Put(buf)
	}
}
