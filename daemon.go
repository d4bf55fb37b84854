//go:build unix

/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Daemon housekeeping: single instance lock, detaching
 * from the terminal
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// DaemonLock prevents multiple copies of ippd from running
// simultaneously. It creates the lock file, if needed, takes
// an exclusive non-blocking lock and writes our pid into it.
//
// The lock is held until returned file is closed. If lock is
// held by another process, ErrLockIsBusy is returned
func DaemonLock(path string) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLockIsBusy
		}
		return nil, fmt.Errorf("lock: %w", err)
	}

	// Lock is ours; pid is informational only
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if file.Truncate(0) == nil {
		file.WriteAt([]byte(pid), 0)
	}

	return file, nil
}

// CloseStdInOutErr redirects stdin, stdout and stderr to /dev/null
func CloseStdInOutErr() error {
	nul, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", os.DevNull, err)
	}

	defer unix.Close(nul)

	for _, fd := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		err = unix.Dup2(nul, fd)
		if err != nil {
			return fmt.Errorf("dup2(%d): %w", fd, err)
		}
	}

	return nil
}
