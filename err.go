/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Common errors
 */

package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Error values for ippd
var (
	ErrInvalidAddress       = errors.New("Invalid object address")
	ErrBackendUnavailable   = errors.New("printerd not available")
	ErrMissingAttribute     = errors.New("Missing attribute")
	ErrUnsupportedOperation = errors.New("Operation not supported")
	ErrResponseNotFinal     = errors.New("IPP response is not finalized")
	ErrShutdown             = errors.New("Shutdown requested")
	ErrNoIppd               = errors.New("ippd daemon not running")
	ErrAccess               = errors.New("Access denied")
	ErrLockIsBusy           = errors.New("Lock is busy")
	ErrDNSSdCollision       = errors.New("DNS-SD service name collision")
)

// HTTPError represents a transport-level request rejection.
// Requests rejected this way never reach the IPP dispatcher
type HTTPError struct {
	Status  int    // HTTP status code
	Message string // Human-readable reason
}

// httpErrorf creates a new HTTPError
func httpErrorf(status int, format string, args ...interface{}) *HTTPError {
	return &HTTPError{
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements error interface for the HTTPError
func (err *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", err.Status,
		http.StatusText(err.Status), err.Message)
}
