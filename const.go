/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Configuration constants and filesystem paths
 */

package main

import (
	"time"
)

const (
	// Version is the ippd version string
	Version = "0.1"

	// HTTPPrivilegedPort is the IPP port used when running as root
	HTTPPrivilegedPort = 631

	// HTTPUnprivilegedPort is the IPP port used otherwise
	HTTPUnprivilegedPort = 8631

	// BackendCallTimeout is the default deadline for a single
	// printerd round trip
	BackendCallTimeout = 10 * time.Second

	// HTTPReadHeaderTimeout limits time to receive request headers
	HTTPReadHeaderTimeout = 30 * time.Second

	// HTTPShutdownTimeout specifies how much time to wait for
	// active requests on graceful shutdown
	HTTPShutdownTimeout = 5 * time.Second

	// WatcherRetryMaxInterval caps the reconnect interval of
	// the printerd object watcher
	WatcherRetryMaxInterval = 30 * time.Second

	// DNSSdRetryInterval specifies the retry interval in a case
	// of failed DNS-SD operation
	DNSSdRetryInterval = 1 * time.Second

	// MaxRequestSize is the default limit of IPP request body size
	MaxRequestSize = 1024 * 1024
)

// Filesystem layout
const (
	PathConfDir   = "/etc/ippd"     // Configuration files
	PathProgState = "/var/ippd"     // Program state
	PathLogDir    = "/var/log/ippd" // Log files

	PathProgStatePrinters = PathProgState + "/printers"  // AdvState files
	PathLockFile          = PathProgState + "/ippd.lock" // Single instance lock
	PathControlSocket     = PathProgState + "/ctrl"      // Control socket
	PathLogFile           = PathLogDir + "/main.log"     // Main log
)
