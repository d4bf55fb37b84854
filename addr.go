/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Object addresses: IPP URI <-> D-Bus object path <-> identifier
 */

package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ObjectKind identifies kind of addressable printerd object
type ObjectKind int

// Object kinds
const (
	KindPrinter ObjectKind = iota
	KindJob
)

// objectKindInfo contains per-kind addressing parameters
type objectKindInfo struct {
	name       string // Kind name, for messages
	pathPrefix string // D-Bus object path prefix
	uriPath    string // URI path component ("printers", "jobs")
	numeric    bool   // Identifier is an integer
}

var objectKinds = [...]objectKindInfo{
	KindPrinter: {"printer", "/org/freedesktop/printerd/printer/", "printers", false},
	KindJob:     {"job", "/org/freedesktop/printerd/job/", "jobs", true},
}

// String returns ObjectKind name
func (kind ObjectKind) String() string {
	if int(kind) < len(objectKinds) {
		return objectKinds[kind].name
	}
	return fmt.Sprintf("unknown (%d)", int(kind))
}

// info returns objectKindInfo for the kind
func (kind ObjectKind) info() *objectKindInfo {
	return &objectKinds[kind]
}

// addrServer is the externally visible host and port, folded into
// object URIs. It is set once at startup and read-only afterwards
var addrServer struct {
	sync.RWMutex
	host string
	port int
}

// AddrSetServer sets host and port used to build object URIs.
// It must be the address clients can reach, not the bind address
func AddrSetServer(host string, port int) {
	addrServer.Lock()
	addrServer.host = host
	addrServer.port = port
	addrServer.Unlock()
}

// AddrServer returns host and port used to build object URIs
func AddrServer() (host string, port int) {
	addrServer.RLock()
	defer addrServer.RUnlock()
	return addrServer.host, addrServer.port
}

// AddrSource specifies where to take an object identifier from.
// Exactly one field must be set
type AddrSource struct {
	URI  string          // IPP URI, i.e. ipp://host:631/printers/foo
	Path dbus.ObjectPath // D-Bus path, i.e. /org/freedesktop/printerd/printer/foo
	ID   string          // Bare identifier, i.e. "foo"
}

// ObjectAddress represents address of the printerd object.
// ObjectAddress is immutable
type ObjectAddress struct {
	kind ObjectKind // Object kind
	id   string     // Identifier, always in canonical form
}

// NewAddress creates ObjectAddress of the specified kind from the
// AddrSource. ErrInvalidAddress is returned if not exactly one source
// is given, or if the identifier is not valid for that kind
func NewAddress(kind ObjectKind, src AddrSource) (ObjectAddress, error) {
	var id string

	if kind != KindPrinter && kind != KindJob {
		return ObjectAddress{}, fmt.Errorf("%w: kind %s", ErrInvalidAddress, kind)
	}

	info := kind.info()

	cnt := 0
	for _, s := range []string{src.URI, string(src.Path), src.ID} {
		if s != "" {
			cnt++
		}
	}

	if cnt != 1 {
		return ObjectAddress{}, fmt.Errorf("%w: %d sources given, need exactly one",
			ErrInvalidAddress, cnt)
	}

	switch {
	case src.URI != "":
		id = src.URI[strings.LastIndexByte(src.URI, '/')+1:]

	case src.Path != "":
		path := string(src.Path)
		if !strings.HasPrefix(path, info.pathPrefix) {
			return ObjectAddress{}, fmt.Errorf("%w: %q is not a %s path",
				ErrInvalidAddress, path, info.name)
		}
		id = path[len(info.pathPrefix):]

	default:
		id = src.ID
	}

	id, err := addrCanonID(kind, id)
	if err != nil {
		return ObjectAddress{}, err
	}

	return ObjectAddress{kind: kind, id: id}, nil
}

// addrCanonID validates an identifier and returns it in canonical form
func addrCanonID(kind ObjectKind, id string) (string, error) {
	info := kind.info()

	if id == "" {
		return "", fmt.Errorf("%w: empty %s id", ErrInvalidAddress, info.name)
	}

	if info.numeric {
		// Only canonical decimal form is accepted
		num, err := strconv.Atoi(id)
		if err != nil || num < 0 || strconv.Itoa(num) != id {
			return "", fmt.Errorf("%w: %q: invalid %s id",
				ErrInvalidAddress, id, info.name)
		}
		return id, nil
	}

	// D-Bus path elements are restricted to [A-Za-z0-9_]
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9':
		case c == '_':
		default:
			return "", fmt.Errorf("%w: %q: invalid %s id",
				ErrInvalidAddress, id, info.name)
		}
	}

	return id, nil
}

// PrinterAddressFromPath creates printer address from the D-Bus path
func PrinterAddressFromPath(path dbus.ObjectPath) (ObjectAddress, error) {
	return NewAddress(KindPrinter, AddrSource{Path: path})
}

// PrinterAddressFromURI creates printer address from the IPP URI
func PrinterAddressFromURI(uri string) (ObjectAddress, error) {
	return NewAddress(KindPrinter, AddrSource{URI: uri})
}

// PrinterAddressFromID creates printer address from the identifier
func PrinterAddressFromID(id string) (ObjectAddress, error) {
	return NewAddress(KindPrinter, AddrSource{ID: id})
}

// JobAddressFromPath creates job address from the D-Bus path
func JobAddressFromPath(path dbus.ObjectPath) (ObjectAddress, error) {
	return NewAddress(KindJob, AddrSource{Path: path})
}

// JobAddressFromURI creates job address from the IPP URI
func JobAddressFromURI(uri string) (ObjectAddress, error) {
	return NewAddress(KindJob, AddrSource{URI: uri})
}

// JobAddressFromID creates job address from the numeric job id
func JobAddressFromID(id int) (ObjectAddress, error) {
	return NewAddress(KindJob, AddrSource{ID: strconv.Itoa(id)})
}

// Kind returns object kind
func (addr ObjectAddress) Kind() ObjectKind {
	return addr.kind
}

// ID returns object identifier
func (addr ObjectAddress) ID() string {
	return addr.id
}

// JobID returns numeric identifier of the job. For printers
// it returns -1
func (addr ObjectAddress) JobID() int {
	if addr.kind != KindJob {
		return -1
	}

	num, _ := strconv.Atoi(addr.id)
	return num
}

// Path returns D-Bus object path
func (addr ObjectAddress) Path() dbus.ObjectPath {
	return dbus.ObjectPath(addr.kind.info().pathPrefix + addr.id)
}

// URI returns IPP URI of the object
func (addr ObjectAddress) URI() string {
	host, port := AddrServer()
	return fmt.Sprintf("ipp://%s/%s/%s",
		net.JoinHostPort(host, strconv.Itoa(port)),
		addr.kind.info().uriPath, addr.id)
}

// String returns string representation of the ObjectAddress
func (addr ObjectAddress) String() string {
	return addr.kind.String() + " " + addr.id
}
