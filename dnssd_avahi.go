/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD, Avahi-based system-dependent part
 */

package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

// avahiCollisionError is the D-Bus error name, returned by Avahi
// when service name is already taken
const avahiCollisionError = "org.freedesktop.Avahi.CollisionError"

// dnssdAvahi is the dnssdSysdep, that talks to avahi-daemon over D-Bus
type dnssdAvahi struct {
	conn   *dbus.Conn    // System bus connection
	server *avahi.Server // Avahi server
	iface  int32         // Interface index
	proto  int32         // Protocol
}

// avahiEntry is the dnssdEntry, published via Avahi
type avahiEntry struct {
	server *avahi.Server
	egroup *avahi.EntryGroup
}

// newDnssdAvahi connects to avahi-daemon
func newDnssdAvahi() (dnssdSysdep, error) {
	iface := int32(avahi.InterfaceUnspec)
	if Conf.LoopbackOnly {
		idx, err := avahiLoopbackIndex()
		if err != nil {
			return nil, err
		}
		iface = int32(idx)
	}

	proto := int32(avahi.ProtoInet)
	if Conf.IPV6Enable {
		proto = avahi.ProtoUnspec
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("avahi: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("avahi: %w", err)
	}

	av := &dnssdAvahi{
		conn:   conn,
		server: server,
		iface:  iface,
		proto:  proto,
	}

	return av, nil
}

// avahiLoopbackIndex returns index of the loopback interface,
// used to restrict advertising in the loopback-only mode
func avahiLoopbackIndex() (int, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("avahi: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			return iface.Index, nil
		}
	}

	return 0, errors.New("avahi: loopback interface not found")
}

// Add publishes the service
func (av *dnssdAvahi) Add(svc DNSSdSvcInfo) (dnssdEntry, error) {
	egroup, err := av.server.EntryGroupNew()
	if err != nil {
		return nil, fmt.Errorf("avahi: %w", err)
	}

	err = egroup.AddService(av.iface, av.proto, 0, svc.Instance, svc.Type,
		"", "", uint16(svc.Port), svc.Txt.export())

	if err == nil {
		err = egroup.Commit()
	}

	if err != nil {
		av.server.EntryGroupFree(egroup)

		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == avahiCollisionError {
			return nil, ErrDNSSdCollision
		}

		return nil, fmt.Errorf("avahi: %w", err)
	}

	return &avahiEntry{av.server, egroup}, nil
}

// Close closes connection to avahi-daemon
func (av *dnssdAvahi) Close() {
	av.server.Close()
	av.conn.Close()
}

// Remove unpublishes the service
func (ent *avahiEntry) Remove() {
	ent.egroup.Reset()
	ent.server.EntryGroupFree(ent.egroup)
}
