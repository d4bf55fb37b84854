/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * HTTP listener
 */

package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// listenFdsStart is the first file descriptor passed by
// the service manager on socket activation
const listenFdsStart = 3

// Listener wraps net.Listener
//
// Note, if IP address is not specified, go stdlib
// creates a listener, able to listen to IPv4 and IPv6
// simultaneously. So loopback-only mode is implemented
// by filtering incoming connections in Accept() rather
// than by binding to the loopback address
type Listener struct {
	net.Listener      // Underlying net.Listener
	loopbackOnly bool // Reject non-loopback connections
}

// NewListener creates a new listener. If the process is socket
// activated, the passed socket is used and port is ignored
func NewListener(e Environment, port int) (*Listener, error) {
	var nl net.Listener
	var err error

	if e.SocketActivated() {
		nl, err = listenerInherited()
	} else {
		network := "tcp4"
		if Conf.IPV6Enable {
			network = "tcp"
		}
		nl, err = net.Listen(network, ":"+strconv.Itoa(port))
	}

	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Listener{nl, Conf.LoopbackOnly}, nil
}

// listenerInherited creates net.Listener on a top of the
// socket passed by the service manager
func listenerInherited() (net.Listener, error) {
	f := os.NewFile(listenFdsStart, "LISTEN_FD_3")
	if f == nil {
		return nil, fmt.Errorf("fd %d: invalid descriptor", listenFdsStart)
	}

	// net.FileListener dups the descriptor
	defer f.Close()

	return net.FileListener(f)
}

// Port returns TCP port the Listener is bound to
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Accept new connection
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tcpconn, ok := conn.(*net.TCPConn)
		if !ok {
			return conn, nil
		}

		// Reject non-loopback connections, if required
		if l.loopbackOnly &&
			!tcpconn.LocalAddr().(*net.TCPAddr).IP.IsLoopback() {
			Log.Debug('!', "HTTP: %s: non-loopback connection rejected",
				tcpconn.RemoteAddr())
			tcpconn.SetLinger(0)
			tcpconn.Close()
			continue
		}

		tcpconn.SetKeepAlive(true)
		tcpconn.SetKeepAlivePeriod(20 * time.Second)

		return tcpconn, nil
	}
}
