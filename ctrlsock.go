/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Control socket handler
 *
 * ippd runs a HTTP server on a top of the unix control
 * socket. Currently it is only used to retrieve status and
 * metrics of the running daemon
 */

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/go-chi/chi/v5"
)

// CtrlsockAddr contains control socket address in
// a form of the net.UnixAddr structure
var CtrlsockAddr = &net.UnixAddr{Name: PathControlSocket, Net: "unix"}

// CtrlsockRouter creates the control socket request router
func CtrlsockRouter(sp *StatusProvider) *chi.Mux {
	r := chi.NewRouter()
	r.Use(ctrlsockMiddleware)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st := sp.Collect()

		switch r.URL.Query().Get("format") {
		case "", "text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			httpNoCache(w)
			w.WriteHeader(http.StatusOK)
			w.Write(StatusFormat(st))

		case "json":
			data, err := StatusFormatJSON(st)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			httpNoCache(w)
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		default:
			http.Error(w, "Unknown format", http.StatusBadRequest)
		}
	})

	r.Method(http.MethodGet, "/metrics", Metrics.Handler())

	return r
}

// ctrlsockMiddleware logs requests and catches panics
func ctrlsockMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Log.Debug(' ', "ctrlsock: %s %s", r.Method, r.URL)

		defer func() {
			v := recover()
			if v != nil && v != http.ErrAbortHandler {
				Log.Panic(v)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// CtrlsockServe runs control socket server until ctx is canceled
func CtrlsockServe(ctx context.Context, sp *StatusProvider) error {
	Log.Debug(' ', "ctrlsock: listening at %q", PathControlSocket)

	os.MkdirAll(PathProgState, 0755)
	os.Remove(PathControlSocket)

	listener, err := net.ListenUnix("unix", CtrlsockAddr)
	if err != nil {
		return err
	}

	// Make socket accessible to everybody. Error is ignored,
	// it's not a reason to abort ippd
	os.Chmod(PathControlSocket, 0777)

	errlog := Log.LineWriter(LogError, '!')
	defer errlog.Close()

	srv := &http.Server{
		Handler:  CtrlsockRouter(sp),
		ErrorLog: log.New(errlog, "", 0),
	}

	go func() {
		<-ctx.Done()
		Log.Debug(' ', "ctrlsock: shutdown")
		srv.Close()
	}()

	err = srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	return err
}

// CtrlsockDial connects to the control socket of the running
// ippd daemon
func CtrlsockDial() (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, CtrlsockAddr)

	if err == nil {
		return conn, nil
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				err = ErrNoIppd

			case syscall.EACCES, syscall.EPERM:
				err = ErrAccess
			}
		}
	}

	return nil, err
}
