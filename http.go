/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * IPP over HTTP transport
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/OpenPrinting/goipp"
)

var (
	httpSessionID int32
)

// HTTPServer is the http.Handler, that accepts IPP requests,
// passes them to the IppDispatcher and writes IPP responses
type HTTPServer struct {
	dispatcher *IppDispatcher // IPP operations dispatcher
	maxSize    int64          // Max request body size
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(dispatcher *IppDispatcher, maxSize int64) *HTTPServer {
	if maxSize <= 0 {
		maxSize = MaxRequestSize
	}

	return &HTTPServer{
		dispatcher: dispatcher,
		maxSize:    maxSize,
	}
}

// ServeHTTP handles HTTP request
func (srv *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := atomic.AddInt32(&httpSessionID, 1)

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			Log.Begin().
				Error('!', "HTTP[%d]: panic: %v", session, v).
				Commit()
			httpError(session, w, httpErrorf(http.StatusInternalServerError,
				"Internal server error"))
		}
	}()

	httpLogRequest(session, r)

	// Read and decode the request
	body, herr := srv.readBody(r)
	if herr != nil {
		httpError(session, w, herr)
		return
	}

	rq, err := ippDecodeRequest(body)
	if err != nil {
		Log.Begin().
			Debug('!', "HTTP[%d]: %s", session, err).
			Dump(LogTraceIPP, '!', body).
			Commit()
		httpError(session, w, httpErrorf(http.StatusBadRequest,
			"Bad IPP request"))
		return
	}

	// Perform the request
	rsp := srv.dispatcher.Dispatch(r.Context(), session, rq)

	// Encode response completely, before anything is written
	data, err := rsp.Encode()
	if err != nil {
		Log.Error('!', "HTTP[%d]: IPP encode: %s", session, err)
		httpError(session, w, httpErrorf(http.StatusInternalServerError,
			"Internal server error"))
		return
	}

	httpWriteIpp(session, w, data)
}

// readBody validates HTTP request and reads its body.
// Errors are returned as *HTTPError
func (srv *HTTPServer) readBody(r *http.Request) ([]byte, *HTTPError) {
	if r.Method != http.MethodPost {
		return nil, httpErrorf(http.StatusMethodNotAllowed,
			"Method %s not allowed", r.Method)
	}

	// Content-Length is mandatory. Note, net/http removes the
	// header from chunked requests, so they are rejected too
	hdr := r.Header.Get("Content-Length")
	if hdr == "" {
		return nil, httpErrorf(http.StatusLengthRequired,
			"Content-Length required")
	}

	length, err := strconv.ParseInt(hdr, 10, 64)
	if err != nil || length < 0 {
		return nil, httpErrorf(http.StatusBadRequest,
			"Invalid Content-Length: %q", hdr)
	}

	if length > srv.maxSize {
		return nil, httpErrorf(http.StatusRequestEntityTooLarge,
			"Request too large (%d > %d)", length, srv.maxSize)
	}

	ct := r.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != goipp.ContentType {
		return nil, httpErrorf(http.StatusUnsupportedMediaType,
			"Bad content type: %q", ct)
	}

	body := make([]byte, length)
	_, err = io.ReadFull(r.Body, body)
	if err != nil {
		return nil, httpErrorf(http.StatusBadRequest,
			"Request body: %s", err)
	}

	return body, nil
}

// httpWriteIpp writes encoded IPP response
func httpWriteIpp(session int32, w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", goipp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	httpNoCache(w)
	w.WriteHeader(http.StatusOK)

	_, err := w.Write(data)
	if err != nil {
		Log.Debug('!', "HTTP[%d]: write: %s", session, err)
		return
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	Log.Begin().
		Debug(' ', "HTTP[%d]: %d %s, %d bytes", session,
			http.StatusOK, goipp.ContentType, len(data)).
		Commit()
}

// httpError rejects request with a plain-text error
func httpError(session int32, w http.ResponseWriter, herr *HTTPError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if herr.Status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	httpNoCache(w)
	w.WriteHeader(herr.Status)

	w.Write([]byte(herr.Message))
	w.Write([]byte("\n"))

	Metrics.ObserveRejected(herr.Status)
	Log.Debug('!', "HTTP[%d]: %d %s", session, herr.Status, herr.Message)
}

// httpNoCache sets response headers to disable caching
func httpNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// httpLogRequest logs received HTTP request
func httpLogRequest(session int32, r *http.Request) {
	if !Log.hasLevels(LogTraceHTTP) {
		Log.Debug('>', "HTTP[%d]: %s %s", session, r.Method, r.URL)
		return
	}

	msg := Log.Begin().
		Debug('>', "HTTP[%d]: %s %s %s", session, r.Method, r.URL, r.Proto)

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range r.Header[k] {
			msg.Trace(LogTraceHTTP, '>', "  %s: %s", k, v)
		}
	}

	msg.Commit()
}

// HTTPServe runs HTTP server on the listener until ctx is canceled
func HTTPServe(ctx context.Context, l net.Listener, handler http.Handler) error {
	errlog := Log.LineWriter(LogError, '!')
	defer errlog.Close()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: HTTPReadHeaderTimeout,
		ErrorLog:          log.New(errlog, "", 0),
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(),
			HTTPShutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(sctx)
	}()

	Log.Info(' ', "HTTP: serving at %s", l.Addr())

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		err = <-done
		Log.Info(' ', "HTTP: server stopped")
	}

	if err != nil {
		return fmt.Errorf("HTTP: %w", err)
	}

	return nil
}
