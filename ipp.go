/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * IPP operations dispatcher
 */

package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/OpenPrinting/goipp"
)

// ippRequest represents decoded IPP request
type ippRequest struct {
	Msg   *goipp.Message // Decoded message
	Op    goipp.Op       // Operation code
	Attrs ippAttrs       // Operation attributes, by name
	Body  []byte         // Raw request body
}

// ippDecodeRequest decodes IPP request
func ippDecodeRequest(body []byte) (*ippRequest, error) {
	msg := &goipp.Message{}
	err := msg.DecodeBytes(body)
	if err != nil {
		return nil, fmt.Errorf("IPP decode: %w", err)
	}

	rq := &ippRequest{
		Msg:   msg,
		Op:    goipp.Op(msg.Code),
		Attrs: newIppAttrs(msg.Operation),
		Body:  body,
	}

	return rq, nil
}

// ippState is the protocol state of the IPP response
type ippState int

const (
	ippStateBuilding ippState = iota // Handler is filling the response
	ippStateIdle                     // Finalized, ready to be encoded
)

// ippResponse represents IPP response under construction
type ippResponse struct {
	Msg   *goipp.Message // Response message
	state ippState       // Protocol state
}

// newIppResponse creates a new empty response to the request
func newIppResponse(rq *ippRequest) *ippResponse {
	rsp := &ippResponse{
		Msg: goipp.NewResponse(rq.Msg.Version, goipp.StatusOk,
			rq.Msg.RequestID),
		state: ippStateBuilding,
	}

	rsp.reset()
	return rsp
}

// reset drops all response attributes, except the mandatory
// operation attributes
func (rsp *ippResponse) reset() {
	rsp.Msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: ippOperationAttrs()},
	}
}

// Status returns the response status
func (rsp *ippResponse) Status() goipp.Status {
	return goipp.Status(rsp.Msg.Code)
}

// SetStatus sets the response status
func (rsp *ippResponse) SetStatus(status goipp.Status) {
	rsp.Msg.Code = goipp.Code(status)
}

// SetStatusMessage adds status-message operation attribute
func (rsp *ippResponse) SetStatusMessage(text string) {
	rsp.Msg.Groups[0].Add(goipp.MakeAttribute("status-message",
		goipp.TagText, goipp.String(text)))
}

// AddGroups appends attribute groups to the response
func (rsp *ippResponse) AddGroups(groups goipp.Groups) {
	rsp.Msg.Groups = append(rsp.Msg.Groups, groups...)
}

// Finalize moves the response into the terminal state
func (rsp *ippResponse) Finalize() {
	rsp.state = ippStateIdle
}

// Encode encodes finalized response
func (rsp *ippResponse) Encode() ([]byte, error) {
	if rsp.state != ippStateIdle {
		return nil, ErrResponseNotFinal
	}

	return rsp.Msg.EncodeBytes()
}

// ippHandler performs an IPP operation. Handler sets response
// status by itself. Returned error means handler fault
type ippHandler func(ctx context.Context, backend Backend,
	rq *ippRequest, rsp *ippResponse) error

// ippOperation describes an implemented IPP operation
type ippOperation struct {
	Name    string     // Operation name, for logging
	Handler ippHandler // Operation handler
}

// ippOperations maps operation codes to handlers
var ippOperations = map[goipp.Op]ippOperation{
	goipp.OpCupsGetPrinters: {"CUPS-Get-Printers", ippCupsGetPrinters},
}

// dispatchState is the state of request dispatching
type dispatchState int

const (
	dispatchReceived   dispatchState = iota // Request decoded
	dispatchDispatched                      // Handler invoked
	dispatchFinalized                       // Response ready
)

// String returns dispatchState name
func (state dispatchState) String() string {
	switch state {
	case dispatchReceived:
		return "received"
	case dispatchDispatched:
		return "dispatched"
	case dispatchFinalized:
		return "finalized"
	}
	return fmt.Sprintf("unknown (%d)", int(state))
}

// IppDispatcher routes IPP requests to operation handlers
type IppDispatcher struct {
	backend Backend                   // Print-management backend
	ops     map[goipp.Op]ippOperation // Operations table
}

// NewIppDispatcher creates a new IppDispatcher on a top of Backend
func NewIppDispatcher(backend Backend) *IppDispatcher {
	return &IppDispatcher{
		backend: backend,
		ops:     ippOperations,
	}
}

// ippTransaction tracks a single request through the dispatcher
type ippTransaction struct {
	session int32         // HTTP session, for logging
	rq      *ippRequest   // The request
	rsp     *ippResponse  // The response
	state   dispatchState // Dispatching state
}

// Dispatch performs the IPP request and returns finalized
// response. It never fails: handler faults are converted into
// the server-error-internal-error status
func (d *IppDispatcher) Dispatch(ctx context.Context, session int32,
	rq *ippRequest) *ippResponse {

	tx := &ippTransaction{
		session: session,
		rq:      rq,
		rsp:     newIppResponse(rq),
		state:   dispatchReceived,
	}

	Log.Begin().
		Debug(' ', "IPP[%d]: %s", session, rq.Op).
		IppRequest(LogTraceIPP, '>', rq.Msg).
		Commit()

	op, found := d.ops[rq.Op]
	if !found {
		tx.rsp.SetStatus(goipp.StatusErrorOperationNotSupported)
		tx.rsp.SetStatusMessage(fmt.Sprintf("%s: %s",
			rq.Op, ErrUnsupportedOperation))
		d.finalize(tx, rq.Op.String())
		return tx.rsp
	}

	tx.state = dispatchDispatched
	err := d.invoke(ctx, op, tx)
	if err != nil {
		Log.Begin().
			Error('!', "IPP[%d]: %s: %s", session, op.Name, err).
			IppRequest(LogError, '!', rq.Msg).
			Commit()

		tx.rsp.reset()
		tx.rsp.SetStatus(goipp.StatusErrorInternal)
		tx.rsp.SetStatusMessage(err.Error())
	}

	d.finalize(tx, op.Name)
	return tx.rsp
}

// invoke runs the operation handler. Panics are converted to errors
func (d *IppDispatcher) invoke(ctx context.Context, op ippOperation,
	tx *ippTransaction) (err error) {

	defer func() {
		if v := recover(); v != nil {
			Log.Begin().
				Error('!', "IPP[%d]: %s: panic: %v", tx.session, op.Name, v).
				Error('!', "%s", debug.Stack()).
				Commit()
			err = fmt.Errorf("%s: internal error", op.Name)
		}
	}()

	return op.Handler(ctx, d.backend, tx.rq, tx.rsp)
}

// finalize moves transaction into the finalized state
func (d *IppDispatcher) finalize(tx *ippTransaction, name string) {
	tx.rsp.Finalize()
	tx.state = dispatchFinalized

	Metrics.ObserveIppRequest(name, tx.rsp.Status())

	Log.Begin().
		Debug(' ', "IPP[%d]: %s: %s", tx.session, name, tx.rsp.Status()).
		IppResponse(LogTraceIPP, '<', tx.rsp.Msg).
		Commit()
}

// ippCupsGetPrinters handles the CUPS-Get-Printers operation
func ippCupsGetPrinters(ctx context.Context, backend Backend,
	rq *ippRequest, rsp *ippResponse) error {

	printers, err := backend.ListPrinters(ctx)
	if err != nil {
		return err
	}

	b, err := ippPrinterListAttrs(ctx, backend, printers)
	if err != nil {
		return err
	}

	if len(printers) > 0 {
		rsp.SetStatus(goipp.StatusOk)
	} else {
		rsp.SetStatus(goipp.StatusErrorNotFound)
	}

	rsp.AddGroups(b.Groups())
	return nil
}
