/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * IPP dispatcher tests
 */

package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is the Backend for tests
type fakeBackend struct {
	lock     sync.Mutex
	order    []dbus.ObjectPath
	printers map[dbus.ObjectPath]*PrinterView
	listErr  error // Returned by ListPrinters
	panicMsg string
	calls    int
}

// fakePrinter creates PrinterView with the given id and device URIs
func fakePrinter(id string, uris ...string) *PrinterView {
	return &PrinterView{
		Path:            dbus.ObjectPath("/org/freedesktop/printerd/printer/" + id),
		Name:            "Printer " + id,
		DeviceURIs:      uris,
		State:           PrinterIdle,
		IsAcceptingJobs: true,
	}
}

// newFakeBackend creates fakeBackend with printers, listed in order
func newFakeBackend(printers ...*PrinterView) *fakeBackend {
	b := &fakeBackend{printers: make(map[dbus.ObjectPath]*PrinterView)}
	for _, p := range printers {
		b.order = append(b.order, p.Path)
		b.printers[p.Path] = p
	}
	return b
}

func (b *fakeBackend) count() {
	b.lock.Lock()
	b.calls++
	b.lock.Unlock()
}

func (b *fakeBackend) Calls() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.calls
}

func (b *fakeBackend) ListPrinters(ctx context.Context) ([]dbus.ObjectPath, error) {
	b.count()
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]dbus.ObjectPath(nil), b.order...), nil
}

func (b *fakeBackend) Printer(ctx context.Context, path dbus.ObjectPath) (*PrinterView, error) {
	b.count()
	if p := b.printers[path]; p != nil {
		return p, nil
	}
	return nil, ErrBackendUnavailable
}

func (b *fakeBackend) Job(ctx context.Context, path dbus.ObjectPath) (*JobView, error) {
	b.count()
	return nil, ErrBackendUnavailable
}

// testIppRequest creates encoded IPP request
func testIppRequest(t *testing.T, op goipp.Op, id uint32) []byte {
	msg := goipp.NewRequest(goipp.DefaultVersion, op, id)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset",
		goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language",
		goipp.TagLanguage, goipp.String("en-us")))

	data, err := msg.EncodeBytes()
	require.NoError(t, err)
	return data
}

// testDispatch dispatches request and decodes the response
func testDispatch(t *testing.T, backend Backend, op goipp.Op) *goipp.Message {
	rq, err := ippDecodeRequest(testIppRequest(t, op, 7))
	require.NoError(t, err)

	rsp := NewIppDispatcher(backend).Dispatch(context.Background(), 1, rq)

	data, err := rsp.Encode()
	require.NoError(t, err)

	msg := &goipp.Message{}
	require.NoError(t, msg.DecodeBytes(data))
	assert.Equal(t, uint32(7), msg.RequestID)

	return msg
}

// testGroups returns groups of the message with the given tag
func testGroups(msg *goipp.Message, tag goipp.Tag) goipp.Groups {
	var groups goipp.Groups
	for _, g := range msg.Groups {
		if g.Tag == tag {
			groups.Add(g)
		}
	}
	return groups
}

// TestDispatchGetPrinters tests CUPS-Get-Printers
func TestDispatchGetPrinters(t *testing.T) {
	backend := newFakeBackend(
		fakePrinter("office", "socket://10.0.0.1"),
		fakePrinter("lab", "usb://Brother/HL"),
	)

	msg := testDispatch(t, backend, goipp.OpCupsGetPrinters)
	assert.Equal(t, goipp.StatusOk, goipp.Status(msg.Code))

	printers := testGroups(msg, goipp.TagPrinterGroup)
	require.Len(t, printers, 2)

	names := []string{}
	for _, g := range printers {
		names = append(names, newIppAttrs(g.Attrs).GetString("printer-name", 0, ""))
	}
	assert.Equal(t, []string{"office", "lab"}, names)

	ops := testGroups(msg, goipp.TagOperationGroup)
	require.Len(t, ops, 1)
	attrs := newIppAttrs(ops[0].Attrs)
	assert.Equal(t, "utf-8", attrs.GetString("attributes-charset", 0, ""))
	assert.Equal(t, "en-us", attrs.GetString("attributes-natural-language", 0, ""))
}

// TestDispatchGetPrintersEmpty tests CUPS-Get-Printers without printers
func TestDispatchGetPrintersEmpty(t *testing.T) {
	msg := testDispatch(t, newFakeBackend(), goipp.OpCupsGetPrinters)

	assert.Equal(t, goipp.StatusErrorNotFound, goipp.Status(msg.Code))
	assert.Empty(t, testGroups(msg, goipp.TagPrinterGroup))
}

// TestDispatchUnsupported tests unknown operation
func TestDispatchUnsupported(t *testing.T) {
	backend := newFakeBackend(fakePrinter("office", "socket://10.0.0.1"))

	msg := testDispatch(t, backend, goipp.OpPrintJob)

	assert.Equal(t, goipp.StatusErrorOperationNotSupported, goipp.Status(msg.Code))
	assert.Empty(t, testGroups(msg, goipp.TagPrinterGroup))
	assert.Equal(t, 0, backend.Calls())
}

// TestDispatchBackendError tests backend failure handling
func TestDispatchBackendError(t *testing.T) {
	backend := newFakeBackend(fakePrinter("office", "socket://10.0.0.1"))
	backend.listErr = errors.New("bus is down")

	msg := testDispatch(t, backend, goipp.OpCupsGetPrinters)

	assert.Equal(t, goipp.StatusErrorInternal, goipp.Status(msg.Code))
	assert.Empty(t, testGroups(msg, goipp.TagPrinterGroup))
}

// TestDispatchPartialFailure tests that partial listing
// is never returned
func TestDispatchPartialFailure(t *testing.T) {
	backend := newFakeBackend(
		fakePrinter("office", "socket://10.0.0.1"),
		fakePrinter("broken"),
	)

	msg := testDispatch(t, backend, goipp.OpCupsGetPrinters)

	assert.Equal(t, goipp.StatusErrorInternal, goipp.Status(msg.Code))
	assert.Empty(t, testGroups(msg, goipp.TagPrinterGroup))
}

// TestDispatchPanic tests that handler panic becomes internal error
func TestDispatchPanic(t *testing.T) {
	backend := newFakeBackend()
	backend.panicMsg = "boom"

	msg := testDispatch(t, backend, goipp.OpCupsGetPrinters)

	assert.Equal(t, goipp.StatusErrorInternal, goipp.Status(msg.Code))
}

// TestIppResponseNotFinal tests that only finalized
// response can be encoded
func TestIppResponseNotFinal(t *testing.T) {
	rq, err := ippDecodeRequest(testIppRequest(t, goipp.OpCupsGetPrinters, 1))
	require.NoError(t, err)

	rsp := newIppResponse(rq)
	_, err = rsp.Encode()
	assert.ErrorIs(t, err, ErrResponseNotFinal)

	rsp.Finalize()
	_, err = rsp.Encode()
	assert.NoError(t, err)
}

// TestIppDecodeRequestGarbage tests decoding of invalid request
func TestIppDecodeRequestGarbage(t *testing.T) {
	_, err := ippDecodeRequest([]byte{0x02, 0x00, 0x40})
	assert.Error(t, err)

	_, err = ippDecodeRequest(nil)
	assert.Error(t, err)
}
