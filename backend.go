/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * printerd client
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// printerd D-Bus names
const (
	pdBusName       = "org.freedesktop.printerd"
	pdRootPath      = dbus.ObjectPath("/org/freedesktop/printerd")
	pdManagerPath   = dbus.ObjectPath("/org/freedesktop/printerd/Manager")
	pdIfacePrefix   = "org.freedesktop.printerd"
	pdIfaceManager  = pdIfacePrefix + ".Manager"
	pdIfacePrinter  = pdIfacePrefix + ".Printer"
	pdIfaceJob      = pdIfacePrefix + ".Job"
	dbusIfaceProps  = "org.freedesktop.DBus.Properties"
	dbusIfaceObjMgr = "org.freedesktop.DBus.ObjectManager"
)

// PrinterState is the printerd printer state
type PrinterState uint32

// Printer states
const (
	PrinterIdle       PrinterState = 3
	PrinterProcessing PrinterState = 4
	PrinterStopped    PrinterState = 5
)

// String returns PrinterState name
func (state PrinterState) String() string {
	switch state {
	case PrinterIdle:
		return "idle"
	case PrinterProcessing:
		return "processing"
	case PrinterStopped:
		return "stopped"
	}
	return "unknown"
}

// JobState is the printerd job state
type JobState uint32

// Job states
const (
	JobPending JobState = iota + 3
	JobHeld
	JobProcessing
	JobStopped
	JobCanceled
	JobAborted
	JobCompleted
)

// String returns JobState name
func (state JobState) String() string {
	switch state {
	case JobPending:
		return "pending"
	case JobHeld:
		return "held"
	case JobProcessing:
		return "processing"
	case JobStopped:
		return "stopped"
	case JobCanceled:
		return "canceled"
	case JobAborted:
		return "aborted"
	case JobCompleted:
		return "completed"
	}
	return "unknown"
}

// PrinterView is a snapshot of printer properties
type PrinterView struct {
	Path            dbus.ObjectPath // Object path
	Name            string          // Display name
	Description     string          // Printer description
	Location        string          // Printer location
	Ieee1284ID      string          // IEEE 1284 device ID
	DeviceURIs      []string        // Device URIs, ordered
	State           PrinterState    // Printer state
	StateReasons    []string        // Printer state reasons
	IsAcceptingJobs bool            // Printer accepts jobs
}

// JobView is a snapshot of job properties
type JobView struct {
	Path         dbus.ObjectPath // Object path
	ID           uint32          // Job id
	Name         string          // Job name
	Printer      dbus.ObjectPath // Owning printer
	State        JobState        // Job state
	StateReasons []string        // Job state reasons
}

// Backend is the print-management service, as seen by IPP handlers.
// All methods are synchronous round trips, bounded by ctx
type Backend interface {
	// ListPrinters returns references to all printers
	ListPrinters(ctx context.Context) ([]dbus.ObjectPath, error)

	// Printer resolves printer reference into PrinterView
	Printer(ctx context.Context, path dbus.ObjectPath) (*PrinterView, error)

	// Job resolves job reference into JobView
	Job(ctx context.Context, path dbus.ObjectPath) (*JobView, error)
}

// BusKind selects D-Bus bus printerd is connected to
type BusKind int

// Bus kinds
const (
	BusSystem BusKind = iota
	BusSession
)

// String returns BusKind name
func (bus BusKind) String() string {
	if bus == BusSession {
		return "session"
	}
	return "system"
}

// PdClient is the Backend, implemented on a top of printerd D-Bus API
//
// Connection is established on first use and then reused. The
// dbus.Conn is safe for concurrent use, so a single PdClient
// is shared by all HTTP sessions; only connection setup is
// serialized by the lock
type PdClient struct {
	bus     BusKind                       // Bus to connect to
	timeout time.Duration                 // Per-call timeout
	dial    func(BusKind) (pdConn, error) // Connection factory

	lock    sync.Mutex     // Protects fields below
	conn    pdConn         // Bus connection, nil if not connected
	manager dbus.BusObject // Manager object
}

// pdConn is the part of *dbus.Conn, PdClient depends on
type pdConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Connected() bool
	Close() error
}

// NewPdClient creates a new PdClient. It doesn't connect
// to the bus until first use or explicit Connect
func NewPdClient(bus BusKind, timeout time.Duration) *PdClient {
	return &PdClient{
		bus:     bus,
		timeout: timeout,
		dial:    pdClientDial,
	}
}

// pdClientDial is the PdClient connection factory
func pdClientDial(bus BusKind) (pdConn, error) {
	conn, err := pdDial(bus)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pdDial opens a private connection to the bus
func pdDial(bus BusKind) (*dbus.Conn, error) {
	if bus == BusSession {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// Connect connects to the bus, if not connected yet
func (pd *PdClient) Connect() error {
	_, _, err := pd.handle()
	return err
}

// Connected tells if client is connected to the bus
func (pd *PdClient) Connected() bool {
	pd.lock.Lock()
	defer pd.lock.Unlock()
	return pd.conn != nil && pd.conn.Connected()
}

// Close closes the bus connection
func (pd *PdClient) Close() {
	pd.lock.Lock()
	defer pd.lock.Unlock()

	if pd.conn != nil {
		pd.conn.Close()
		pd.conn = nil
		pd.manager = nil
	}
}

// handle returns connection and the manager object,
// connecting on demand
func (pd *PdClient) handle() (pdConn, dbus.BusObject, error) {
	pd.lock.Lock()
	defer pd.lock.Unlock()

	// Drop connection closed by the bus
	if pd.conn != nil && !pd.conn.Connected() {
		Log.Debug('!', "DBUS: %s bus connection lost", pd.bus)
		pd.conn = nil
		pd.manager = nil
	}

	if pd.conn == nil {
		conn, err := pd.dial(pd.bus)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s bus: %s",
				ErrBackendUnavailable, pd.bus, err)
		}

		Log.Debug(' ', "DBUS: connected to %s bus", pd.bus)
		pd.conn = conn
		pd.manager = conn.Object(pdBusName, pdManagerPath)
	}

	return pd.conn, pd.manager, nil
}

// call performs a method call with timeout and metrics
func (pd *PdClient) call(ctx context.Context, obj dbus.BusObject,
	method string, out interface{}, args ...interface{}) error {

	if pd.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pd.timeout)
		defer cancel()
	}

	Log.Begin().Trace(LogTraceDBus, '>', "DBUS: %s %s", obj.Path(), method).Commit()

	start := time.Now()
	err := obj.CallWithContext(ctx, method, 0, args...).Store(out)
	Metrics.ObserveBackendCall(method, time.Since(start), err)

	if err != nil {
		Log.Begin().Trace(LogTraceDBus, '!', "DBUS: %s %s: %s", obj.Path(), method, err).Commit()
		return fmt.Errorf("%w: %s %s: %s", ErrBackendUnavailable, obj.Path(), method, err)
	}

	return nil
}

// ListPrinters returns references to all printers
func (pd *PdClient) ListPrinters(ctx context.Context) ([]dbus.ObjectPath, error) {
	_, manager, err := pd.handle()
	if err != nil {
		return nil, err
	}

	var printers []dbus.ObjectPath
	err = pd.call(ctx, manager, pdIfaceManager+".GetPrinters", &printers)
	if err != nil {
		return nil, err
	}

	return printers, nil
}

// properties fetches all properties of the object interface
func (pd *PdClient) properties(ctx context.Context, path dbus.ObjectPath,
	iface string) (map[string]dbus.Variant, error) {

	conn, _, err := pd.handle()
	if err != nil {
		return nil, err
	}

	var props map[string]dbus.Variant
	obj := conn.Object(pdBusName, path)
	err = pd.call(ctx, obj, dbusIfaceProps+".GetAll", &props, iface)

	return props, err
}

// Printer resolves printer reference into PrinterView
func (pd *PdClient) Printer(ctx context.Context, path dbus.ObjectPath) (*PrinterView, error) {
	props, err := pd.properties(ctx, path, pdIfacePrinter)
	if err != nil {
		return nil, err
	}

	return decodePrinterView(path, props)
}

// Job resolves job reference into JobView
func (pd *PdClient) Job(ctx context.Context, path dbus.ObjectPath) (*JobView, error) {
	props, err := pd.properties(ctx, path, pdIfaceJob)
	if err != nil {
		return nil, err
	}

	return decodeJobView(path, props)
}

// ManagedObjects returns all objects exported by printerd, with
// their interfaces and properties
func (pd *PdClient) ManagedObjects(ctx context.Context) (
	map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {

	conn, _, err := pd.handle()
	if err != nil {
		return nil, err
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(pdBusName, pdRootPath)
	err = pd.call(ctx, obj, dbusIfaceObjMgr+".GetManagedObjects", &objects)

	return objects, err
}

// pdProps wraps properties map for typed access. The first decoding
// error is remembered in err
type pdProps struct {
	props map[string]dbus.Variant
	err   error
}

// get stores the named property into out. Missing properties leave
// out unchanged
func (p *pdProps) get(name string, out interface{}) {
	v, ok := p.props[name]
	if !ok || p.err != nil {
		return
	}

	err := dbus.Store([]interface{}{v.Value()}, out)
	if err != nil {
		p.err = fmt.Errorf("property %s: %s", name, err)
	}
}

// decodePrinterView decodes printer properties into PrinterView
func decodePrinterView(path dbus.ObjectPath,
	props map[string]dbus.Variant) (*PrinterView, error) {

	view := &PrinterView{Path: path}
	err := view.update(props)
	if err != nil {
		return nil, err
	}

	return view, nil
}

// update applies (possibly partial) set of properties to the
// PrinterView. On error, view may be partially updated
func (view *PrinterView) update(props map[string]dbus.Variant) error {
	p := pdProps{props: props}
	state := uint32(view.State)

	p.get("Name", &view.Name)
	p.get("Description", &view.Description)
	p.get("Location", &view.Location)
	p.get("Ieee1284Id", &view.Ieee1284ID)
	p.get("DeviceUris", &view.DeviceURIs)
	p.get("State", &state)
	p.get("StateReasons", &view.StateReasons)
	p.get("IsAcceptingJobs", &view.IsAcceptingJobs)

	if p.err != nil {
		return fmt.Errorf("%s: %w", view.Path, p.err)
	}

	view.State = PrinterState(state)
	return nil
}

// decodeJobView decodes job properties into JobView
func decodeJobView(path dbus.ObjectPath,
	props map[string]dbus.Variant) (*JobView, error) {

	view := &JobView{Path: path}
	err := view.update(props)
	if err != nil {
		return nil, err
	}

	return view, nil
}

// update applies (possibly partial) set of properties to the
// JobView. On error, view may be partially updated
func (view *JobView) update(props map[string]dbus.Variant) error {
	p := pdProps{props: props}
	state := uint32(view.State)

	p.get("Id", &view.ID)
	p.get("Name", &view.Name)
	p.get("Printer", &view.Printer)
	p.get("State", &state)
	p.get("StateReasons", &view.StateReasons)

	if p.err != nil {
		return fmt.Errorf("%s: %w", view.Path, p.err)
	}

	view.State = JobState(state)
	return nil
}

// errIsBackend tells if error came from the backend
func errIsBackend(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
