/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * printerd object watcher
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/godbus/dbus/v5"
)

// D-Bus signals the watcher listens to
const (
	sigInterfacesAdded   = dbusIfaceObjMgr + ".InterfacesAdded"
	sigInterfacesRemoved = dbusIfaceObjMgr + ".InterfacesRemoved"
	sigPropertiesChanged = dbusIfaceProps + ".PropertiesChanged"
	sigNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
)

// EventKind enumerates kinds of object events
type EventKind int

// Event kinds
const (
	EventObjectAdded EventKind = iota
	EventObjectRemoved
	EventInterfaceAdded
	EventInterfaceRemoved
	EventPropertyChanged
)

// String returns EventKind name
func (kind EventKind) String() string {
	switch kind {
	case EventObjectAdded:
		return "object-added"
	case EventObjectRemoved:
		return "object-removed"
	case EventInterfaceAdded:
		return "interface-added"
	case EventInterfaceRemoved:
		return "interface-removed"
	case EventPropertyChanged:
		return "property-changed"
	}
	return fmt.Sprintf("unknown (%d)", int(kind))
}

// ObjectEvent represents a change of printerd object
type ObjectEvent struct {
	Kind  EventKind               // Event kind
	Path  dbus.ObjectPath         // Object path
	Iface string                  // Interface name
	Props map[string]dbus.Variant // Properties, if any
}

// String returns string representation of ObjectEvent, for logging
func (ev ObjectEvent) String() string {
	return fmt.Sprintf("%s %s %s", ev.Kind, ev.Path, ev.Iface)
}

// eventsFromSignal converts D-Bus signal into the sequence
// of ObjectEvents. Signals not related to printers and jobs
// produce no events
func eventsFromSignal(sig *dbus.Signal) []ObjectEvent {
	var events []ObjectEvent

	switch sig.Name {
	case sigInterfacesAdded:
		var path dbus.ObjectPath
		var ifaces map[string]map[string]dbus.Variant
		if dbus.Store(sig.Body, &path, &ifaces) != nil {
			return nil
		}

		for _, iface := range sortedKeys(ifaces) {
			if pdIfaceWatched(iface) {
				events = append(events, ObjectEvent{
					Kind:  EventInterfaceAdded,
					Path:  path,
					Iface: iface,
					Props: ifaces[iface],
				})
			}
		}

	case sigInterfacesRemoved:
		var path dbus.ObjectPath
		var ifaces []string
		if dbus.Store(sig.Body, &path, &ifaces) != nil {
			return nil
		}

		for _, iface := range ifaces {
			if pdIfaceWatched(iface) {
				events = append(events, ObjectEvent{
					Kind:  EventInterfaceRemoved,
					Path:  path,
					Iface: iface,
				})
			}
		}

	case sigPropertiesChanged:
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if dbus.Store(sig.Body, &iface, &changed, &invalidated) != nil {
			return nil
		}

		if pdIfaceWatched(iface) && len(changed) != 0 {
			events = append(events, ObjectEvent{
				Kind:  EventPropertyChanged,
				Path:  sig.Path,
				Iface: iface,
				Props: changed,
			})
		}
	}

	return events
}

// pdIfaceWatched tells if interface is tracked by the ViewTable
func pdIfaceWatched(iface string) bool {
	return iface == pdIfacePrinter || iface == pdIfaceJob
}

// sortedKeys returns keys of the map in sorted order
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrinterEntry is the printer with its jobs, as seen
// in the ViewSnapshot
type PrinterEntry struct {
	Printer PrinterView // The printer
	Jobs    []JobView   // Its jobs, ordered by ID
}

// ViewSnapshot is a consistent snapshot of the ViewTable
type ViewSnapshot struct {
	Printers []PrinterEntry // Printers, ordered by ID
	Orphans  []JobView      // Jobs of unknown printers
}

// ViewTable maintains current state of printerd objects,
// reduced from the stream of ObjectEvents
//
// Printers are keyed by identifier, jobs by path. Jobs
// whose printer is unknown are kept and reported as orphans
type ViewTable struct {
	lock        sync.Mutex              // Access lock
	printers    map[string]*PrinterView // Printers by ID
	jobs        map[dbus.ObjectPath]*JobView
	subscribers []func(ObjectEvent)
}

// NewViewTable creates a new empty ViewTable
func NewViewTable() *ViewTable {
	return &ViewTable{
		printers: make(map[string]*PrinterView),
		jobs:     make(map[dbus.ObjectPath]*JobView),
	}
}

// Subscribe adds callback, called for every effective event.
// Callbacks are called without ViewTable lock held
func (t *ViewTable) Subscribe(callback func(ObjectEvent)) {
	t.lock.Lock()
	t.subscribers = append(t.subscribers, callback)
	t.lock.Unlock()
}

// Apply applies event to the table and returns effective events,
// as delivered to subscribers. For example, InterfaceAdded of
// a new printer becomes ObjectAdded
func (t *ViewTable) Apply(ev ObjectEvent) []ObjectEvent {
	t.lock.Lock()
	events := t.reduce(ev)
	t.lock.Unlock()

	t.notify(events)
	return events
}

// Seed replaces table content with the objects, as returned by
// GetManagedObjects. Objects that disappeared are reported
// as removed
func (t *ViewTable) Seed(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []ObjectEvent {
	var events []ObjectEvent

	t.lock.Lock()

	for id, view := range t.printers {
		if _, found := objects[view.Path][pdIfacePrinter]; !found {
			delete(t.printers, id)
			events = append(events, ObjectEvent{
				Kind:  EventObjectRemoved,
				Path:  view.Path,
				Iface: pdIfacePrinter,
			})
		}
	}

	for path := range t.jobs {
		if _, found := objects[path][pdIfaceJob]; !found {
			delete(t.jobs, path)
			events = append(events, ObjectEvent{
				Kind:  EventObjectRemoved,
				Path:  path,
				Iface: pdIfaceJob,
			})
		}
	}

	paths := make([]string, 0, len(objects))
	for path := range objects {
		paths = append(paths, string(path))
	}
	sort.Strings(paths)

	for _, path := range paths {
		ifaces := objects[dbus.ObjectPath(path)]
		for _, iface := range sortedKeys(ifaces) {
			if pdIfaceWatched(iface) {
				events = append(events, t.reduce(ObjectEvent{
					Kind:  EventInterfaceAdded,
					Path:  dbus.ObjectPath(path),
					Iface: iface,
					Props: ifaces[iface],
				})...)
			}
		}
	}

	t.lock.Unlock()

	t.notify(events)
	return events
}

// reduce applies event to the table. Must be called under lock
func (t *ViewTable) reduce(ev ObjectEvent) []ObjectEvent {
	switch ev.Iface {
	case pdIfacePrinter:
		return t.reducePrinter(ev)
	case pdIfaceJob:
		return t.reduceJob(ev)
	}
	return nil
}

// reducePrinter applies printer event to the table
func (t *ViewTable) reducePrinter(ev ObjectEvent) []ObjectEvent {
	addr, err := PrinterAddressFromPath(ev.Path)
	if err != nil {
		Log.Debug('!', "WATCH: %s: %s", ev, err)
		return nil
	}

	id := addr.ID()
	old := t.printers[id]

	switch ev.Kind {
	case EventObjectAdded, EventInterfaceAdded:
		view, err := decodePrinterView(ev.Path, ev.Props)
		if err != nil {
			Log.Debug('!', "WATCH: %s: %s", ev, err)
			return nil
		}

		t.printers[id] = view
		if old != nil {
			ev.Kind = EventPropertyChanged
		} else {
			ev.Kind = EventObjectAdded
		}

	case EventObjectRemoved, EventInterfaceRemoved:
		if old == nil {
			return nil
		}
		delete(t.printers, id)
		ev.Kind = EventObjectRemoved

	case EventPropertyChanged:
		if old == nil {
			return nil
		}

		view := *old
		err := view.update(ev.Props)
		if err != nil {
			Log.Debug('!', "WATCH: %s: %s", ev, err)
			return nil
		}
		t.printers[id] = &view
	}

	return []ObjectEvent{ev}
}

// reduceJob applies job event to the table
func (t *ViewTable) reduceJob(ev ObjectEvent) []ObjectEvent {
	if _, err := JobAddressFromPath(ev.Path); err != nil {
		Log.Debug('!', "WATCH: %s: %s", ev, err)
		return nil
	}

	old := t.jobs[ev.Path]

	switch ev.Kind {
	case EventObjectAdded, EventInterfaceAdded:
		view, err := decodeJobView(ev.Path, ev.Props)
		if err != nil {
			Log.Debug('!', "WATCH: %s: %s", ev, err)
			return nil
		}

		t.jobs[ev.Path] = view
		if old != nil {
			ev.Kind = EventPropertyChanged
		} else {
			ev.Kind = EventObjectAdded
		}

	case EventObjectRemoved, EventInterfaceRemoved:
		if old == nil {
			return nil
		}
		delete(t.jobs, ev.Path)
		ev.Kind = EventObjectRemoved

	case EventPropertyChanged:
		if old == nil {
			return nil
		}

		view := *old
		err := view.update(ev.Props)
		if err != nil {
			Log.Debug('!', "WATCH: %s: %s", ev, err)
			return nil
		}
		t.jobs[ev.Path] = &view
	}

	return []ObjectEvent{ev}
}

// notify delivers events to subscribers
func (t *ViewTable) notify(events []ObjectEvent) {
	if len(events) == 0 {
		return
	}

	t.lock.Lock()
	subscribers := t.subscribers
	printers := len(t.printers)
	t.lock.Unlock()

	Metrics.SetPrinters(printers)

	for _, ev := range events {
		Log.Debug(' ', "WATCH: %s", ev)
		Metrics.ObserveEvent(ev.Kind.String())
		for _, callback := range subscribers {
			callback(ev)
		}
	}
}

// Snapshot returns a consistent snapshot of the table
func (t *ViewTable) Snapshot() ViewSnapshot {
	t.lock.Lock()
	defer t.lock.Unlock()

	var snap ViewSnapshot
	index := make(map[dbus.ObjectPath]int)

	for _, id := range sortedKeys(t.printers) {
		view := t.printers[id]
		index[view.Path] = len(snap.Printers)
		snap.Printers = append(snap.Printers, PrinterEntry{Printer: *view})
	}

	jobs := make([]*JobView, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ID < jobs[j].ID
	})

	for _, job := range jobs {
		if i, found := index[job.Printer]; found {
			snap.Printers[i].Jobs = append(snap.Printers[i].Jobs, *job)
		} else {
			snap.Orphans = append(snap.Orphans, *job)
		}
	}

	return snap
}

// PdWatcher tracks printerd objects and feeds changes
// into the ViewTable
type PdWatcher struct {
	bus       BusKind                           // Bus to connect to
	timeout   time.Duration                     // Call timeout
	dial      func(BusKind) (*dbus.Conn, error) // Connection factory
	table     *ViewTable                        // Destination table
	connected int32                             // Atomic: has live session
}

// NewPdWatcher creates a new PdWatcher
func NewPdWatcher(bus BusKind, timeout time.Duration, table *ViewTable) *PdWatcher {
	return &PdWatcher{
		bus:     bus,
		timeout: timeout,
		dial:    pdDial,
		table:   table,
	}
}

// Connected tells if watcher has live session with printerd
func (w *PdWatcher) Connected() bool {
	return atomic.LoadInt32(&w.connected) != 0
}

// Run runs the watcher until ctx is canceled. Lost connections
// are re-established with exponential backoff
func (w *PdWatcher) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = WatcherRetryMaxInterval
	b.MaxElapsedTime = 0

	for {
		err := w.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		if errIsBackend(err) {
			Log.Debug('!', "WATCH: %s, retry in %s", err, delay)
		} else {
			Log.Error('!', "WATCH: %s, retry in %s", err, delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs a single watcher session. seeded is called
// when the table is successfully seeded
func (w *PdWatcher) session(ctx context.Context, seeded func()) error {
	conn, err := w.dial(w.bus)
	if err != nil {
		return fmt.Errorf("%w: %s bus: %s", ErrBackendUnavailable, w.bus, err)
	}
	defer conn.Close()

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(pdBusName),
			dbus.WithMatchInterface(dbusIfaceObjMgr),
		},
		{
			dbus.WithMatchSender(pdBusName),
			dbus.WithMatchInterface(dbusIfaceProps),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(pdRootPath),
		},
		{
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, pdBusName),
		},
	}

	for _, match := range matches {
		err = conn.AddMatchSignal(match...)
		if err != nil {
			return fmt.Errorf("AddMatch: %w", err)
		}
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	err = w.seed(ctx, conn)
	if err != nil {
		return err
	}

	atomic.StoreInt32(&w.connected, 1)
	defer atomic.StoreInt32(&w.connected, 0)

	seeded()
	Log.Info(' ', "WATCH: watching printerd on %s bus", w.bus)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}

			if sig.Name == sigNameOwnerChanged {
				w.ownerChanged(ctx, conn, sig)
				continue
			}

			for _, ev := range eventsFromSignal(sig) {
				w.table.Apply(ev)
			}
		}
	}
}

// seed loads all printerd objects into the table
func (w *PdWatcher) seed(ctx context.Context, conn *dbus.Conn) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	method := dbusIfaceObjMgr + ".GetManagedObjects"

	start := time.Now()
	err := conn.Object(pdBusName, pdRootPath).
		CallWithContext(ctx, method, 0).Store(&objects)
	Metrics.ObserveBackendCall(method, time.Since(start), err)

	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBackendUnavailable, method, err)
	}

	w.table.Seed(objects)
	return nil
}

// ownerChanged handles printerd restart or exit
func (w *PdWatcher) ownerChanged(ctx context.Context, conn *dbus.Conn,
	sig *dbus.Signal) {

	var name, oldOwner, newOwner string
	if dbus.Store(sig.Body, &name, &oldOwner, &newOwner) != nil ||
		name != pdBusName {
		return
	}

	if newOwner == "" {
		Log.Info('!', "WATCH: printerd has gone")
		w.table.Seed(nil)
		return
	}

	Log.Info(' ', "WATCH: printerd (re)started")
	err := w.seed(ctx, conn)
	if err != nil {
		Log.Error('!', "WATCH: %s", err)
	}
}
