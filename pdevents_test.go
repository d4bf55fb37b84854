/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * printerd object watcher tests
 */

package main

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrinterPath = dbus.ObjectPath("/org/freedesktop/printerd/printer/office")
	testJobPath     = dbus.ObjectPath("/org/freedesktop/printerd/job/12")
)

// testPrinterProps returns printer properties
func testPrinterProps(name string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Name":            dbus.MakeVariant(name),
		"Location":        dbus.MakeVariant("Room 101"),
		"DeviceUris":      dbus.MakeVariant([]string{"socket://10.0.0.1"}),
		"State":           dbus.MakeVariant(uint32(PrinterIdle)),
		"IsAcceptingJobs": dbus.MakeVariant(true),
	}
}

// testJobProps returns job properties
func testJobProps(id uint32, printer dbus.ObjectPath) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Id":      dbus.MakeVariant(id),
		"Name":    dbus.MakeVariant("report.pdf"),
		"Printer": dbus.MakeVariant(printer),
		"State":   dbus.MakeVariant(uint32(JobPending)),
	}
}

// testAdded creates InterfaceAdded event
func testAdded(path dbus.ObjectPath, iface string,
	props map[string]dbus.Variant) ObjectEvent {
	return ObjectEvent{
		Kind:  EventInterfaceAdded,
		Path:  path,
		Iface: iface,
		Props: props,
	}
}

// testTableLookup returns a copy of printer's view by ID
func testTableLookup(table *ViewTable, id string) (PrinterView, bool) {
	for _, ent := range table.Snapshot().Printers {
		addr, err := PrinterAddressFromPath(ent.Printer.Path)
		if err == nil && addr.ID() == id {
			return ent.Printer, true
		}
	}

	return PrinterView{}, false
}

// TestEventsFromSignalAdded tests InterfacesAdded conversion
func TestEventsFromSignalAdded(t *testing.T) {
	sig := &dbus.Signal{
		Path: pdRootPath,
		Name: sigInterfacesAdded,
		Body: []interface{}{
			testPrinterPath,
			map[string]map[string]dbus.Variant{
				pdIfacePrinter:  testPrinterProps("Office"),
				dbusIfaceProps:  {},
				dbusIfaceObjMgr: {},
			},
		},
	}

	events := eventsFromSignal(sig)
	require.Len(t, events, 1)
	assert.Equal(t, EventInterfaceAdded, events[0].Kind)
	assert.Equal(t, testPrinterPath, events[0].Path)
	assert.Equal(t, pdIfacePrinter, events[0].Iface)
	assert.Contains(t, events[0].Props, "Name")
}

// TestEventsFromSignalRemoved tests InterfacesRemoved conversion
func TestEventsFromSignalRemoved(t *testing.T) {
	sig := &dbus.Signal{
		Path: pdRootPath,
		Name: sigInterfacesRemoved,
		Body: []interface{}{
			testJobPath,
			[]string{dbusIfaceProps, pdIfaceJob},
		},
	}

	events := eventsFromSignal(sig)
	require.Len(t, events, 1)
	assert.Equal(t, EventInterfaceRemoved, events[0].Kind)
	assert.Equal(t, testJobPath, events[0].Path)
	assert.Equal(t, pdIfaceJob, events[0].Iface)
}

// TestEventsFromSignalProps tests PropertiesChanged conversion
func TestEventsFromSignalProps(t *testing.T) {
	changed := map[string]dbus.Variant{
		"State": dbus.MakeVariant(uint32(PrinterStopped)),
	}

	sig := &dbus.Signal{
		Path: testPrinterPath,
		Name: sigPropertiesChanged,
		Body: []interface{}{pdIfacePrinter, changed, []string{}},
	}

	events := eventsFromSignal(sig)
	require.Len(t, events, 1)
	assert.Equal(t, EventPropertyChanged, events[0].Kind)
	assert.Equal(t, testPrinterPath, events[0].Path)

	// Invalidation only: nothing to apply
	sig.Body = []interface{}{pdIfacePrinter,
		map[string]dbus.Variant{}, []string{"State"}}
	assert.Empty(t, eventsFromSignal(sig))

	// Foreign interface
	sig.Body = []interface{}{pdIfaceManager, changed, []string{}}
	assert.Empty(t, eventsFromSignal(sig))

	// Malformed body
	sig.Body = []interface{}{int32(1)}
	assert.Empty(t, eventsFromSignal(sig))
}

// TestViewTablePrinterLifecycle tests printer add/change/remove
func TestViewTablePrinterLifecycle(t *testing.T) {
	table := NewViewTable()

	var seen []EventKind
	table.Subscribe(func(ev ObjectEvent) {
		seen = append(seen, ev.Kind)
	})

	// Add
	events := table.Apply(testAdded(testPrinterPath, pdIfacePrinter,
		testPrinterProps("Office")))
	require.Len(t, events, 1)
	assert.Equal(t, EventObjectAdded, events[0].Kind)

	view, found := testTableLookup(table, "office")
	require.True(t, found)
	assert.Equal(t, "Office", view.Name)
	assert.Equal(t, "Room 101", view.Location)
	assert.Equal(t, PrinterIdle, view.State)

	// Partial update keeps other properties
	events = table.Apply(ObjectEvent{
		Kind:  EventPropertyChanged,
		Path:  testPrinterPath,
		Iface: pdIfacePrinter,
		Props: map[string]dbus.Variant{
			"State": dbus.MakeVariant(uint32(PrinterStopped)),
		},
	})
	require.Len(t, events, 1)

	view, _ = testTableLookup(table, "office")
	assert.Equal(t, PrinterStopped, view.State)
	assert.Equal(t, "Office", view.Name)
	assert.Equal(t, []string{"socket://10.0.0.1"}, view.DeviceURIs)

	// Re-adding known object is a change
	events = table.Apply(testAdded(testPrinterPath, pdIfacePrinter,
		testPrinterProps("Office 2")))
	require.Len(t, events, 1)
	assert.Equal(t, EventPropertyChanged, events[0].Kind)

	// Remove
	events = table.Apply(ObjectEvent{
		Kind:  EventInterfaceRemoved,
		Path:  testPrinterPath,
		Iface: pdIfacePrinter,
	})
	require.Len(t, events, 1)
	assert.Equal(t, EventObjectRemoved, events[0].Kind)

	_, found = testTableLookup(table, "office")
	assert.False(t, found)

	// Removing unknown object is ignored
	events = table.Apply(ObjectEvent{
		Kind:  EventInterfaceRemoved,
		Path:  testPrinterPath,
		Iface: pdIfacePrinter,
	})
	assert.Empty(t, events)

	assert.Equal(t, []EventKind{
		EventObjectAdded,
		EventPropertyChanged,
		EventPropertyChanged,
		EventObjectRemoved,
	}, seen)
}

// TestViewTableIgnored tests events the table ignores
func TestViewTableIgnored(t *testing.T) {
	table := NewViewTable()

	// Change of unknown object
	events := table.Apply(ObjectEvent{
		Kind:  EventPropertyChanged,
		Path:  testPrinterPath,
		Iface: pdIfacePrinter,
		Props: testPrinterProps("Office"),
	})
	assert.Empty(t, events)

	// Path outside of printerd namespace
	events = table.Apply(testAdded("/org/example/printer/x",
		pdIfacePrinter, testPrinterProps("X")))
	assert.Empty(t, events)

	// Property of wrong type
	events = table.Apply(testAdded(testPrinterPath, pdIfacePrinter,
		map[string]dbus.Variant{"Name": dbus.MakeVariant([]string{"X"})}))
	assert.Empty(t, events)

	assert.Empty(t, table.Snapshot().Printers)
}

// TestViewTableSnapshot tests jobs attachment and orphans
func TestViewTableSnapshot(t *testing.T) {
	table := NewViewTable()

	lab := dbus.ObjectPath("/org/freedesktop/printerd/printer/lab")
	gone := dbus.ObjectPath("/org/freedesktop/printerd/printer/gone")

	table.Apply(testAdded(testPrinterPath, pdIfacePrinter,
		testPrinterProps("Office")))
	table.Apply(testAdded(lab, pdIfacePrinter, testPrinterProps("Lab")))
	table.Apply(testAdded("/org/freedesktop/printerd/job/20",
		pdIfaceJob, testJobProps(20, testPrinterPath)))
	table.Apply(testAdded(testJobPath, pdIfaceJob,
		testJobProps(12, testPrinterPath)))
	table.Apply(testAdded("/org/freedesktop/printerd/job/7",
		pdIfaceJob, testJobProps(7, gone)))

	snap := table.Snapshot()
	require.Len(t, snap.Printers, 2)

	// Printers are ordered by ID
	assert.Equal(t, lab, snap.Printers[0].Printer.Path)
	assert.Empty(t, snap.Printers[0].Jobs)

	office := snap.Printers[1]
	assert.Equal(t, testPrinterPath, office.Printer.Path)
	require.Len(t, office.Jobs, 2)
	assert.Equal(t, uint32(12), office.Jobs[0].ID)
	assert.Equal(t, uint32(20), office.Jobs[1].ID)

	require.Len(t, snap.Orphans, 1)
	assert.Equal(t, uint32(7), snap.Orphans[0].ID)
	assert.Equal(t, JobPending, snap.Orphans[0].State)
}

// TestViewTableSeed tests table reseeding
func TestViewTableSeed(t *testing.T) {
	table := NewViewTable()

	table.Apply(testAdded(testPrinterPath, pdIfacePrinter,
		testPrinterProps("Office")))
	table.Apply(testAdded(testJobPath, pdIfaceJob,
		testJobProps(12, testPrinterPath)))

	lab := dbus.ObjectPath("/org/freedesktop/printerd/printer/lab")
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		lab: {
			pdIfacePrinter: testPrinterProps("Lab"),
			dbusIfaceProps: {},
		},
		testPrinterPath: {
			pdIfacePrinter: testPrinterProps("Office"),
		},
	}

	events := table.Seed(objects)

	kinds := make(map[dbus.ObjectPath]EventKind)
	for _, ev := range events {
		kinds[ev.Path] = ev.Kind
	}

	assert.Equal(t, map[dbus.ObjectPath]EventKind{
		testJobPath:     EventObjectRemoved,
		lab:             EventObjectAdded,
		testPrinterPath: EventPropertyChanged,
	}, kinds)

	snap := table.Snapshot()
	require.Len(t, snap.Printers, 2)
	assert.Empty(t, snap.Orphans)

	// printerd is gone
	events = table.Seed(nil)
	assert.Len(t, events, 2)
	assert.Empty(t, table.Snapshot().Printers)
}
