/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD advertiser tests
 */

package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDnssd is the dnssdSysdep for tests
type fakeDnssd struct {
	lock    sync.Mutex
	taken   map[string]bool         // Names owned by other hosts
	active  map[string]DNSSdSvcInfo // Published services
	failErr error                   // Returned by Add, if set
	closed  bool
}

// fakeDnssdEntry is the dnssdEntry for tests
type fakeDnssdEntry struct {
	sysdep   *fakeDnssd
	instance string
}

func newFakeDnssd(taken ...string) *fakeDnssd {
	f := &fakeDnssd{
		taken:  make(map[string]bool),
		active: make(map[string]DNSSdSvcInfo),
	}
	for _, name := range taken {
		f.taken[name] = true
	}
	return f
}

func (f *fakeDnssd) Add(svc DNSSdSvcInfo) (dnssdEntry, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failErr != nil {
		return nil, f.failErr
	}

	if _, busy := f.active[svc.Instance]; busy || f.taken[svc.Instance] {
		return nil, ErrDNSSdCollision
	}

	f.active[svc.Instance] = svc
	return &fakeDnssdEntry{f, svc.Instance}, nil
}

func (f *fakeDnssd) Close() {
	f.lock.Lock()
	f.closed = true
	f.lock.Unlock()
}

func (ent *fakeDnssdEntry) Remove() {
	ent.sysdep.lock.Lock()
	delete(ent.sysdep.active, ent.instance)
	ent.sysdep.lock.Unlock()
}

// Active returns sorted names of published services
func (f *fakeDnssd) Active() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	names := []string{}
	for name := range f.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// testAdvertiser creates DNSSdAdvertiser with the fake backend
func testAdvertiser(t *testing.T, table *ViewTable,
	sysdep *fakeDnssd, dir string) *DNSSdAdvertiser {

	adv := NewDNSSdAdvertiser(table, 8631)
	adv.stateDir = dir
	adv.connect = func() (dnssdSysdep, error) {
		return sysdep, nil
	}
	return adv
}

// testTablePrinter adds printer to the ViewTable
func testTablePrinter(table *ViewTable, id, name string) {
	path := dbus.ObjectPath("/org/freedesktop/printerd/printer/" + id)
	props := testPrinterProps(name)
	table.Apply(testAdded(path, pdIfacePrinter, props))
}

// TestDNSSdTxtRecord tests TXT record construction
func TestDNSSdTxtRecord(t *testing.T) {
	txt := DNSSdTxtRecord{}
	txt.Add("txtvers", "1")
	assert.True(t, txt.IfNotEmpty("ty", "Office"))
	assert.False(t, txt.IfNotEmpty("note", ""))

	assert.Equal(t, [][]byte{
		[]byte("ty=Office"),
		[]byte("txtvers=1"),
	}, txt.export())
}

// TestDNSSdPrinterService tests printer service information
func TestDNSSdPrinterService(t *testing.T) {
	view := PrinterView{
		Path:     "/org/freedesktop/printerd/printer/office",
		Name:     "Office",
		Location: "Room 101",
	}

	svc, err := dnssdPrinterService(view, 8631)
	require.NoError(t, err)

	assert.Equal(t, "Office", svc.Instance)
	assert.Equal(t, "_ipp._tcp", svc.Type)
	assert.Equal(t, 8631, svc.Port)

	txt := make(map[string]string)
	for _, item := range svc.Txt {
		txt[item.Key] = item.Value
	}

	id := uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte("ipp://localhost:8631/printers/office"))

	assert.Equal(t, map[string]string{
		"txtvers": "1",
		"qtotal":  "1",
		"rp":      "printers/office",
		"ty":      "Office",
		"note":    "Room 101",
		"pdl":     "application/pdf",
		"UUID":    id.String(),
	}, txt)

	// Unnamed printer is advertised by its ID, without note
	view.Name = ""
	view.Location = ""
	svc2, err := dnssdPrinterService(view, 8631)
	require.NoError(t, err)
	assert.Equal(t, "office", svc2.Instance)
	assert.False(t, svc.Equal(svc2))
	assert.True(t, svc2.Equal(svc2))

	// Bad path
	view.Path = "/org/example/printer"
	_, err = dnssdPrinterService(view, 8631)
	assert.Error(t, err)
}

// TestDNSSdReconcile tests publishing and removal
func TestDNSSdReconcile(t *testing.T) {
	table := NewViewTable()
	sysdep := newFakeDnssd()
	adv := testAdvertiser(t, table, sysdep, t.TempDir())

	testTablePrinter(table, "office", "Office")
	testTablePrinter(table, "lab", "Lab")

	assert.True(t, adv.reconcile(sysdep))
	assert.Equal(t, []string{"Lab", "Office"}, sysdep.Active())
	assert.Equal(t, map[string]string{
		"lab":    "Lab",
		"office": "Office",
	}, adv.Published())

	// Renamed printer is republished
	testTablePrinter(table, "lab", "Laboratory")
	assert.True(t, adv.reconcile(sysdep))
	assert.Equal(t, []string{"Laboratory", "Office"}, sysdep.Active())

	// Removed printer is unpublished
	table.Apply(ObjectEvent{
		Kind:  EventObjectRemoved,
		Path:  "/org/freedesktop/printerd/printer/office",
		Iface: pdIfacePrinter,
	})
	assert.True(t, adv.reconcile(sysdep))
	assert.Equal(t, []string{"Laboratory"}, sysdep.Active())

	adv.unpublishAll()
	assert.Empty(t, sysdep.Active())
	assert.Empty(t, adv.Published())
}

// TestDNSSdCollision tests name collision resolution and
// its persistence
func TestDNSSdCollision(t *testing.T) {
	dir := t.TempDir()
	table := NewViewTable()
	testTablePrinter(table, "office", "Office")

	sysdep := newFakeDnssd("Office", "Office (1)")
	adv := testAdvertiser(t, table, sysdep, dir)

	assert.True(t, adv.reconcile(sysdep))
	assert.Equal(t, []string{"Office (2)"}, sysdep.Active())
	assert.Equal(t, map[string]string{"office": "Office (2)"}, adv.Published())

	state := LoadAdvState(dir, "office")
	assert.Equal(t, "Office", state.DNSSdName)
	assert.Equal(t, "Office (2)", state.DNSSdOverride)

	// After restart, resolved name is reused even if
	// original name is free now
	adv.unpublishAll()
	sysdep2 := newFakeDnssd()
	adv2 := testAdvertiser(t, table, sysdep2, dir)

	assert.True(t, adv2.reconcile(sysdep2))
	assert.Equal(t, []string{"Office (2)"}, sysdep2.Active())

	// Renaming drops the override
	adv2.unpublishAll()
	testTablePrinter(table, "office", "Front Desk")
	assert.True(t, adv2.reconcile(sysdep2))
	assert.Equal(t, []string{"Front Desk"}, sysdep2.Active())

	state = LoadAdvState(dir, "office")
	assert.Equal(t, "Front Desk", state.DNSSdName)
	assert.Equal(t, "", state.DNSSdOverride)
}

// TestDNSSdFailure tests that failed publishing is retried
func TestDNSSdFailure(t *testing.T) {
	table := NewViewTable()
	testTablePrinter(table, "office", "Office")

	sysdep := newFakeDnssd()
	sysdep.failErr = errors.New("avahi is busy")
	adv := testAdvertiser(t, table, sysdep, t.TempDir())

	assert.False(t, adv.reconcile(sysdep))
	assert.Empty(t, adv.Published())

	sysdep.failErr = nil
	assert.True(t, adv.reconcile(sysdep))
	assert.Equal(t, []string{"Office"}, sysdep.Active())
}

// TestDNSSdRun tests the advertiser main loop
func TestDNSSdRun(t *testing.T) {
	table := NewViewTable()
	sysdep := newFakeDnssd()
	adv := testAdvertiser(t, table, sysdep, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- adv.Run(ctx)
	}()

	// Printers added after start are picked up
	testTablePrinter(table, "office", "Office")

	// Published names are visible while advertiser runs
	require.Eventually(t, func() bool {
		return adv.Published()["office"] == "Office"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Office"}, sysdep.Active())

	status := &StatusProvider{Table: table, DNSSd: adv.Published}
	st := status.Collect()
	require.Len(t, st.Printers, 1)
	assert.Equal(t, "Office", st.Printers[0].DNSSdName)

	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, sysdep.Active())
	assert.Empty(t, adv.Published())
	sysdep.lock.Lock()
	assert.True(t, sysdep.closed)
	sysdep.lock.Unlock()
}

// TestDNSSdRunUnavailable tests that unavailable DNS-SD
// backend is not fatal
func TestDNSSdRunUnavailable(t *testing.T) {
	adv := NewDNSSdAdvertiser(NewViewTable(), 8631)
	adv.connect = func() (dnssdSysdep, error) {
		return nil, errors.New("avahi-daemon is not running")
	}

	assert.NoError(t, adv.Run(context.Background()))
}
