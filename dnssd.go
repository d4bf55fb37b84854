/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * DNS-SD advertiser: system-independent stuff
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dnssdMaxCollisions limits collision resolution attempts
const dnssdMaxCollisions = 100

// DNSSdTxtItem represents a single TXT record item
type DNSSdTxtItem struct {
	Key, Value string // TXT entry: Key=Value
}

// DNSSdTxtRecord represents a TXT record
type DNSSdTxtRecord []DNSSdTxtItem

// Add adds item to DNSSdTxtRecord
func (txt *DNSSdTxtRecord) Add(key, value string) {
	*txt = append(*txt, DNSSdTxtItem{key, value})
}

// IfNotEmpty adds item to DNSSdTxtRecord if its value is not empty
//
// It returns true if item was actually added, false otherwise
func (txt *DNSSdTxtRecord) IfNotEmpty(key, value string) bool {
	if value != "" {
		txt.Add(key, value)
		return true
	}
	return false
}

// export DNSSdTxtRecord into Avahi format
func (txt DNSSdTxtRecord) export() [][]byte {
	var exported [][]byte

	// Avahi publishes TXT record in reverse order,
	// so compensate it here
	for i := len(txt) - 1; i >= 0; i-- {
		item := txt[i]
		exported = append(exported, []byte(item.Key+"="+item.Value))
	}

	return exported
}

// DNSSdSvcInfo represents a DNS-SD service information
type DNSSdSvcInfo struct {
	Instance string         // Service instance name
	Type     string         // Service type, i.e. "_ipp._tcp"
	Port     int            // TCP port
	Txt      DNSSdTxtRecord // TXT record
}

// Equal tells if two DNSSdSvcInfo are the same
func (svc DNSSdSvcInfo) Equal(svc2 DNSSdSvcInfo) bool {
	if svc.Instance != svc2.Instance || svc.Type != svc2.Type ||
		svc.Port != svc2.Port || len(svc.Txt) != len(svc2.Txt) {
		return false
	}

	for i := range svc.Txt {
		if svc.Txt[i] != svc2.Txt[i] {
			return false
		}
	}

	return true
}

// dnssdPrinterService builds DNS-SD service information for
// the printer
func dnssdPrinterService(view PrinterView, port int) (DNSSdSvcInfo, error) {
	addr, err := PrinterAddressFromPath(view.Path)
	if err != nil {
		return DNSSdSvcInfo{}, err
	}

	name := view.Name
	if name == "" {
		name = addr.ID()
	}

	txt := DNSSdTxtRecord{}
	txt.Add("txtvers", "1")
	txt.Add("qtotal", "1")
	txt.Add("rp", "printers/"+addr.ID())
	ty := view.Description
	if ty == "" {
		ty = name
	}

	txt.Add("ty", ty)
	txt.IfNotEmpty("note", view.Location)
	txt.Add("pdl", "application/pdf")
	txt.Add("UUID", uuid.NewSHA1(uuid.NameSpaceURL, []byte(addr.URI())).String())

	svc := DNSSdSvcInfo{
		Instance: name,
		Type:     "_ipp._tcp",
		Port:     port,
		Txt:      txt,
	}

	return svc, nil
}

// dnssdSysdep is the system-dependent DNS-SD publishing backend
type dnssdSysdep interface {
	// Add publishes the service. ErrDNSSdCollision is returned,
	// if service instance name is already taken
	Add(svc DNSSdSvcInfo) (dnssdEntry, error)

	// Close closes the backend
	Close()
}

// dnssdEntry is the published service
type dnssdEntry interface {
	// Remove unpublishes the service
	Remove()
}

// dnssdPublished is the printer service, published by the advertiser
type dnssdPublished struct {
	base  DNSSdSvcInfo // Service before collision resolution
	entry dnssdEntry   // Published entry
	state *AdvState    // Persistent state
}

// DNSSdAdvertiser advertises printers, known to the ViewTable,
// as _ipp._tcp services
type DNSSdAdvertiser struct {
	table     *ViewTable                  // Printers source
	port      int                         // Advertised IPP port
	stateDir  string                      // AdvState directory
	connect   func() (dnssdSysdep, error) // Backend factory
	dirty     chan struct{}               // Table has changed
	published map[string]*dnssdPublished  // Published, by printer ID

	lock  sync.Mutex        // Protects names
	names map[string]string // Published instance names, by printer ID
}

// NewDNSSdAdvertiser creates a new DNSSdAdvertiser
func NewDNSSdAdvertiser(table *ViewTable, port int) *DNSSdAdvertiser {
	return &DNSSdAdvertiser{
		table:     table,
		port:      port,
		stateDir:  PathProgStatePrinters,
		connect:   newDnssdAvahi,
		dirty:     make(chan struct{}, 1),
		published: make(map[string]*dnssdPublished),
		names:     make(map[string]string),
	}
}

// Run runs the advertiser until ctx is canceled.
//
// DNS-SD is optional: if backend is not available, it is
// logged and advertising is disabled, but error is not returned
func (adv *DNSSdAdvertiser) Run(ctx context.Context) error {
	sysdep, err := adv.connect()
	if err != nil {
		Log.Error('!', "DNS-SD: %s, advertising disabled", err)
		return nil
	}

	defer sysdep.Close()

	adv.table.Subscribe(func(ev ObjectEvent) {
		if ev.Iface == pdIfacePrinter {
			adv.kick()
		}
	})

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	adv.kick()

	for {
		select {
		case <-ctx.Done():
			adv.unpublishAll()
			return nil

		case <-adv.dirty:
		case <-timer.C:
		}

		if !adv.reconcile(sysdep) {
			timer.Reset(DNSSdRetryInterval)
		}
	}
}

// kick wakes up the advertiser. It never blocks
func (adv *DNSSdAdvertiser) kick() {
	select {
	case adv.dirty <- struct{}{}:
	default:
	}
}

// reconcile brings published services in sync with the
// ViewTable. It returns false if some services failed
// and retry is required
func (adv *DNSSdAdvertiser) reconcile(sysdep dnssdSysdep) bool {
	desired := make(map[string]DNSSdSvcInfo)
	for _, ent := range adv.table.Snapshot().Printers {
		addr, err := PrinterAddressFromPath(ent.Printer.Path)
		if err != nil {
			continue
		}

		svc, err := dnssdPrinterService(ent.Printer, adv.port)
		if err != nil {
			Log.Error('!', "DNS-SD: %s", err)
			continue
		}

		desired[addr.ID()] = svc
	}

	for id, pub := range adv.published {
		svc, found := desired[id]
		if !found || !svc.Equal(pub.base) {
			pub.entry.Remove()
			adv.forget(id)
			Log.Info('-', "DNS-SD: %s: removed", pub.state.Instance())
		}
	}

	ok := true
	for _, id := range sortedKeys(desired) {
		if adv.published[id] != nil {
			continue
		}

		err := adv.publish(sysdep, id, desired[id])
		if err != nil {
			Log.Error('!', "DNS-SD: %s: %s", desired[id].Instance, err)
			ok = false
		}
	}

	return ok
}

// publish publishes a single printer service, resolving
// name collisions
func (adv *DNSSdAdvertiser) publish(sysdep dnssdSysdep,
	id string, base DNSSdSvcInfo) error {

	state := LoadAdvState(adv.stateDir, id)
	state.SetName(base.Instance)

	svc := base
	svc.Instance = state.Instance()

	for suffix := 1; suffix <= dnssdMaxCollisions; suffix++ {
		entry, err := sysdep.Add(svc)
		switch {
		case err == nil:
			state.SetOverride(svc.Instance)
			adv.published[id] = &dnssdPublished{
				base:  base,
				entry: entry,
				state: state,
			}

			adv.lock.Lock()
			adv.names[id] = svc.Instance
			adv.lock.Unlock()

			Log.Info('+', "DNS-SD: %s: published", svc.Instance)
			return nil

		case errors.Is(err, ErrDNSSdCollision):
			Log.Debug(' ', "DNS-SD: %s: name collision", svc.Instance)
			svc.Instance = fmt.Sprintf("%s (%d)", base.Instance, suffix)

		default:
			return err
		}
	}

	return ErrDNSSdCollision
}

// unpublishAll removes all published services
func (adv *DNSSdAdvertiser) unpublishAll() {
	for id, pub := range adv.published {
		pub.entry.Remove()
		adv.forget(id)
	}
}

// forget removes printer from the published services
func (adv *DNSSdAdvertiser) forget(id string) {
	delete(adv.published, id)

	adv.lock.Lock()
	delete(adv.names, id)
	adv.lock.Unlock()
}

// Published returns instance names of published services,
// by printer ID. It is safe to call while Run is active
func (adv *DNSSdAdvertiser) Published() map[string]string {
	adv.lock.Lock()
	defer adv.lock.Unlock()

	names := make(map[string]string, len(adv.names))
	for id, name := range adv.names {
		names[id] = name
	}
	return names
}
