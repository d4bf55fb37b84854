/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * IPP attributes builder
 */

package main

import (
	"context"
	"fmt"

	"github.com/OpenPrinting/goipp"
	"github.com/godbus/dbus/v5"
)

// ippGroupsBuilder builds a sequence of attribute groups of the
// same tag (i.e., one Printer group per printer)
//
// Separator() closes the current group; the next Add() opens a new
// one. So separator appears only between non-empty groups: never
// before the first, never duplicated, and not at all if nothing
// was added
type ippGroupsBuilder struct {
	tag        goipp.Tag    // Group tag
	groups     goipp.Groups // Completed and current groups
	open       bool         // Current group accepts attributes
	separators int          // Count of emitted separators
}

// newIppGroupsBuilder creates a new ippGroupsBuilder
func newIppGroupsBuilder(tag goipp.Tag) *ippGroupsBuilder {
	return &ippGroupsBuilder{tag: tag}
}

// Add adds attribute to the current group
func (b *ippGroupsBuilder) Add(attr goipp.Attribute) {
	if !b.open {
		if len(b.groups) != 0 {
			b.separators++
		}
		b.groups.Add(goipp.Group{Tag: b.tag})
		b.open = true
	}

	b.groups[len(b.groups)-1].Add(attr)
}

// Separator terminates the current group
func (b *ippGroupsBuilder) Separator() {
	b.open = false
}

// Groups returns built groups
func (b *ippGroupsBuilder) Groups() goipp.Groups {
	return b.groups
}

// Separators returns count of separators between groups
func (b *ippGroupsBuilder) Separators() int {
	return b.separators
}

// ippPrinterListAttrs resolves printers through the backend and renders
// them into the Printer groups, one group per printer, in order.
//
// Any resolution failure fails the whole listing, so partial listing
// is never returned as complete
func ippPrinterListAttrs(ctx context.Context, backend Backend,
	printers []dbus.ObjectPath) (*ippGroupsBuilder, error) {

	b := newIppGroupsBuilder(goipp.TagPrinterGroup)

	for _, path := range printers {
		addr, err := PrinterAddressFromPath(path)
		if err != nil {
			return nil, err
		}

		view, err := backend.Printer(ctx, path)
		if err != nil {
			return nil, err
		}

		attrs, err := ippPrinterAttrs(addr, view)
		if err != nil {
			return nil, err
		}

		b.Separator()
		for _, attr := range attrs {
			b.Add(attr)
		}
	}

	return b, nil
}

// ippPrinterAttrs renders attributes of a single printer
//
// printer-name is the short identifier, the same as in the printer
// URI, not the display name
func ippPrinterAttrs(addr ObjectAddress, view *PrinterView) (goipp.Attributes, error) {
	if len(view.DeviceURIs) == 0 {
		return nil, fmt.Errorf("%w: %s: device-uri", ErrMissingAttribute, addr)
	}

	attrs := goipp.Attributes{
		goipp.MakeAttribute("printer-name",
			goipp.TagName, goipp.String(addr.ID())),
		goipp.MakeAttribute("device-uri",
			goipp.TagURI, goipp.String(view.DeviceURIs[0])),
	}

	return attrs, nil
}

// ippOperationAttrs returns the mandatory operation attributes
// of the response
func ippOperationAttrs() goipp.Attributes {
	return goipp.Attributes{
		goipp.MakeAttribute("attributes-charset",
			goipp.TagCharset, goipp.String("utf-8")),
		goipp.MakeAttribute("attributes-natural-language",
			goipp.TagLanguage, goipp.String("en-us")),
	}
}

// ippAttrs represents a collection of IPP attributes,
// enrolled into a map for convenient access
type ippAttrs map[string]goipp.Values

// newIppAttrs creates ippAttrs from the attributes list
func newIppAttrs(list goipp.Attributes) ippAttrs {
	attrs := make(ippAttrs)

	// Note, we move from the end of list to the beginning, so
	// in a case of duplicated attributes, first occurrence wins
	for i := len(list) - 1; i >= 0; i-- {
		attr := list[i]
		attrs[attr.Name] = attr.Values
	}

	return attrs
}

// Get returns n-th value of the named attribute, if present
func (attrs ippAttrs) Get(name string, n int) (goipp.Value, bool) {
	vals := attrs[name]
	if n < 0 || n >= len(vals) {
		return nil, false
	}

	return vals[n].V, true
}

// GetString returns n-th value of the named attribute as string,
// or dflt, if attribute is missed or not a string
func (attrs ippAttrs) GetString(name string, n int, dflt string) string {
	v, ok := attrs.Get(name, n)
	if ok {
		if s, ok := v.(goipp.String); ok {
			return string(s)
		}
	}

	return dflt
}
